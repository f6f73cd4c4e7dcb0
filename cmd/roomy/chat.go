package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Hayvi/roomy/internal/client"
	"github.com/Hayvi/roomy/internal/types"
)

const chatHelp = `/attach <path>  attach a file to the next message
/detach         drop the pending attachment
/who            list who is online
/leave          leave the room and exit
/quit           exit
anything else is sent as a message`

func printMessage(m types.Message) {
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), m.DisplayName, m.Content)
	if m.AttachmentUrl != "" {
		line += " <" + m.AttachmentUrl + ">"
	}
	fmt.Println(line)
}

// chat opens a room: the gate first, then the feed, presence and composer.
func (a *app) chat(ctx context.Context, roomId string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := a.c.Gate(roomId)
	defer gate.Close()

	member, err := gate.Check(ctx)
	if err != nil {
		return err
	}
	if !member {
		fmt.Print("password: ")
		line, _ := a.in.ReadString('\n')
		if err := gate.Join(ctx, strings.TrimSpace(line)); err != nil {
			return err
		}
	}

	rt, err := a.c.Connect(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	feed, err := a.c.OpenFeed(ctx, roomId, rt, client.FeedHandlers{
		OnMessage: printMessage,
		OnRoomDeleted: func() {
			fmt.Println("the room was deleted")
			cancel()
		},
	})
	if err != nil {
		return err
	}
	defer feed.Close(context.Background())

	for _, m := range feed.Messages() {
		printMessage(m)
	}

	p, err := a.c.StartPresence(ctx, roomId, rt)
	if err != nil {
		return err
	}
	defer p.Stop(context.Background())

	fmt.Println("type /help for commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := a.in.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					a.log.Warnf("read input: %v", err)
				}
				return
			}
		}
	}()

	composer := a.c.Composer(roomId)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rt.Done():
			return fmt.Errorf("connection lost: %w", rt.Err())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := a.handleLine(ctx, gate, p, composer, strings.TrimRight(line, "\r\n"))
			if err != nil {
				fmt.Println(describe(err))
			}
			if done {
				return nil
			}
		}
	}
}

func (a *app) handleLine(ctx context.Context, gate *client.Gate, p *client.Presence, composer *client.Composer, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")

	switch cmd {
	case "/help":
		fmt.Println(chatHelp)
	case "/quit":
		return true, nil
	case "/leave":
		return true, gate.Leave(ctx)
	case "/who":
		online := p.Online()
		names := make([]string, 0, len(online))
		for _, id := range online {
			name, err := a.c.DisplayName(ctx, id)
			if err != nil || name == "" {
				name = id
			}
			names = append(names, name)
		}
		fmt.Printf("%d online: %s\n", len(names), strings.Join(names, ", "))
	case "/attach":
		if err := composer.AttachFile(strings.TrimSpace(arg)); err != nil {
			return false, err
		}
		name, _ := composer.Attachment()
		fmt.Printf("attached %s, it will be sent with the next message\n", name)
	case "/detach":
		composer.ClearAttachment()
	default:
		if strings.HasPrefix(cmd, "/") {
			return false, fmt.Errorf("unknown command %s", cmd)
		}
		composer.SetText(line)
		if _, err := composer.Submit(ctx); err != nil {
			return false, err
		}
	}

	return false, nil
}
