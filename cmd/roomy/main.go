// Command roomy is a terminal client for the chat server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/Hayvi/roomy/internal/client"
	"github.com/Hayvi/roomy/internal/logging"
	"github.com/Hayvi/roomy/internal/types"
	"github.com/sirupsen/logrus"
)

const usage = `usage: roomy [flags] <command> [args]

commands:
  signin <display name>        start a session
  whoami                       show the current identity
  signout                      end the session
  rooms [-watch]               list rooms
  create <name>                create a room and print its password
  secret <room id>             show the password of a room you own
  join <room id> <password>    join a room
  join-name <name> <password>  join a room by name
  leave <room id>              leave a room
  delete <room id>             delete a room you own
  chat <room id>               open a room

flags:
`

var (
	serverURL   string
	sessionPath string
	logLevel    string
)

type app struct {
	c   *client.Client
	log *logrus.Logger
	in  *bufio.Reader
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".roomy-session"
	}
	return filepath.Join(dir, "roomy", "session")
}

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "chat server base URL")
	flag.StringVar(&sessionPath, "session", defaultSessionPath(), "file holding the session token")
	flag.StringVar(&logLevel, "log-level", "warn", "log level")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.New(logLevel, "text")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		c:   client.New(serverURL, client.WithLogger(logger)),
		log: logger,
		in:  bufio.NewReader(os.Stdin),
	}

	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "roomy: %v\n", describe(err))
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	if cmd == "signin" {
		return a.signIn(ctx, args)
	}

	if err := a.restore(ctx); err != nil {
		return err
	}

	switch cmd {
	case "whoami":
		me, _ := a.c.Identity()
		fmt.Printf("%s (%s)\n", me.DisplayName, me.Id)
		return nil
	case "signout":
		if err := a.c.SignOut(ctx); err != nil {
			return err
		}
		return os.Remove(sessionPath)
	case "rooms":
		return a.rooms(ctx, args)
	case "create":
		return a.create(ctx, args)
	case "secret":
		return a.secret(ctx, args)
	case "join":
		return a.join(ctx, args)
	case "join-name":
		return a.joinByName(ctx, args)
	case "leave":
		if len(args) != 1 {
			return errors.New("leave needs a room id")
		}
		return a.c.Gate(args[0]).Leave(ctx)
	case "delete":
		return a.delete(ctx, args)
	case "chat":
		if len(args) != 1 {
			return errors.New("chat needs a room id")
		}
		return a.chat(ctx, args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) signIn(ctx context.Context, args []string) error {
	session, err := a.c.SignIn(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o700); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := os.WriteFile(sessionPath, []byte(session.Token), 0o600); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	fmt.Printf("signed in as %s\n", session.Profile.DisplayName)
	return nil
}

// restore resumes the saved session; without one every other command is refused.
func (a *app) restore(ctx context.Context) error {
	token, err := os.ReadFile(sessionPath)
	if errors.Is(err, os.ErrNotExist) {
		return errors.New("not signed in, run: roomy signin <name>")
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}

	if _, err := a.c.Restore(ctx, strings.TrimSpace(string(token))); err != nil {
		if client.IsKind(err, client.KindSession) {
			os.Remove(sessionPath)
			return errors.New("session expired, run: roomy signin <name>")
		}
		return err
	}
	return nil
}

func (a *app) printRooms(rooms []types.Room) {
	me, _ := a.c.Identity()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tONLINE\tOWNER")
	for _, r := range rooms {
		online := "-"
		if r.OnlineCount != nil {
			online = fmt.Sprint(*r.OnlineCount)
		}
		owner := ""
		if r.OwnerId == me.Id {
			owner = "you"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.Id, r.Name, r.MemberCount, online, owner)
	}
	w.Flush()
}

func (a *app) rooms(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "keep the listing up to date")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := a.c.Directory()
	if err != nil {
		return err
	}

	if !*watch {
		rooms, err := d.List(ctx)
		if err != nil {
			return err
		}
		a.printRooms(rooms)
		return nil
	}

	rt, err := a.c.Connect(ctx)
	if err != nil {
		a.log.Warnf("realtime unavailable, polling only: %v", err)
	} else {
		defer rt.Close()
	}

	return d.Watch(ctx, rt, func(rooms []types.Room) {
		fmt.Println()
		a.printRooms(rooms)
	})
}

func (a *app) create(ctx context.Context, args []string) error {
	d, err := a.c.Directory()
	if err != nil {
		return err
	}

	created, err := d.Create(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	fmt.Printf("room id:  %s\npassword: %s\n", created.RoomId, created.Password)
	return nil
}

func (a *app) secret(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("secret needs a room id")
	}

	d, err := a.c.Directory()
	if err != nil {
		return err
	}

	password, err := d.Secret(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(password)
	return nil
}

func (a *app) join(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("join needs a room id and a password")
	}
	if err := a.c.Gate(args[0]).Join(ctx, args[1]); err != nil {
		return err
	}
	fmt.Println("joined")
	return nil
}

func (a *app) joinByName(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("join-name needs a room name and a password")
	}

	d, err := a.c.Directory()
	if err != nil {
		return err
	}

	roomId, err := d.JoinByName(ctx, strings.Join(args[:len(args)-1], " "), args[len(args)-1])
	if err != nil {
		return err
	}
	fmt.Printf("joined %s\n", roomId)
	return nil
}

func (a *app) delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("delete needs a room id")
	}

	d, err := a.c.Directory()
	if err != nil {
		return err
	}

	rooms, err := d.List(ctx)
	if err != nil {
		return err
	}
	var room *types.Room
	for i := range rooms {
		if rooms[i].Id == args[0] {
			room = &rooms[i]
			break
		}
	}
	if room == nil {
		return fmt.Errorf("room %q not found", args[0])
	}

	err = d.Delete(ctx, *room, func(r types.Room) bool {
		return a.confirm(fmt.Sprintf("delete %q and all of its messages?", r.Name))
	})
	if errors.Is(err, client.ErrCancelled) {
		fmt.Println("cancelled")
		return nil
	}
	return err
}

func (a *app) confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	line, _ := a.in.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// describe turns client errors into messages suitable for a terminal.
func describe(err error) string {
	var e *client.Error
	if !errors.As(err, &e) {
		return err.Error()
	}

	switch e.Kind {
	case client.KindNetwork:
		return "cannot reach the server: " + e.Error()
	case client.KindIncorrectPassword:
		return "incorrect password"
	case client.KindRateLimited:
		return "too many attempts, try again later"
	case client.KindSession:
		return "session expired, sign in again"
	default:
		return e.Error()
	}
}
