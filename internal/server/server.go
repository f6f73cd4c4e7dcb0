package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hayvi/roomy/internal/database"
	"github.com/Hayvi/roomy/internal/presence"
	"github.com/Hayvi/roomy/internal/stats"
	"github.com/Hayvi/roomy/internal/types"
	"github.com/sirupsen/logrus"
)

var ErrServerStopped = errors.New("chat server stopped")

type unloadRoomRequest struct {
	roomId  string
	deleted bool
	done    chan struct{}
}

type roomEvent struct {
	roomId string
	msg    *ServerMessage
}

type ChatServer struct {
	log            *logrus.Logger
	db             database.ChatRepository
	presence       presence.Tracker
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	directory      map[*Client]struct{}
	clientsLock    sync.RWMutex
	joinChan       chan *ClientMessage
	eventChan      chan roomEvent
	broadcastChan  chan *ServerMessage
	unloadRoomChan chan unloadRoomRequest
	rooms          map[string]*Room
	// sweepInterval is how often loaded rooms re-check presence for expired heartbeats
	sweepInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

func NewChatServer(logger *logrus.Logger, db database.ChatRepository, tracker presence.Tracker, su stats.StatsProvider) (*ChatServer, error) {
	if db == nil {
		return nil, fmt.Errorf("chat server requires a repository")
	}
	if tracker == nil {
		return nil, fmt.Errorf("chat server requires a presence tracker")
	}

	su.RegisterMetric(stats.ConnectedClients)
	su.RegisterMetric(stats.LoadedRooms)
	su.RegisterMetric(stats.MessagesSent)

	return &ChatServer{
		log:            logger,
		db:             db,
		presence:       tracker,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		directory:      make(map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		eventChan:      make(chan roomEvent, 256),
		broadcastChan:  make(chan *ServerMessage, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		rooms:          make(map[string]*Room),
		sweepInterval:  types.OnlineWindow / 2,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoin(join)
		case ev := <-cs.eventChan:
			if room, ok := cs.rooms[ev.roomId]; ok {
				select {
				case room.eventChan <- ev.msg:
				default:
					cs.log.Warnf("event channel full on room %q", ev.roomId)
				}
			}
		case msg := <-cs.broadcastChan:
			cs.broadcastDirectory(msg)
		case req := <-cs.unloadRoomChan:
			cs.unloadRoom(req)
		case <-cs.stop:
			cs.log.Info("shutting down rooms")
			for id, r := range cs.rooms {
				cs.log.Debugf("shutting down room %q", id)
				r.exit <- exitReq{}
				<-r.done
			}

			close(cs.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(join *ClientMessage) {
	roomId, _ := roomIdFromTopic(join.Subscribe.Topic)
	if room, ok := cs.rooms[roomId]; ok {
		select {
		case room.joinChan <- join:
		default:
			cs.log.Warnf("join channel full on room %q", roomId)
			join.client.queueMessage(ErrServiceUnavailable(join.Id))
		}
		return
	}

	dbRoom, err := cs.db.GetRoomByExternalId(roomId)
	if err != nil {
		cs.log.Debugf("load room %q: %v", roomId, err)
		join.client.queueMessage(ErrRoomNotFound(join.Id))
		return
	}

	room := newRoom(cs, dbRoom.Id, dbRoom.ExternalId)
	cs.rooms[room.externalId] = room
	cs.stats.Incr(stats.LoadedRooms)
	room.joinChan <- join

	go room.start()
}

func (cs *ChatServer) unloadRoom(req unloadRoomRequest) {
	defer func() {
		if req.done != nil {
			close(req.done)
		}
	}()

	r, ok := cs.rooms[req.roomId]
	if !ok {
		return
	}

	// an idle unload can race a join that was routed to the room after its
	// timer fired, so the room itself decides whether it is still idle
	accepted := make(chan bool, 1)
	r.exit <- exitReq{deleted: req.deleted, idleOnly: !req.deleted, accepted: accepted}
	if !<-accepted {
		return
	}
	<-r.done

	cs.log.Debugf("unloaded room %q", req.roomId)
	delete(cs.rooms, req.roomId)
	cs.stats.Decr(stats.LoadedRooms)
}

func (cs *ChatServer) broadcastDirectory(msg *ServerMessage) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.directory {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.ConnectedClients)
	cs.log.Debugf("added connection from %q", c.user.DisplayName)
}

func (cs *ChatServer) deregisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	delete(cs.directory, c)
	cs.stats.Decr(stats.ConnectedClients)
	cs.log.Debugf("removed connection from %q", c.user.DisplayName)
}

func (cs *ChatServer) subscribeDirectory(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.directory[c] = struct{}{}
}

func (cs *ChatServer) unsubscribeDirectory(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.directory, c)
}

// PublishMessage fans an inserted message out to the room's subscribers.
func (cs *ChatServer) PublishMessage(ctx context.Context, msg types.Message) error {
	ev := roomEvent{
		roomId: msg.RoomId,
		msg: &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Event: &Event{
				Type:   EventInsert,
				Table:  TableMessages,
				Topic:  RoomTopic(msg.RoomId),
				Record: msg,
			},
		},
	}

	select {
	case cs.eventChan <- ev:
		return nil
	case <-cs.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyRooms tells directory subscribers that a room row changed.
func (cs *ChatServer) NotifyRooms(ctx context.Context, eventType string, room types.Room) error {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event: &Event{
			Type:   eventType,
			Table:  TableRooms,
			Topic:  TopicRooms,
			Record: room,
		},
	}

	select {
	case cs.broadcastChan <- msg:
		return nil
	case <-cs.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnloadRoom stops the room's goroutine and waits for it to finish.
// With deleted set, subscribers are told the room is gone and its presence is dropped.
func (cs *ChatServer) UnloadRoom(ctx context.Context, roomId string, deleted bool) error {
	req := unloadRoomRequest{roomId: roomId, deleted: deleted, done: make(chan struct{})}

	select {
	case cs.unloadRoomChan <- req:
	case <-cs.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
	case <-cs.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if deleted {
		if err := cs.presence.Forget(ctx, roomId); err != nil {
			return fmt.Errorf("forget presence: %w", err)
		}
	}

	return nil
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	cs.clientsLock.RLock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.RUnlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
