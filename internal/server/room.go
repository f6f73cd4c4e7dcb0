package server

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const idleRoomTimeout = time.Second * 5

type exitReq struct {
	deleted bool
	// idleOnly refuses the exit when clients are subscribed or joining
	idleOnly bool
	accepted chan bool
}

func (e exitReq) reply(ok bool) {
	if e.accepted != nil {
		e.accepted <- ok
	}
}

type roomDeleted struct {
	Id string `json:"id"`
}

type Room struct {
	id            int
	externalId    string
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	eventChan     chan *ServerMessage
	clients       map[*Client]struct{}
	userMap       map[string]map[*Client]struct{}
	clientLock    sync.RWMutex
	// online is the last presence set sent to subscribers
	online []string
	log    *logrus.Entry
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(cs *ChatServer, id int, externalId string) *Room {
	return &Room{
		id:            id,
		externalId:    externalId,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		eventChan:     make(chan *ServerMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[string]map[*Client]struct{}),
		log:           cs.log.WithField("room", externalId),
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	defer close(r.done)

	r.log.Debug("starting room")
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	sweep := time.NewTicker(r.cs.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			if msg.Heartbeat != nil {
				r.handleHeartbeat(msg)
			}
		case ev := <-r.eventChan:
			r.broadcast(ev)
		case <-sweep.C:
			r.syncPresence(false)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if e.idleOnly && r.busy() {
				r.log.Debug("room became active, staying loaded")
				e.reply(false)
				continue
			}
			e.reply(true)
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Debug("room timed out")
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		r.log.Warn("unload channel full, retrying later")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// busy reports whether the room has subscribers or joins waiting to be handled.
func (r *Room) busy() bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients) > 0 || len(r.joinChan) > 0
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Debug("room is exiting")
	if e.deleted {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Event: &Event{
				Type:   EventDelete,
				Table:  TableRooms,
				Topic:  RoomTopic(r.externalId),
				Record: roomDeleted{Id: r.externalId},
			},
		})
	}

	// remove the room for all clients
	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	// joins that raced the unload are refused so the client can retry
	for {
		select {
		case join := <-r.joinChan:
			join.client.queueMessage(ErrServiceUnavailable(join.Id))
		default:
			return
		}
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	c := join.client
	member, err := r.cs.db.MembershipExists(c.user.Id, r.id)
	if err != nil {
		r.log.Errorf("check membership: %v", err)
		c.queueMessage(ErrInternalError(join.Id))
	} else if !member {
		r.log.Debugf("refusing subscription from non-member %q", c.user.Id)
		c.queueMessage(ErrNotMember(join.Id))
	}
	if err != nil || !member {
		if len(r.clients) == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		return
	}

	// stop the kill timer since we have a new client
	r.killTimer.Stop()
	r.addClient(c)

	if err := r.touch(c.user.Id, Now()); err != nil {
		r.log.Errorf("touch presence: %v", err)
	}

	c.queueMessage(NoErrOK(join.Id, nil))
	r.syncPresence(true)
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	c := leaveMsg.client
	r.removeClient(c)

	if leaveMsg.Unsubscribe != nil {
		// the leave was requested by the client, so acknowledge it
		c.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	if r.userMap[c.user.Id] == nil {
		// last session for the user in this room
		if err := r.cs.presence.Leave(context.Background(), r.externalId, c.user.Id); err != nil {
			r.log.Errorf("leave presence: %v", err)
		}
		r.syncPresence(false)
	}
}

func (r *Room) handleHeartbeat(msg *ClientMessage) {
	c := msg.client
	err := r.touch(c.user.Id, Now())
	if errors.Is(err, sql.ErrNoRows) {
		// the membership was removed since the client subscribed
		r.removeAllClientsForUser(c.user.Id)
		if err := r.cs.presence.Leave(context.Background(), r.externalId, c.user.Id); err != nil {
			r.log.Errorf("leave presence: %v", err)
		}
		c.queueMessage(ErrNotMember(msg.Id))
		r.syncPresence(false)
		return
	}
	if err != nil {
		r.log.Errorf("heartbeat: %v", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
	r.syncPresence(false)
}

// touch updates the membership's last-seen time and the presence tracker.
func (r *Room) touch(userId string, at time.Time) error {
	if err := r.cs.db.TouchMembership(userId, r.id, at); err != nil {
		return err
	}
	return r.cs.presence.Touch(context.Background(), r.externalId, userId, at)
}

// syncPresence sends the online set to subscribers when it changed, or always when forced.
func (r *Room) syncPresence(force bool) {
	online, err := r.cs.presence.Online(context.Background(), r.externalId, Now())
	if err != nil {
		r.log.Errorf("fetch presence: %v", err)
		return
	}

	if !force && slices.Equal(online, r.online) {
		return
	}
	r.online = online

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Presence: &PresenceState{
			RoomId: r.externalId,
			Users:  online,
			Count:  len(online),
		},
	})
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) getClient(c *Client) (*Client, bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	if !ok {
		return nil, false
	}
	return c, true
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	// if the client is the last one in the room, start the kill timer
	if len(r.clients) == 0 {
		r.log.Debug("no clients left, starting kill timer")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) removeAllClientsForUser(userId string) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if userClients, ok := r.userMap[userId]; ok {
		for client := range userClients {
			delete(r.clients, client)
			client.delRoom(r.externalId)
		}
		delete(r.userMap, userId)
	}

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
