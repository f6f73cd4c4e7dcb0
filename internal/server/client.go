package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Hayvi/roomy/internal/types"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *logrus.Entry
	user       types.Profile
	send       chan *ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.Profile, conn *websocket.Conn, cs *ChatServer, l *logrus.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l.WithField("user", user.Id),
		user:       user,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := c.serializeMessage(msg)
			if err != nil {
				c.log.Errorf("serialize message: %v", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warnf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debugf("parse message: %v", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Subscribe != nil:
		if msg.Subscribe.Topic == TopicRooms {
			c.chatServer.subscribeDirectory(c)
			c.queueMessage(NoErrOK(msg.Id, nil))
			return
		}
		if _, ok := roomIdFromTopic(msg.Subscribe.Topic); !ok {
			c.queueMessage(ErrUnknownTopic(msg.Id))
			return
		}
		c.joinRoom(msg)
	case msg.Unsubscribe != nil:
		if msg.Unsubscribe.Topic == TopicRooms {
			c.chatServer.unsubscribeDirectory(c)
			c.queueMessage(NoErrOK(msg.Id, nil))
			return
		}
		roomId, ok := roomIdFromTopic(msg.Unsubscribe.Topic)
		if !ok {
			c.queueMessage(ErrUnknownTopic(msg.Id))
			return
		}
		c.leaveRoom(roomId, msg)
	case msg.Heartbeat != nil:
		r := c.getRoom(msg.Heartbeat.RoomId)
		if r == nil {
			c.queueMessage(ErrRoomNotFound(msg.Id))
			return
		}
		select {
		case r.clientMsgChan <- msg:
		default:
			c.log.Warnf("clientMsgChan full for room %q", r.externalId)
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		}
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warnf("write message: %v", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.deregisterClient(c)
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		msg := &ClientMessage{
			UserId: c.user.Id,
			client: c,
		}
		select {
		case room.leaveChan <- msg:
		case <-room.done:
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Warn("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(roomId string, msg *ClientMessage) {
	r := c.getRoom(roomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Warnf("leaveChan full for room %q", r.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
