package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	TopicRooms = "rooms"

	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"

	TableRooms    = "rooms"
	TableMessages = "messages"

	writeWait = 10 * time.Second
)

func RoomTopic(roomId string) string {
	return "room:" + roomId
}

type outbound struct {
	Id          int        `json:"id"`
	Subscribe   *topicRef  `json:"subscribe,omitempty"`
	Unsubscribe *topicRef  `json:"unsubscribe,omitempty"`
	Heartbeat   *heartbeat `json:"heartbeat,omitempty"`
}

type topicRef struct {
	Topic string `json:"topic"`
}

type heartbeat struct {
	RoomId string `json:"room_id"`
}

type inbound struct {
	Id       int            `json:"id"`
	Response *response      `json:"response"`
	Event    *Event         `json:"event"`
	Presence *PresenceState `json:"presence"`
}

type response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error"`
}

// Event is a row change pushed by the server. Record is left raw so each
// consumer decodes the row type it expects.
type Event struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Topic  string          `json:"topic"`
	Record json.RawMessage `json:"record"`
}

type PresenceState struct {
	RoomId string   `json:"room_id"`
	Users  []string `json:"users"`
	Count  int      `json:"count"`
}

// Notification is one item delivered to a Subscription.
type Notification struct {
	Event    *Event
	Presence *PresenceState
}

// Subscription buffers notifications without bound so a slow consumer
// never makes the connection drop them.
type Subscription struct {
	C     <-chan Notification
	c     chan Notification
	topic string
	rt    *Realtime
	once  sync.Once

	mu    sync.Mutex
	queue []Notification
	ended bool
	wake  chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func newSubscription(rt *Realtime, topic string) *Subscription {
	c := make(chan Notification)
	sub := &Subscription{
		C:     c,
		c:     c,
		topic: topic,
		rt:    rt,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	go sub.pump()
	return sub
}

func (s *Subscription) push(n Notification) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// end lets the queued notifications drain before C is closed.
func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

// halt closes C without draining.
func (s *Subscription) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// pump hands queued notifications to C in arrival order.
func (s *Subscription) pump() {
	defer close(s.c)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ended := s.ended
			s.queue = nil
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.wake:
			case <-s.stop:
				return
			}
			continue
		}
		n := s.queue[0]
		s.queue[0] = Notification{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.c <- n:
		case <-s.stop:
			return
		}
	}
}

// Close stops delivery and unsubscribes from the server once the last
// subscriber for the topic is gone.
func (s *Subscription) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		defer s.halt()
		if last := s.rt.removeSub(s); last {
			err = s.rt.request(ctx, outbound{Unsubscribe: &topicRef{Topic: s.topic}})
			if errors.Is(err, ErrClosed) {
				err = nil
			}
		}
	})
	return err
}

// Realtime is one websocket connection multiplexing every topic the process follows.
type Realtime struct {
	conn *websocket.Conn
	log  *logrus.Entry

	nextId  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int]chan *response
	subs    map[string]map[*Subscription]struct{}
	closed  bool
	err     error

	done chan struct{}
}

func dialRealtime(ctx context.Context, wsURL string, header http.Header, log *logrus.Entry) (*Realtime, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: "realtime connect", Err: err}
		}
		return nil, transportError(err)
	}

	rt := &Realtime{
		conn:    conn,
		log:     log,
		pending: make(map[int]chan *response),
		subs:    make(map[string]map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	go rt.readLoop()

	return rt, nil
}

func (rt *Realtime) readLoop() {
	defer close(rt.done)

	for {
		var msg inbound
		if err := rt.conn.ReadJSON(&msg); err != nil {
			rt.shutdown(err)
			return
		}

		switch {
		case msg.Response != nil:
			rt.mu.Lock()
			ch, ok := rt.pending[msg.Id]
			delete(rt.pending, msg.Id)
			rt.mu.Unlock()
			if ok {
				ch <- msg.Response
			}
		case msg.Event != nil:
			rt.deliver(msg.Event.Topic, Notification{Event: msg.Event})
		case msg.Presence != nil:
			rt.deliver(RoomTopic(msg.Presence.RoomId), Notification{Presence: msg.Presence})
		}
	}
}

func (rt *Realtime) deliver(topic string, n Notification) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for sub := range rt.subs[topic] {
		sub.push(n)
	}
}

func (rt *Realtime) shutdown(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return
	}
	rt.closed = true
	rt.err = err

	for id, ch := range rt.pending {
		close(ch)
		delete(rt.pending, id)
	}
	for _, subs := range rt.subs {
		for sub := range subs {
			sub.end()
		}
	}
	rt.subs = map[string]map[*Subscription]struct{}{}
}

// request sends msg and waits for the matching response.
func (rt *Realtime) request(ctx context.Context, msg outbound) error {
	msg.Id = int(rt.nextId.Add(1))
	ch := make(chan *response, 1)

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return ErrClosed
	}
	rt.pending[msg.Id] = ch
	rt.mu.Unlock()

	rt.writeMu.Lock()
	rt.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := rt.conn.WriteJSON(msg)
	rt.writeMu.Unlock()
	if err != nil {
		rt.mu.Lock()
		delete(rt.pending, msg.Id)
		rt.mu.Unlock()
		return transportError(err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return transportError(fmt.Errorf("connection closed: %w", rt.Err()))
		}
		if resp.ResponseCode >= http.StatusBadRequest {
			return &Error{Kind: kindForStatus(resp.ResponseCode), Status: resp.ResponseCode, Message: resp.Error}
		}
		return nil
	case <-ctx.Done():
		rt.mu.Lock()
		delete(rt.pending, msg.Id)
		rt.mu.Unlock()
		return transportError(ctx.Err())
	}
}

// Subscribe follows topic. Notifications for the topic arrive on the returned
// subscription's channel until it is closed or the connection drops.
func (rt *Realtime) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sub := newSubscription(rt, topic)

	// register first so nothing pushed right after the ack is lost
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		sub.halt()
		return nil, ErrClosed
	}
	if rt.subs[topic] == nil {
		rt.subs[topic] = make(map[*Subscription]struct{})
	}
	rt.subs[topic][sub] = struct{}{}
	rt.mu.Unlock()

	if err := rt.request(ctx, outbound{Subscribe: &topicRef{Topic: topic}}); err != nil {
		rt.removeSub(sub)
		sub.halt()
		return nil, err
	}

	return sub, nil
}

// removeSub drops sub and reports whether it was the last one on its topic.
func (rt *Realtime) removeSub(sub *Subscription) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	subs, ok := rt.subs[sub.topic]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	sub.halt()
	if len(subs) == 0 {
		delete(rt.subs, sub.topic)
		return true
	}
	return false
}

// Heartbeat marks the caller as present in roomId.
func (rt *Realtime) Heartbeat(ctx context.Context, roomId string) error {
	return rt.request(ctx, outbound{Heartbeat: &heartbeat{RoomId: roomId}})
}

// Err returns the error that ended the connection, if any.
func (rt *Realtime) Err() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.err
}

// Done is closed when the connection has stopped reading.
func (rt *Realtime) Done() <-chan struct{} {
	return rt.done
}

func (rt *Realtime) Close() error {
	rt.writeMu.Lock()
	_ = rt.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	rt.writeMu.Unlock()

	err := rt.conn.Close()
	<-rt.done
	return err
}
