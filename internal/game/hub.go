package game

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"crashd/internal/config"
)

const writeWait = 10 * time.Second

// Conn is one live client connection. All writes go through a single pump
// goroutine draining a bounded queue; a slow or broken consumer drops its
// oldest frames instead of blocking anyone else.
type Conn struct {
	ID       string
	UserID   int64 // 0 until join_game authenticates
	Username string

	ws     *websocket.Conn
	send   chan []byte
	missed int32

	mu        sync.Mutex
	room      *Room
	closeOnce sync.Once
}

// Send marshals and queues a message for this connection.
func (c *Conn) Send(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		logrus.WithError(err).Error("marshal outbound message")
		return
	}
	c.trySend(data)
}

// trySend never blocks: on a full queue the oldest frame is dropped to make
// room. State updates are idempotent, so losing one is harmless.
func (c *Conn) trySend(data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close tears down the transport. The write pump and read loop both exit on
// the closed socket, which triggers Unregister and leave semantics.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// writePump is the only writer on the socket. It also owns the keep-alive:
// a protocol ping every interval, and the connection is declared dead after
// maxMissed pings go unanswered.
func (c *Conn) writePump(pingInterval time.Duration, maxMissed int) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if int(atomic.AddInt32(&c.missed, 1)) > maxMissed {
				logrus.WithField("conn", c.ID).Warn("connection missed keep-alive probes, closing")
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Room is one game room's subscriber set. Join/leave/broadcast run from
// different connection goroutines concurrently.
type Room struct {
	Name string

	mu   sync.RWMutex
	subs map[*Conn]struct{}
}

// Broadcast fans a message out to every subscriber, best-effort.
func (r *Room) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		logrus.WithError(err).Error("marshal broadcast message")
		return
	}
	r.mu.RLock()
	for conn := range r.subs {
		conn.trySend(data)
	}
	r.mu.RUnlock()
}

// SendToUser delivers to every subscribed connection authenticated as userID.
func (r *Room) SendToUser(userID int64, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		logrus.WithError(err).Error("marshal user message")
		return
	}
	r.mu.RLock()
	for conn := range r.subs {
		if conn.UserID == userID {
			conn.trySend(data)
		}
	}
	r.mu.RUnlock()
}

// PlayerCount is the current subscriber count.
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Room) add(c *Conn) {
	r.mu.Lock()
	r.subs[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Room) remove(c *Conn) {
	r.mu.Lock()
	delete(r.subs, c)
	r.mu.Unlock()
}

// Hub owns the connection and room registries. A connection sits in at most
// one room at a time; removing a connection always detaches it from its room
// so subscriber counts stay accurate.
type Hub struct {
	cfg config.GameConfig
	log *logrus.Entry

	mu    sync.RWMutex
	rooms map[string]*Room
	conns map[string]*Conn
}

func NewHub(cfg config.GameConfig) *Hub {
	return &Hub{
		cfg:   cfg,
		log:   logrus.WithField("component", "hub"),
		rooms: make(map[string]*Room),
		conns: make(map[string]*Conn),
	}
}

// Register wraps a raw websocket in a Conn, starts its write pump and wires
// the pong handler that feeds the keep-alive.
func (h *Hub) Register(ws *websocket.Conn) *Conn {
	c := &Conn{
		ID:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, h.cfg.SendQueueSize),
	}
	ws.SetPongHandler(func(string) error {
		atomic.StoreInt32(&c.missed, 0)
		return nil
	})

	h.mu.Lock()
	h.conns[c.ID] = c
	total := len(h.conns)
	h.mu.Unlock()

	go c.writePump(h.cfg.PingInterval, h.cfg.MaxMissedPings)
	h.log.WithFields(logrus.Fields{"conn": c.ID, "total": total}).Info("client connected")
	return c
}

// Unregister removes the connection and leaves whatever room it was in.
// Called on transport close.
func (h *Hub) Unregister(c *Conn) {
	h.Leave(c)

	h.mu.Lock()
	delete(h.conns, c.ID)
	total := len(h.conns)
	h.mu.Unlock()

	c.Close()
	h.log.WithFields(logrus.Fields{"conn": c.ID, "total": total}).Info("client disconnected")
}

// Room returns the named room, creating it on first use.
func (h *Hub) Room(name string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[name]
	if !ok {
		room = &Room{Name: name, subs: make(map[*Conn]struct{})}
		h.rooms[name] = room
	}
	return room
}

// Join attaches the connection to a room. Idempotent: a repeat join to the
// same room is a no-op, and joining a different room leaves the old one
// first. Returns false when the connection was already subscribed.
func (h *Hub) Join(c *Conn, roomName string) bool {
	room := h.Room(roomName)

	c.mu.Lock()
	if c.room == room {
		c.mu.Unlock()
		return false
	}
	if c.room != nil {
		c.room.remove(c)
	}
	c.room = room
	c.mu.Unlock()

	room.add(c)
	return true
}

// Leave detaches the connection from its room, if any.
func (h *Hub) Leave(c *Conn) {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.mu.Unlock()

	if room != nil {
		room.remove(c)
	}
}

// CurrentRoom returns the room the connection is subscribed to, or nil.
func (h *Hub) CurrentRoom(c *Conn) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// ConnCount is the number of live connections across all rooms.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
