package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/collab"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	default:
		return "closed"
	}
}

// Conn is one websocket session. Reads and message handling happen on the goroutine
// that called Manager.serve; writes go through send and a single writer goroutine.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	opts Options
	log  *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	userID   string
	username string
	room     *collab.Room

	closeOnce  sync.Once
	closed     chan struct{}
	closeCode  int
	closeText  string
	writerDone chan struct{}
}

func newConn(ws *websocket.Conn, opts Options, log *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:         id,
		ws:         ws,
		send:       make(chan []byte, opts.SendBuffer),
		opts:       opts,
		log:        log.With("connId", id),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(s))
}

func (c *Conn) authenticate(userID, username string) {
	c.mu.Lock()
	c.userID = userID
	c.username = username
	c.mu.Unlock()
	c.setState(StateAuthenticated)
}

func (c *Conn) Room() *collab.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) setRoom(r *collab.Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
	c.setState(StateInRoom)
}

// takeRoom clears the current room and returns it.
func (c *Conn) takeRoom() *collab.Room {
	c.mu.Lock()
	r := c.room
	c.room = nil
	c.mu.Unlock()
	if r != nil {
		c.setState(StateAuthenticated)
	}
	return r
}

// Send queues msg without blocking. A full queue means the peer is not keeping up;
// the connection is closed rather than stalling the room.
func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("send queue full, closing slow consumer")
		c.Close(websocket.ClosePolicyViolation, "too slow")
		return false
	}
}

// Close asks the writer to flush queued messages, send a close frame and drop the
// socket. Safe to call many times from any goroutine.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.state.Store(int32(StateClosed))
		close(c.closed)
	})
}

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", "err", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closed:
			c.drain()
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
			}
			return
		}
	}
}

// drain writes whatever was queued before close, such as a final auth_error.
func (c *Conn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}

// readLoop hands each text frame to handle until the socket fails or is closed.
func (c *Conn) readLoop(handle func(raw []byte)) {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.Closed() {
				c.log.Debug("read failed", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		handle(raw)
		if c.Closed() {
			return
		}
	}
}
