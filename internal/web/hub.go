package web

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrChannelClosed is returned when pushing to a channel that is not connected.
	ErrChannelClosed = errors.New("web: channel closed")

	// ErrChannelBusy is returned when a channel's outbound queue is full.
	ErrChannelBusy = errors.New("web: channel busy")
)

const (
	writeWait = 10 * time.Second
	pushQueue = 32
)

type channel struct {
	conn *websocket.Conn
	// gorilla/websocket allows one concurrent writer per connection.
	writeMu sync.Mutex

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(conn *websocket.Conn, queue int) *channel {
	return &channel{
		conn: conn,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (c *channel) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

// pump writes queued pushes until the channel is closed. A failed write
// closes the connection so the reader side unregisters it.
func (c *channel) pump() {
	for {
		select {
		case payload := <-c.out:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *channel) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub hands out channel ids to UI connections and implements relay.Pusher.
type Hub struct {
	mu       sync.Mutex
	nextID   uint32
	channels map[uint32]*channel
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[uint32]*channel)}
}

func (h *Hub) register(conn *websocket.Conn) (uint32, *channel) {
	ch := newChannel(conn, pushQueue)
	go ch.pump()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.channels[h.nextID] = ch
	return h.nextID, ch
}

func (h *Hub) unregister(id uint32) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	delete(h.channels, id)
	h.mu.Unlock()

	if ok {
		ch.close()
	}
}

// Push queues payload as a text frame for channel id. It never waits on the
// connection; a full queue yields ErrChannelBusy.
func (h *Hub) Push(id uint32, payload []byte) error {
	h.mu.Lock()
	ch, ok := h.channels[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrChannelClosed, id)
	}

	select {
	case <-ch.done:
		return fmt.Errorf("%w: %d", ErrChannelClosed, id)
	default:
	}
	select {
	case ch.out <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrChannelBusy, id)
	}
}

// Len returns the number of connected channels.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}
