package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avelys/meetmesh/internal/domain"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Channel is a full-duplex per-room signaling connection. Recv is closed
// when the transport goes away; Err then reports why. No reconnection is
// attempted at this layer or above.
type Channel interface {
	Send(Message) error
	Recv() <-chan Message
	Close()
	Err() error
}

type wsChannel struct {
	conn *websocket.Conn
	send chan []byte
	recv chan Message
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	err    error
}

// Dial connects to the relay for one room and starts the IO pumps.
func Dial(ctx context.Context, relayURL string, room domain.RoomID) (Channel, error) {
	u := fmt.Sprintf("%s/ws/%s", relayURL, room)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &wsChannel{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		recv: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	go c.readPump()

	log.Info().Str("module", "signal").Str("url", u).Msg("relay connected")
	return c, nil
}

func (c *wsChannel) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsChannel) Recv() <-chan Message { return c.recv }

func (c *wsChannel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *wsChannel) Close() { c.close(nil) }

func (c *wsChannel) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	close(c.send)
	close(c.done)
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsChannel) readPump() {
	defer close(c.recv)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signal").Msg("readPump closing")
			c.close(err)
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad json")
			continue
		}
		// A consumer gone at teardown must not strand this goroutine
		// behind a full buffer.
		select {
		case c.recv <- m:
		case <-c.done:
			return
		}
	}
}
