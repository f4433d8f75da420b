package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsReadLimit     = 1 << 20
	wsReadDeadline  = 120 * time.Second
	wsWriteDeadline = 10 * time.Second
)

// controlMessage is the JSON envelope for non-media traffic on the socket.
// Media frames travel as binary messages; everything else is text.
type controlMessage struct {
	Event     string            `json:"event"`
	CallID    string            `json:"call_id,omitempty"`
	CallerID  string            `json:"caller_id,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// WSChannel carries one call over a websocket: the peer streams raw PCM16LE
// frames as binary messages and signals call lifecycle as JSON text messages.
type WSChannel struct {
	conn       *websocket.Conn
	callID     string
	callerID   string
	frameBytes int

	frames chan []byte
	done   chan struct{}

	writeMu sync.Mutex

	varMu sync.Mutex
	vars  map[string]string

	closeOnce sync.Once
}

// NewWSChannel adopts an upgraded websocket connection as a call leg. It
// waits for the peer's start message, which names the call and carries any
// switch-set variables; a missing call id gets a generated one.
func NewWSChannel(conn *websocket.Conn, frameBytes int) (*WSChannel, error) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read start message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("first message must be a start control message")
	}
	var start controlMessage
	if err := json.Unmarshal(data, &start); err != nil {
		return nil, fmt.Errorf("parse start message: %w", err)
	}
	if start.Event != "start" {
		return nil, fmt.Errorf("unexpected first event %q", start.Event)
	}
	if start.CallID == "" {
		start.CallID = uuid.NewString()
	}

	vars := make(map[string]string, len(start.Variables))
	for k, v := range start.Variables {
		vars[k] = v
	}

	c := &WSChannel{
		conn:       conn,
		callID:     start.CallID,
		callerID:   start.CallerID,
		frameBytes: frameBytes,
		frames:     make(chan []byte, 64),
		done:       make(chan struct{}),
		vars:       vars,
	}
	go c.readLoop()
	return c, nil
}

func (c *WSChannel) readLoop() {
	defer close(c.frames)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.markDone()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		switch msgType {
		case websocket.BinaryMessage:
			// Frames of the wrong size would desync the PCM16 sample
			// stream; drop them rather than corrupt the audio path.
			if c.frameBytes > 0 && len(data) != c.frameBytes {
				continue
			}
			frame := make([]byte, len(data))
			copy(frame, data)
			select {
			case c.frames <- frame:
			case <-c.done:
				return
			}
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Event == "hangup" {
				c.markDone()
				return
			}
		}
	}
}

func (c *WSChannel) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *WSChannel) CallID() string   { return c.callID }
func (c *WSChannel) CallerID() string { return c.callerID }

// FrameBytes returns the expected size of one media frame.
func (c *WSChannel) FrameBytes() int { return c.frameBytes }

func (c *WSChannel) Answer(ctx context.Context) error {
	return c.writeControl(ctx, controlMessage{Event: "answered", CallID: c.callID})
}

func (c *WSChannel) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// Drain frames that arrived before the hangup.
		select {
		case frame, ok := <-c.frames:
			if ok {
				return frame, nil
			}
		default:
		}
		return nil, ErrChannelClosed
	case frame, ok := <-c.frames:
		if !ok {
			return nil, ErrChannelClosed
		}
		return frame, nil
	}
}

func (c *WSChannel) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.markDone()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *WSChannel) Variable(name string) (string, bool) {
	c.varMu.Lock()
	defer c.varMu.Unlock()
	v, ok := c.vars[name]
	return v, ok
}

func (c *WSChannel) SetVariable(name, value string) {
	c.varMu.Lock()
	c.vars[name] = value
	c.varMu.Unlock()
}

func (c *WSChannel) Hangup(ctx context.Context) error {
	err := c.writeControl(ctx, controlMessage{Event: "hangup", CallID: c.callID})
	c.markDone()
	return err
}

func (c *WSChannel) Close() error {
	c.markDone()
	return c.conn.Close()
}

func (c *WSChannel) writeControl(ctx context.Context, msg controlMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.markDone()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}
