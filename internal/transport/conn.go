package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RequestHandler serves an inbound req frame and returns the response
// payload, or an error surfaced back to the caller as a failed res
// frame.
type RequestHandler func(ctx context.Context, method string, payload []byte) ([]byte, error)

// EventHandler observes an inbound fire-and-forget event frame.
type EventHandler func(event string, payload []byte)

// ResultHandler observes an inbound res frame correlated to a
// previously sent request id. ferr is non-nil only when ok is false.
type ResultHandler func(id string, payload []byte, ok bool, ferr *FrameError)

// coded is implemented by error types that carry a wire-visible code
// and message distinct from their Error() string (node.RPCError,
// forward.HandlerError, envelope.Denial, session.Error), so
// dispatchRequest can thread the code through to the wire instead of
// flattening it into free text.
type coded interface {
	ErrorCode() string
	ErrorMessage() string
}

// toFrameError builds the structured wire error for a handler failure,
// preserving its code when the error is typed and falling back to
// INTERNAL_ERROR otherwise.
func toFrameError(err error) *FrameError {
	if ce, ok := err.(coded); ok {
		return &FrameError{Code: ce.ErrorCode(), Message: ce.ErrorMessage()}
	}
	return &FrameError{Code: "INTERNAL_ERROR", Message: err.Error()}
}

// Conn wraps one WebSocket connection with the framed req/res/event
// protocol. Writes are serialized through a single goroutine-safe
// path since gorilla/websocket forbids concurrent writers on one
// socket.
type Conn struct {
	ID      string
	ws      *websocket.Conn
	writeMu sync.Mutex

	onRequest RequestHandler
	onEvent   EventHandler
	onResult  ResultHandler
}

// NewConn wraps ws as a framed Conn identified by id, limiting reads
// to MaxPayloadBytes.
func NewConn(id string, ws *websocket.Conn, onRequest RequestHandler, onEvent EventHandler, onResult ResultHandler) *Conn {
	ws.SetReadLimit(MaxPayloadBytes)
	return &Conn{
		ID:        id,
		ws:        ws,
		onRequest: onRequest,
		onEvent:   onEvent,
		onResult:  onResult,
	}
}

// SendRequest writes a req frame with the given id and method.
func (c *Conn) SendRequest(id, method string, payload []byte) error {
	return c.writeFrame(Frame{Type: FrameRequest, ID: id, Method: method, Payload: payload})
}

// SendResponse writes a res frame correlated to id. ferr must be
// non-nil when ok is false.
func (c *Conn) SendResponse(id string, payload []byte, ok bool, ferr *FrameError) error {
	return c.writeFrame(Frame{Type: FrameResponse, ID: id, Payload: payload, OK: ok, Error: ferr})
}

// SendEvent writes a fire-and-forget event frame.
func (c *Conn) SendEvent(event string, payload []byte) error {
	return c.writeFrame(Frame{Type: FrameEvent, Event: event, Payload: payload})
}

// WriteRaw writes an already-encoded frame's bytes directly,
// single-writer-serialized, for callers (such as Hub) that construct
// the Frame themselves.
func (c *Conn) WriteRaw(data []byte) error {
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("frame of %d bytes exceeds max payload size %d", len(data), MaxPayloadBytes)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writeFrame(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadLoop blocks reading and dispatching frames until the connection
// closes or ctx is cancelled.
func (c *Conn) ReadLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection %s closed: %w", c.ID, err)
		}

		f, err := Decode(data)
		if err != nil {
			continue
		}

		switch f.Type {
		case FrameRequest:
			c.dispatchRequest(ctx, f)
		case FrameResponse:
			if c.onResult != nil {
				c.onResult(f.ID, f.Payload, f.OK, f.Error)
			}
		case FrameEvent:
			if c.onEvent != nil {
				c.onEvent(f.Event, f.Payload)
			}
		}
	}
}

func (c *Conn) dispatchRequest(ctx context.Context, f Frame) {
	if c.onRequest == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			c.SendResponse(f.ID, nil, false, &FrameError{Code: "INTERNAL_ERROR", Message: fmt.Sprintf("handler panicked: %v", p)})
		}
	}()
	result, err := c.onRequest(ctx, f.Method, f.Payload)
	if err != nil {
		c.SendResponse(f.ID, nil, false, toFrameError(err))
		return
	}
	c.SendResponse(f.ID, result, true, nil)
}

// Close closes the underlying WebSocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
