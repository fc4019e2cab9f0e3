// Package realtime keeps the single websocket connection a session uses to
// push and receive chat frames.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-client/internal/chaterr"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Ping period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Largest frame accepted from the peer.
	maxMessageSize = 64 << 10
	// Outbound frames queued for the write pump.
	sendBuffer = 256
)

// ErrSuperseded is returned by Connect when a later Connect or Disconnect
// won the race while the dial was in flight.
var ErrSuperseded = errors.New("realtime: connection attempt superseded")

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Error is transient and always resolves to Disconnected.
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind names a channel event.
type EventKind string

const (
	EventOpen    EventKind = "open"
	EventMessage EventKind = "message"
	EventClose   EventKind = "close"
	EventError   EventKind = "error"
)

// Event is delivered to the Handler. Frame is set for EventMessage, Err
// for EventError and for an EventClose that was not requested.
type Event struct {
	Kind  EventKind
	Frame Frame
	Err   error
}

// Handler receives channel events. Message events arrive on the read pump
// goroutine in the order the peer sent them.
type Handler func(Event)

// Config holds configuration for creating a Channel.
type Config struct {
	// Dialer is used to open connections. If nil, a copy of
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer
	// Handler receives events. It can also be set later with SetHandler.
	Handler Handler
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Channel is a reconnectable websocket client. At most one connection is
// live at a time; every Connect or Disconnect bumps a generation counter
// and events from older generations are dropped.
type Channel struct {
	dialer *websocket.Dialer
	logger *slog.Logger

	mu         sync.Mutex
	handler    Handler
	state      State
	generation uint64
	conn       *connection
	listeners  []func(State)
}

// connection is one dialed socket and its pumps.
type connection struct {
	ws         *websocket.Conn
	generation uint64
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// New creates a disconnected Channel.
func New(config Config) *Channel {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := config.Dialer
	if dialer == nil {
		copied := *websocket.DefaultDialer
		dialer = &copied
	}
	return &Channel{dialer: dialer, logger: logger, handler: config.Handler}
}

// SetHandler replaces the event handler.
func (c *Channel) SetHandler(handler Handler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// OnStateChange registers a listener for state transitions.
func (c *Channel) OnStateChange(listener func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials endpoint with the access token as the token query
// parameter. Any existing connection is torn down first.
func (c *Channel) Connect(ctx context.Context, endpoint, accessToken string) error {
	target, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("realtime: parse endpoint: %w", err)
	}
	query := target.Query()
	query.Set("token", accessToken)
	target.RawQuery = query.Encode()

	c.mu.Lock()
	c.generation++
	generation := c.generation
	previous := c.conn
	c.conn = nil
	listeners := c.setState(Connecting)
	c.mu.Unlock()
	if previous != nil {
		previous.close()
	}
	notifyState(listeners, Connecting)

	ws, response, err := c.dialer.DialContext(ctx, target.String(), nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		networkErr := &chaterr.NetworkError{Op: "websocket dial", Err: err}
		c.fail(generation, networkErr)
		return networkErr
	}

	conn := &connection{
		ws:         ws,
		generation: generation,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		ws.Close()
		return ErrSuperseded
	}
	c.conn = conn
	listeners = c.setState(Connected)
	handler := c.handler
	c.mu.Unlock()

	c.logger.Info("realtime channel connected", "endpoint", endpoint)
	notifyState(listeners, Connected)
	if handler != nil {
		handler(Event{Kind: EventOpen})
	}

	go c.writePump(conn)
	go c.readPump(conn)
	return nil
}

// Send queues a frame for the peer. It fails with chaterr.ErrChannelNotReady
// unless the channel is Connected.
func (c *Channel) Send(frame Frame) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return chaterr.ErrChannelNotReady
	}

	encoded, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	select {
	case <-conn.done:
		return chaterr.ErrChannelNotReady
	default:
	}
	select {
	case conn.send <- encoded:
		return nil
	default:
		return &chaterr.NetworkError{Op: "websocket send", Err: errors.New("send queue full")}
	}
}

// Disconnect closes the live connection, if any. It is safe to call from
// any state and any number of times.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.generation++
	conn := c.conn
	c.conn = nil
	changed := c.state != Disconnected
	listeners := c.setState(Disconnected)
	handler := c.handler
	c.mu.Unlock()

	if conn == nil && !changed {
		return
	}
	if conn != nil {
		conn.close()
		c.logger.Info("realtime channel disconnected")
	}
	if changed {
		notifyState(listeners, Disconnected)
	}
	if conn != nil && handler != nil {
		handler(Event{Kind: EventClose})
	}
}

// readPump moves frames from the socket to the handler.
func (c *Channel) readPump(conn *connection) {
	var readErr error
	defer func() {
		conn.close()
		conn.ws.Close()
		c.closed(conn, readErr)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				readErr = err
			}
			return
		}
		frames, err := DecodeFrames(payload)
		if err != nil {
			c.logger.Warn("dropping malformed realtime payload", "error", err)
		}
		for _, frame := range frames {
			c.dispatch(conn.generation, Event{Kind: EventMessage, Frame: frame})
		}
	}
}

// writePump moves queued frames to the socket and keeps the connection
// alive with pings.
func (c *Channel) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case payload := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := conn.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				conn.close()
				return
			}
			w.Write(payload)

			// Flush whatever else is queued in the same message.
			n := len(conn.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-conn.send)
			}

			if err := w.Close(); err != nil {
				conn.close()
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}

		case <-conn.done:
			conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// closed runs when a connection's read pump exits. Only the live
// generation changes state or reports events.
func (c *Channel) closed(conn *connection, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	handler := c.handler
	var errorListeners []func(State)
	if err != nil {
		errorListeners = c.setState(Error)
	}
	listeners := c.setState(Disconnected)
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("realtime channel failed", "error", err)
		notifyState(errorListeners, Error)
		if handler != nil {
			handler(Event{Kind: EventError, Err: err})
		}
	} else {
		c.logger.Info("realtime channel closed by peer")
	}
	notifyState(listeners, Disconnected)
	if handler != nil {
		handler(Event{Kind: EventClose, Err: err})
	}
}

// fail resolves a failed dial through Error to Disconnected.
func (c *Channel) fail(generation uint64, err error) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	errorListeners := c.setState(Error)
	listeners := c.setState(Disconnected)
	handler := c.handler
	c.mu.Unlock()

	c.logger.Error("realtime dial failed", "error", err)
	notifyState(errorListeners, Error)
	if handler != nil {
		handler(Event{Kind: EventError, Err: err})
	}
	notifyState(listeners, Disconnected)
}

func (c *Channel) dispatch(generation uint64, event Event) {
	c.mu.Lock()
	current := c.generation == generation
	handler := c.handler
	c.mu.Unlock()
	if current && handler != nil {
		handler(event)
	}
}

// setState records a transition and returns the listeners to notify once
// mu is released. Callers hold mu.
func (c *Channel) setState(state State) []func(State) {
	c.state = state
	return append([]func(State){}, c.listeners...)
}

func notifyState(listeners []func(State), state State) {
	for _, listener := range listeners {
		listener(state)
	}
}
