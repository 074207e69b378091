package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-realtime/internal/auth"
	"github.com/Tyrowin/gochat-realtime/internal/config"
	"github.com/Tyrowin/gochat-realtime/internal/dispatch"
	"github.com/Tyrowin/gochat-realtime/internal/event"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second

	closeGoingAway = websocket.CloseGoingAway
)

// connState is the lifecycle of a connection. It only moves forward.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateJoined
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateJoined:
		return "joined"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one WebSocket connection. closed is guarded by the hub mutex.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	srv         *Server
	addr        string
	closed      bool
	identity    *auth.Identity
	state       atomic.Int32
	rateLimiter *rateLimiter
	rateLimit   config.RateLimitConfig
	closeOnce   sync.Once
	logger      zerolog.Logger
}

func newClient(id string, conn *websocket.Conn, srv *Server, addr string) *Client {
	cfg := srv.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		hub:         srv.hub,
		srv:         srv,
		addr:        addr,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval.Std()),
		rateLimit:   cfg.RateLimit,
		logger:      srv.logger.With().Str("conn", id).Str("addr", addr).Logger(),
	}
	c.state.Store(int32(stateConnecting))
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

func (c *Client) userID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

func (c *Client) currentState() connState {
	return connState(c.state.Load())
}

// advance moves the connection to next unless it is already there or past it.
func (c *Client) advance(next connState) bool {
	for {
		current := c.state.Load()
		if connState(current) >= next {
			return false
		}
		if c.state.CompareAndSwap(current, int32(next)) {
			return true
		}
	}
}

func (c *Client) authenticated(identity auth.Identity) {
	c.identity = &identity
	c.logger = c.logger.With().Str("user", identity.UserID).Logger()
	c.advance(stateAuthenticated)
}

// reply queues a frame on this connection only.
func (c *Client) reply(frame event.Frame) {
	data, err := event.Encode(frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode reply")
		return
	}
	if err := c.hub.Push(c.id, data); err != nil && !errors.Is(err, ErrConnectionGone) {
		c.logger.Warn().Err(err).Str("event", frame.Type).Msg("Reply dropped")
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn().Err(err).Msg("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs why the read loop ended.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.srv.cfg.MaxMessageSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info().Err(err).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info().Err(err).Msg("Client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("Unexpected WebSocket error")
	default:
		c.logger.Warn().Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn().Int("burst", c.rateLimit.Burst).Dur("interval", c.rateLimit.RefillInterval.Std()).Msg("Rate limit exceeded; discarding frame")
		return false
	}
	return true
}

// processMessage decodes a frame and runs the verb on its own goroutine.
// Verbs from one connection are not serialised.
func (c *Client) processMessage(raw []byte) {
	in, err := event.Decode(raw)
	if err != nil {
		c.logger.Info().Err(err).Msg("Invalid frame")
		c.reply(event.NewError("", http.StatusBadRequest, "invalid frame"))
		return
	}

	caller := dispatch.Caller{ConnectionID: c.id, Identity: c.identity}
	timeout := c.srv.cfg.VerbTimeout.Std()
	c.hub.track(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		c.srv.dispatcher.Dispatch(ctx, caller, in)
	})
}

func (c *Client) readPump() {
	defer c.srv.disconnect(c)

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.reply(event.NewError("", http.StatusTooManyRequests, "rate limit exceeded"))
			continue
		}

		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConn closes the socket once.
func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("Error closing connection")
		}
	})
}

// closeWithCode sends a close frame and closes the socket.
func (c *Client) closeWithCode(code int, reason string) {
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Int("code", code).Msg("Error writing close frame")
		}
	}
	c.closeConn()
}

// handleMessage writes one outgoing message and returns false if the
// connection should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}
	return c.writeTextMessage(message)
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("Error writing close message")
	}
	return false
}

// writeTextMessage writes each frame as its own text message. Frames are
// JSON objects, so they are never batched into one message.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("Error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("Error writing ping message")
		}
		return false
	}
	return true
}
