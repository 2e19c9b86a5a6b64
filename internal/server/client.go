package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// FrameHandler processes one inbound frame read from a session. Frames from
// the same session are handled sequentially on its read pump.
type FrameHandler interface {
	HandleFrame(ctx context.Context, client *Client, frame []byte)
}

// Client is one live push-channel session of a user. A user may hold many.
type Client struct {
	id     string
	userID int64
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	addr   string

	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	handler        FrameHandler
	logger         *slog.Logger
	metrics        *Metrics

	// ctx is cancelled when the session is unregistered. Frame handlers
	// detach from it before touching the store.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a session for userID on conn. conn may be nil in tests
// that only exercise the registry.
func NewClient(conn *websocket.Conn, hub *Hub, userID int64, addr string, cfg Config, handler FrameHandler) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Client{
		id:             id,
		userID:         userID,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		handler:        handler,
		ctx:            ctx,
		cancel:         cancel,
	}
	if hub != nil {
		c.logger = hub.logger.With(
			slog.Int64("user_id", userID),
			slog.String("session_id", id),
			slog.String("addr", addr),
		)
		c.metrics = hub.metrics
	} else {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// ID returns the session id.
func (c *Client) ID() string { return c.id }

// UserID returns the user that owns the session.
func (c *Client) UserID() int64 { return c.userID }

// Context is cancelled when the session is unregistered.
func (c *Client) Context() context.Context { return c.ctx }

// prime enqueues payload before the session is registered, so it is the
// first frame the peer sees.
func (c *Client) prime(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("error setting initial read deadline", slog.Any("error", err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError reports why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", slog.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("client disconnected", slog.Any("reason", err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("connection closed", slog.Any("reason", err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", slog.Any("error", err))
	default:
		c.logger.Debug("websocket read error", slog.Any("error", err))
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter == nil || c.rateLimiter.Allow() {
		return true
	}
	if c.metrics != nil {
		c.metrics.framesLimited.Inc()
	}
	c.logger.Warn("rate limit exceeded; discarding frame",
		slog.Int("burst", c.rateLimit.Burst),
		slog.Duration("refill_interval", c.rateLimit.RefillInterval),
	)
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if c.handler != nil {
			c.handler.HandleFrame(c.ctx, c, frame)
		}
	}
}

// writePump drains the send queue onto the connection and pings the peer.
// It is the only goroutine that writes to conn. A failed write unregisters
// the session.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			return c.writeCloseMessage()
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the underlying connection, ignoring errors caused by
// the peer having already gone.
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing connection", slog.Any("error", err))
	}
}

// writeCloseMessage sends a close frame to the client
func (c *Client) writeCloseMessage() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", slog.Any("error", err))
	}
	return false
}

// writeTextMessage writes one event as its own text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing message", slog.Any("error", err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline for ping", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping", slog.Any("error", err))
		return false
	}
	return true
}
