package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/wgconf/internal/config"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	authTimeout    = 10 * time.Second
	pingInterval   = 54 * time.Second
)

// Handler applies the configuration text received for iface.
type Handler func(ctx context.Context, iface, config string) error

// Client receives configuration updates from a control server and
// acknowledges each one after handing it to a Handler.
type Client struct {
	cfg     *config.Config
	handler Handler
	dialer  *websocket.Dialer

	conn   *websocket.Conn
	connMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done chan struct{}

	backoff    time.Duration
	maxBackoff time.Duration
}

// session is one authenticated connection. Whichever pump stops first
// tears it down. Messages queued on it are written on its connection only.
type session struct {
	conn *websocket.Conn
	send chan []byte
	stop chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn: conn,
		send: make(chan []byte, 256),
		stop: make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
}

// NewClient creates a new WebSocket client
func NewClient(cfg *config.Config, handler Handler) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:        cfg,
		handler:    handler,
		dialer:     websocket.DefaultDialer,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}, 1),
		backoff:    initialBackoff,
		maxBackoff: maxBackoff,
	}
}

// Connect establishes the first connection and keeps reconnecting after
// it is lost until Close.
func (c *Client) Connect() error {
	if err := c.connect(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.reconnectLoop()

	return nil
}

// connect performs the actual connection
func (c *Client) connect() error {
	slog.Info("Connecting to control server", "url", c.cfg.FeedURL)

	conn, _, err := c.dialer.DialContext(c.ctx, c.cfg.FeedURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	s := newSession(conn)
	c.wg.Add(2)
	go c.readPump(s)
	go c.writePump(s)

	slog.Info("Connected to control server")
	return nil
}

// reconnectLoop waits for a lost connection and redials with exponential
// backoff.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	backoff := c.backoff
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.done:
		}

		for {
			slog.Info("Connection lost, attempting to reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			err := c.connect()
			if err == nil {
				slog.Info("Reconnected to control server")
				backoff = c.backoff
				break
			}
			if c.ctx.Err() != nil {
				return
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			slog.Warn("Reconnection failed", "error", err, "next_retry", backoff)
		}
	}
}

// authenticate sends the token and waits for the verdict. Close aborts the
// wait.
func (c *Client) authenticate(conn *websocket.Conn) error {
	stop := context.AfterFunc(c.ctx, func() { conn.Close() })
	defer stop()

	authMsg := AuthMessage{
		BaseMessage: newBase(TypeAuth),
		Token:       c.cfg.FeedToken,
		ClientType:  "wgconf",
	}

	data, err := json.Marshal(authMsg)
	if err != nil {
		return err
	}

	// Send auth message directly (writePump not started yet)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var baseMsg BaseMessage
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		return err
	}

	switch baseMsg.Type {
	case TypeAuthSuccess:
		slog.Info("Authentication successful")
		return nil
	case TypeAuthError:
		var errMsg AuthErrorMessage
		json.Unmarshal(message, &errMsg)
		return fmt.Errorf("auth error: %s", errMsg.Error)
	}
	return fmt.Errorf("unexpected message type: %s", baseMsg.Type)
}

// readPump reads and handles messages until the connection fails. Updates
// are applied in the order they arrive.
func (c *Client) readPump(s *session) {
	defer func() {
		s.close()
		c.signalDisconnect()
		c.wg.Done()
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			} else {
				slog.Info("WebSocket connection closed")
			}
			return
		}
		c.handleMessage(s, message)
	}
}

// writePump writes queued messages and keep-alive pings
func (c *Client) writePump(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
		c.wg.Done()
	}()

	for {
		select {
		case message := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("WebSocket write error", "error", err)
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.stop:
			return

		case <-c.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

// signalDisconnect signals that the connection has been lost
func (c *Client) signalDisconnect() {
	select {
	case c.done <- struct{}{}:
	default:
	}
}

// queue hands a message to the writer of s.
func (c *Client) queue(s *session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode message", "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.stop:
	case <-c.ctx.Done():
	}
}

// handleMessage processes a single message
func (c *Client) handleMessage(s *session, data []byte) {
	var baseMsg BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		slog.Error("Failed to parse message", "error", err)
		return
	}

	slog.Debug("Received message from control server", "type", baseMsg.Type)

	switch baseMsg.Type {
	case TypePing:
		c.queue(s, PongMessage{BaseMessage: newBase(TypePong)})

	case TypeConfigUpdate:
		c.handleConfigUpdate(s, data)

	case TypeError:
		var errMsg ErrorMessage
		json.Unmarshal(data, &errMsg)
		slog.Error("Received error from control server", "error", errMsg.Error)

	default:
		slog.Warn("Unknown message type", "type", baseMsg.Type)
	}
}

// handleConfigUpdate applies one update and acknowledges it
func (c *Client) handleConfigUpdate(s *session, data []byte) {
	var msg ConfigUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse config update", "error", err)
		c.queue(s, ConfigAckMessage{
			BaseMessage: newBase(TypeConfigAck),
			Error:       fmt.Sprintf("malformed config_update: %v", err),
		})
		return
	}

	slog.Info("Received configuration update", "interface", msg.Interface, "id", msg.ID)

	ack := ConfigAckMessage{
		BaseMessage: newBase(TypeConfigAck),
		ID:          msg.ID,
		Interface:   msg.Interface,
		Success:     true,
	}
	if err := c.handler(c.ctx, msg.Interface, msg.Config); err != nil {
		slog.Error("Failed to apply configuration update", "interface", msg.Interface, "error", err)
		ack.Success = false
		ack.Error = err.Error()
	}
	c.queue(s, ack)
}

// Close stops reconnecting, closes the connection and waits for the
// client's goroutines.
func (c *Client) Close() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UnixMilli()}
}
