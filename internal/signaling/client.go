// Package signaling keeps the client's single WebSocket to the relay and
// dispatches chat, presence and call-control events from it.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/unimindcare/carechat/internal/auth"
	"github.com/unimindcare/carechat/internal/models"
	"github.com/unimindcare/carechat/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 256
	dispatchBuffer = 256
)

var (
	ErrNotConnected = errors.New("signaling not connected")
	ErrClosed       = errors.New("signaling client closed")
	// ErrTransport wraps connection failures reported through OnError
	ErrTransport = errors.New("signaling transport error")
)

// AckError carries the error string a server returned for an acknowledged event
type AckError struct {
	Event   models.EventName
	Message string
}

func (e *AckError) Error() string {
	return e.Message
}

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	AckTimeout     time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

type handlers struct {
	message  []func(models.Message)
	presence []func([]string)
	unread   []func(models.UnreadCount)
	call     []func(models.CallSignal)
	errors   []func(error)
	status   []func(bool)
}

// Client is one authenticated signaling session. Handlers run one at a time
// on a single dispatch goroutine, in the order frames were received.
type Client struct {
	cfg    Config
	logger *slog.Logger

	hmu      sync.RWMutex
	handlers handlers

	mu        sync.Mutex
	token     string
	userID    string
	started   bool
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	connected bool
	pending   map[string]chan models.Ack

	events    chan models.Envelope
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		logger:  observability.OrDiscard(cfg.Logger).With(slog.String("component", "signaling")),
		pending: make(map[string]chan models.Ack),
		events:  make(chan models.Envelope, dispatchBuffer),
		closed:  make(chan struct{}),
	}
}

func (c *Client) OnMessage(h func(models.Message)) {
	c.hmu.Lock()
	c.handlers.message = append(c.handlers.message, h)
	c.hmu.Unlock()
}

func (c *Client) OnPresenceChange(h func([]string)) {
	c.hmu.Lock()
	c.handlers.presence = append(c.handlers.presence, h)
	c.hmu.Unlock()
}

func (c *Client) OnUnreadCount(h func(models.UnreadCount)) {
	c.hmu.Lock()
	c.handlers.unread = append(c.handlers.unread, h)
	c.hmu.Unlock()
}

func (c *Client) OnCallSignal(h func(models.CallSignal)) {
	c.hmu.Lock()
	c.handlers.call = append(c.handlers.call, h)
	c.hmu.Unlock()
}

// OnError receives transport failures, server error notices and auth failures on reconnect
func (c *Client) OnError(h func(error)) {
	c.hmu.Lock()
	c.handlers.errors = append(c.handlers.errors, h)
	c.hmu.Unlock()
}

// OnConnectionChange is told whenever the transport goes up or down
func (c *Client) OnConnectionChange(h func(connected bool)) {
	c.hmu.Lock()
	c.handlers.status = append(c.handlers.status, h)
	c.hmu.Unlock()
}

// UserID is the local user the connection joined as
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the relay with token and joins the local user's room. After a
// drop the connection is re-dialled every ReconnectDelay and joined again.
func (c *Client) Connect(ctx context.Context, token string) error {
	claims, err := auth.Inspect(token, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("signaling client already connected")
	}
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.token = token
	c.userID = claims.Subject()
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	send, done, err := c.attach(conn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.dispatch()
	go c.run(conn, send, done)
	return nil
}

// attach makes conn the live connection with the join frame queued first, so
// events sent once it returns follow the join on the wire.
func (c *Client) attach(conn *websocket.Conn) (chan []byte, chan struct{}, error) {
	join, err := models.NewEnvelope(models.EventJoin, models.JoinRequest{UserID: c.UserID()}, "")
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("build join frame: %w", err)
	}
	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})
	send <- join
	observability.SignalingEvents.WithLabelValues("out", string(models.EventJoin)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		conn.Close()
		return nil, nil, ErrClosed
	default:
	}
	c.conn, c.send, c.done = conn, send, done
	c.connected = true
	return send, done, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: relay answered %d", auth.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, c.cfg.URL, err)
	}
	return conn, nil
}

// run serves connections until Close, re-dialling after each drop
func (c *Client) run(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	defer c.wg.Done()

	for {
		c.serve(conn, send, done)
		c.failPending()

		select {
		case <-c.closed:
			return
		default:
		}
		c.reportError(fmt.Errorf("%w: connection lost", ErrTransport))

		conn, send, done = c.redial()
		if conn == nil {
			return
		}
	}
}

// redial returns an attached connection, or nil once the client is closed or
// the relay rejects the token.
func (c *Client) redial() (*websocket.Conn, chan []byte, chan struct{}) {
	for {
		select {
		case <-c.closed:
			return nil, nil, nil
		case <-time.After(c.cfg.ReconnectDelay):
		}

		observability.SignalingReconnects.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			send, done, err := c.attach(conn)
			if err != nil {
				if !errors.Is(err, ErrClosed) {
					c.logger.Error("failed to attach connection", slog.String("error", err.Error()))
				}
				return nil, nil, nil
			}
			c.logger.Info("reconnected")
			return conn, send, done
		}

		c.reportError(err)
		if errors.Is(err, auth.ErrUnauthorized) {
			return nil, nil, nil
		}
	}
}

// serve pumps an attached conn until it fails
func (c *Client) serve(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	c.reportStatus(true)
	c.logger.Info("connected", slog.String("user_id", c.UserID()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, send, done)
	}()

	c.readPump(conn)

	c.mu.Lock()
	c.conn, c.send, c.done = nil, nil, nil
	c.connected = false
	c.mu.Unlock()
	close(done)
	conn.Close()
	<-writerDone
	c.reportStatus(false)
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			observability.SignalingRejected.WithLabelValues("unknown").Inc()
			c.logger.Warn("dropping malformed frame")
			continue
		}
		observability.SignalingEvents.WithLabelValues("in", string(env.Event)).Inc()

		// acks resolve here so a handler waiting on one cannot block dispatch
		if env.Event == models.EventAck {
			c.resolveAck(env)
			continue
		}

		select {
		case c.events <- env:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("websocket write failed", slog.String("error", err.Error()))
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// dispatch is the single goroutine that runs every handler
func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case env := <-c.events:
			c.handle(env)
		case <-c.closed:
			return
		}
	}
}

func (c *Client) handle(env models.Envelope) {
	c.hmu.RLock()
	h := c.handlers
	c.hmu.RUnlock()

	switch env.Event {
	case models.EventReceiveMessage:
		var msg models.Message
		if !c.decode(env, &msg) {
			return
		}
		for _, fn := range h.message {
			fn(msg)
		}
	case models.EventOnlineUsers:
		var online models.OnlineUsers
		if !c.decode(env, &online) {
			return
		}
		for _, fn := range h.presence {
			fn(online.Users)
		}
	case models.EventUnreadCount:
		var count models.UnreadCount
		if !c.decode(env, &count) {
			return
		}
		for _, fn := range h.unread {
			fn(count)
		}
	case models.EventError:
		var notice models.ErrorNotice
		if err := json.Unmarshal(env.Data, &notice); err != nil || notice.Message == "" {
			notice.Message = "server error"
		}
		for _, fn := range h.errors {
			fn(errors.New(notice.Message))
		}
	default:
		if !models.IsCallEvent(env.Event) {
			c.logger.Debug("ignoring event", slog.String("event", string(env.Event)))
			return
		}
		sig, err := models.DecodeCallSignal(env)
		if err != nil {
			c.reject(env, err)
			return
		}
		for _, fn := range h.call {
			fn(sig)
		}
	}
}

func (c *Client) decode(env models.Envelope, v interface{}) bool {
	if err := models.Decode(env.Data, v); err != nil {
		c.reject(env, err)
		return false
	}
	return true
}

func (c *Client) reject(env models.Envelope, err error) {
	observability.SignalingRejected.WithLabelValues(string(env.Event)).Inc()
	c.logger.Warn("rejecting frame", slog.String("event", string(env.Event)), slog.String("error", err.Error()))
}

// Emit sends an event without waiting for an acknowledgement
func (c *Client) Emit(ctx context.Context, event models.EventName, payload interface{}) error {
	frame, err := models.NewEnvelope(event, payload, "")
	if err != nil {
		return err
	}
	return c.write(ctx, event, frame)
}

func (c *Client) write(ctx context.Context, event models.EventName, frame []byte) error {
	c.mu.Lock()
	send, done := c.send, c.done
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}

	select {
	case send <- frame:
		observability.SignalingEvents.WithLabelValues("out", string(event)).Inc()
		return nil
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request sends an event carrying an ack id and waits for the server's answer
func (c *Client) request(ctx context.Context, event models.EventName, payload interface{}) error {
	ackID := uuid.NewString()
	frame, err := models.NewEnvelope(event, payload, ackID)
	if err != nil {
		return err
	}

	ch := make(chan models.Ack, 1)
	c.mu.Lock()
	c.pending[ackID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ackID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, event, frame); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if ack.Error != "" {
			return &AckError{Event: event, Message: ack.Error}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: no acknowledgement within %s", event, c.cfg.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) resolveAck(env models.Envelope) {
	var ack models.Ack
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			c.reject(env, err)
			return
		}
	}

	c.mu.Lock()
	ch, ok := c.pending[env.AckID]
	delete(c.pending, env.AckID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for unknown request", slog.String("ack_id", env.AckID))
		return
	}
	ch <- ack
}

// failPending releases every request still waiting when a connection drops
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// SendMessage emits sendMessage and waits for the server's acknowledgement.
// An *AckError carries the server's error string. Nothing is retried or queued.
func (c *Client) SendMessage(ctx context.Context, msg models.OutgoingMessage) error {
	if err := models.Validate(msg); err != nil {
		return err
	}
	return c.request(ctx, models.EventSendMessage, msg)
}

// MarkAsRead asks the server to mark sender's messages to receiver as read
func (c *Client) MarkAsRead(ctx context.Context, sender, receiver string) error {
	return c.request(ctx, models.EventMarkAsRead, models.ReadReceipt{Sender: sender, Receiver: receiver})
}

func (c *Client) reportError(err error) {
	c.logger.Warn("signaling error", slog.String("error", err.Error()))
	c.hmu.RLock()
	fns := c.handlers.errors
	c.hmu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) reportStatus(connected bool) {
	c.hmu.RLock()
	fns := c.handlers.status
	c.hmu.RUnlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// Close detaches every handler and disconnects. It does not return until the
// client's goroutines have stopped.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		}
	})
	c.wg.Wait()

	c.hmu.Lock()
	c.handlers = handlers{}
	c.hmu.Unlock()
	return nil
}
