package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/unimindcare/carechat/internal/middleware"
	"github.com/unimindcare/carechat/internal/models"
	"github.com/unimindcare/carechat/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const storeTimeout = 5 * time.Second

// Room holds every connection of one user, so a user with several tabs or
// devices receives each event once per connection.
type Room struct {
	ID    string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	joined bool
}

// HandleSignaling upgrades an authenticated request to the signaling WebSocket
func (s *Server) HandleSignaling(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", slog.String("error", err.Error()))
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
	}
	observability.RelayConnections.Inc()
	s.logger.Info("connection opened", slog.String("conn_id", client.ID), slog.String("user_id", userID))

	go client.writePump(s.logger)
	go s.readPump(client)
}

func (s *Server) join(client *Client) {
	s.roomsMu.Lock()
	room, exists := s.rooms[client.UserID]
	if !exists {
		room = &Room{ID: client.UserID, Peers: make(map[string]*Client)}
		s.rooms[client.UserID] = room
	}
	room.addClient(client)
	s.roomsMu.Unlock()

	client.joined = true
	s.logger.Info("user joined room", slog.String("conn_id", client.ID), slog.String("user_id", client.UserID))
}

func (s *Server) leave(client *Client) {
	s.roomsMu.Lock()
	if room, exists := s.rooms[client.UserID]; exists {
		if room.removeClient(client) == 0 {
			delete(s.rooms, client.UserID)
		}
	}
	s.roomsMu.Unlock()
}

func (r *Room) addClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Peers[client.ID] = client
}

func (r *Room) removeClient(client *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Peers, client.ID)
	return len(r.Peers)
}

func (r *Room) broadcast(data []byte, logger *slog.Logger) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range r.Peers {
		client.enqueue(data, logger)
	}
}

// sendToUser delivers a frame to every connection of userID
func (s *Server) sendToUser(userID string, data []byte) bool {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	room, exists := s.rooms[userID]
	if !exists {
		return false
	}
	room.broadcast(data, s.logger)
	return true
}

func (s *Server) broadcastAll(data []byte) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	for _, room := range s.rooms {
		room.broadcast(data, s.logger)
	}
}

func (s *Server) broadcastOnlineUsers(ctx context.Context) {
	users, err := s.store.OnlineUsers(ctx)
	if err != nil {
		s.storeError("online_users", err)
		s.roomsMu.RLock()
		users = make([]string, 0, len(s.rooms))
		for id := range s.rooms {
			users = append(users, id)
		}
		s.roomsMu.RUnlock()
	}

	data, err := models.NewEnvelope(models.EventOnlineUsers, models.OnlineUsers{Users: users}, "")
	if err != nil {
		s.logger.Error("failed to marshal online users", slog.String("error", err.Error()))
		return
	}
	s.broadcastAll(data)
}

func (s *Server) push(userID string, event models.EventName, payload interface{}) {
	data, err := models.NewEnvelope(event, payload, "")
	if err != nil {
		s.logger.Error("failed to marshal frame", slog.String("event", string(event)), slog.String("error", err.Error()))
		return
	}
	s.sendToUser(userID, data)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		if client.joined {
			s.leave(client)
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := s.store.RemoveConnection(ctx, client.UserID); err != nil {
				s.storeError("remove_connection", err)
			}
			s.broadcastOnlineUsers(ctx)
			cancel()
		}
		close(client.Send)
		client.Conn.Close()
		observability.RelayConnections.Dec()
		s.logger.Info("connection closed", slog.String("conn_id", client.ID), slog.String("user_id", client.UserID))
	}()

	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket error", slog.String("error", err.Error()))
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("failed to parse frame", slog.String("error", err.Error()))
			client.reply(models.Envelope{}, "malformed frame", s.logger)
			continue
		}
		observability.SignalingEvents.WithLabelValues("relay", string(env.Event)).Inc()

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		s.route(ctx, client, env)
		cancel()
	}
}

func (s *Server) route(ctx context.Context, client *Client, env models.Envelope) {
	if env.Event == models.EventJoin {
		s.handleJoin(ctx, client, env)
		return
	}
	if !client.joined {
		client.reply(env, "join before sending events", s.logger)
		return
	}

	switch {
	case env.Event == models.EventSendMessage:
		s.handleSendMessage(ctx, client, env)
	case env.Event == models.EventMarkAsRead:
		s.handleMarkAsRead(ctx, client, env)
	case models.IsCallEvent(env.Event):
		s.relayCallEvent(client, env)
	default:
		s.logger.Warn("unknown event", slog.String("event", string(env.Event)))
		client.reply(env, "unknown event "+string(env.Event), s.logger)
	}
}

func (s *Server) handleJoin(ctx context.Context, client *Client, env models.Envelope) {
	var req models.JoinRequest
	if err := models.Decode(env.Data, &req); err != nil {
		client.reply(env, err.Error(), s.logger)
		return
	}
	if req.UserID != client.UserID {
		client.reply(env, "cannot join as another user", s.logger)
		return
	}
	if client.joined {
		client.ack(env, s.logger)
		return
	}

	s.join(client)
	if err := s.store.AddConnection(ctx, client.UserID); err != nil {
		s.storeError("add_connection", err)
	}
	client.ack(env, s.logger)
	s.broadcastOnlineUsers(ctx)
}

func (s *Server) handleSendMessage(ctx context.Context, client *Client, env models.Envelope) {
	var out models.OutgoingMessage
	if err := models.Decode(env.Data, &out); err != nil {
		client.reply(env, err.Error(), s.logger)
		return
	}
	if out.Sender != client.UserID {
		client.reply(env, "sender does not match the authenticated user", s.logger)
		return
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		Sender:    out.Sender,
		Receiver:  out.Receiver,
		Body:      out.Body,
		Type:      out.Type,
		FileName:  out.FileName,
		Timestamp: time.Now().UTC(),
	}
	unread, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		s.storeError("append_message", err)
		client.reply(env, "failed to save message", s.logger)
		return
	}

	s.push(msg.Receiver, models.EventReceiveMessage, msg)
	if msg.Sender != msg.Receiver {
		s.push(msg.Sender, models.EventReceiveMessage, msg)
	}
	s.push(msg.Receiver, models.EventUnreadCount, models.UnreadCount{Sender: msg.Sender, Count: unread})
	client.ack(env, s.logger)
}

func (s *Server) handleMarkAsRead(ctx context.Context, client *Client, env models.Envelope) {
	var receipt models.ReadReceipt
	if err := models.Decode(env.Data, &receipt); err != nil {
		client.reply(env, err.Error(), s.logger)
		return
	}
	if client.UserID != receipt.Receiver && client.UserID != receipt.Sender {
		client.reply(env, "only participants can mark a conversation read", s.logger)
		return
	}

	modified, err := s.store.MarkRead(ctx, receipt.Sender, receipt.Receiver)
	if err != nil {
		s.storeError("mark_read", err)
		client.reply(env, "failed to mark messages read", s.logger)
		return
	}
	s.logger.Debug("conversation marked read",
		slog.String("sender", receipt.Sender),
		slog.String("receiver", receipt.Receiver),
		slog.Int("modified", modified),
	)

	client.ack(env, s.logger)
	s.push(receipt.Receiver, models.EventUnreadCount, models.UnreadCount{Sender: receipt.Sender, Count: 0})
	s.push(receipt.Sender, models.EventUnreadCount, models.UnreadCount{Sender: receipt.Receiver, Count: 0})
}

// relayCallEvent forwards a call-control frame to its recipient with "from"
// set to the authenticated sender.
func (s *Server) relayCallEvent(client *Client, env models.Envelope) {
	fields := map[string]json.RawMessage{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			client.reply(env, "invalid payload", s.logger)
			return
		}
	}

	var to string
	if raw, ok := fields["to"]; ok {
		_ = json.Unmarshal(raw, &to)
	}
	if to == "" {
		client.reply(env, "missing recipient", s.logger)
		return
	}

	from, _ := json.Marshal(client.UserID)
	fields["from"] = from
	data, err := json.Marshal(fields)
	if err != nil {
		client.reply(env, "invalid payload", s.logger)
		return
	}

	forwarded := models.Envelope{Event: env.Event, Data: data}
	if _, err := models.DecodeCallSignal(forwarded); err != nil {
		client.reply(env, err.Error(), s.logger)
		return
	}
	frame, err := json.Marshal(forwarded)
	if err != nil {
		s.logger.Error("failed to marshal call frame", slog.String("error", err.Error()))
		return
	}

	if !s.sendToUser(to, frame) {
		s.logger.Debug("call event for offline user",
			slog.String("event", string(env.Event)),
			slog.String("from", client.UserID),
			slog.String("to", to),
		)
	}
}

func (c *Client) enqueue(data []byte, logger *slog.Logger) {
	select {
	case c.Send <- data:
	default:
		observability.RelayBackpressureDrops.Inc()
		logger.Warn("failed to send frame, buffer full", slog.String("conn_id", c.ID))
	}
}

// ack confirms a request that carried an ack id
func (c *Client) ack(env models.Envelope, logger *slog.Logger) {
	if env.AckID == "" {
		return
	}
	data, err := models.NewEnvelope(models.EventAck, models.Ack{Success: true}, env.AckID)
	if err != nil {
		return
	}
	c.enqueue(data, logger)
}

// reply reports a rejected request, as an ack when it carried an ack id and
// as an error notice otherwise.
func (c *Client) reply(env models.Envelope, msg string, logger *slog.Logger) {
	var (
		data []byte
		err  error
	)
	if env.AckID != "" {
		data, err = models.NewEnvelope(models.EventAck, models.Ack{Error: msg}, env.AckID)
	} else {
		data, err = models.NewEnvelope(models.EventError, models.ErrorNotice{Message: msg}, "")
	}
	if err != nil {
		return
	}
	c.enqueue(data, logger)
}

func (c *Client) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn("failed to write frame", slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown closes every signaling connection
func (s *Server) Shutdown() {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	for _, room := range s.rooms {
		room.mu.RLock()
		for _, client := range room.Peers {
			client.Conn.Close()
		}
		room.mu.RUnlock()
	}
}
