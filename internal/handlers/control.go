package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unimindcare/carechat/internal/auth"
	"github.com/unimindcare/carechat/internal/call"
	"github.com/unimindcare/carechat/internal/middleware"
	"github.com/unimindcare/carechat/internal/models"
	"github.com/unimindcare/carechat/internal/observability"
	"github.com/unimindcare/carechat/internal/peer"
	"github.com/unimindcare/carechat/internal/restclient"
	"github.com/unimindcare/carechat/internal/session"
	"github.com/unimindcare/carechat/internal/signaling"
)

// Control exposes a client session to a local UI over HTTP and a WebSocket
// event stream.
type Control struct {
	sess   *session.Session
	logger *slog.Logger
}

type sendTextRequest struct {
	Message string `json:"message" binding:"required"`
}

type callRequest struct {
	To string `json:"to" binding:"required"`
}

func NewControl(sess *session.Session, logger *slog.Logger) *Control {
	return &Control{
		sess:   sess,
		logger: observability.OrDiscard(logger).With(slog.String("component", "control")),
	}
}

// Router wires the control routes
func (ctl *Control) Router(allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(ctl.logger))
	router.Use(middleware.OriginFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/status", ctl.Status)
		api.POST("/errors/dismiss", ctl.DismissError)
		api.GET("/users", ctl.Users)
		api.GET("/me", ctl.Me)

		api.POST("/conversations/:id/open", ctl.OpenConversation)
		api.GET("/conversations/:id/messages", ctl.Messages)
		api.POST("/conversations/:id/messages", ctl.SendText)
		api.POST("/conversations/:id/files", ctl.SendFile)

		api.POST("/calls", ctl.StartCall)
		api.POST("/calls/accept", ctl.AcceptCall)
		api.POST("/calls/reject", ctl.RejectCall)
		api.DELETE("/calls", ctl.EndCall)
	}

	router.GET("/ws/events", ctl.Events)
	return router
}

func (ctl *Control) Status(c *gin.Context) {
	c.JSON(http.StatusOK, ctl.sess.Status())
}

func (ctl *Control) DismissError(c *gin.Context) {
	ctl.sess.DismissError()
	c.JSON(http.StatusOK, ctl.sess.Status())
}

// Users lists the directory, optionally filtered by ?q=
func (ctl *Control) Users(c *gin.Context) {
	contacts, err := ctl.sess.Directory(c.Request.Context(), c.Query("q"))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contacts)
}

func (ctl *Control) Me(c *gin.Context) {
	user, err := ctl.sess.Me(c.Request.Context())
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (ctl *Control) OpenConversation(c *gin.Context) {
	msgs, err := ctl.sess.OpenConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Messages returns the open conversation, filtered by ?q=
func (ctl *Control) Messages(c *gin.Context) {
	if ctl.sess.Status().Conversation.Counterpart != c.Param("id") {
		c.JSON(http.StatusConflict, gin.H{"error": "Conversation is not open"})
		return
	}
	msgs, err := ctl.sess.Messages(c.Query("q"))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (ctl *Control) SendText(c *gin.Context) {
	var req sendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := ctl.sess.SendText(c.Request.Context(), c.Param("id"), req.Message); err != nil {
		ctl.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// SendFile uploads the multipart "file" field and sends it. The "type" form
// field selects file or audio.
func (ctl *Control) SendFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	kind := models.MessageType(c.DefaultPostForm("type", string(models.MessageTypeFile)))

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable file"})
		return
	}
	defer f.Close()

	err = ctl.sess.SendFile(c.Request.Context(), c.Param("id"), header.Filename,
		header.Header.Get("Content-Type"), kind, f)
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (ctl *Control) StartCall(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := ctl.sess.StartCall(c.Request.Context(), req.To); err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl.sess.Status().Call)
}

func (ctl *Control) AcceptCall(c *gin.Context) {
	if err := ctl.sess.AcceptCall(c.Request.Context()); err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl.sess.Status().Call)
}

func (ctl *Control) RejectCall(c *gin.Context) {
	if err := ctl.sess.RejectCall(c.Request.Context()); err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl.sess.Status().Call)
}

func (ctl *Control) EndCall(c *gin.Context) {
	ctl.sess.EndCall(c.Request.Context())
	c.JSON(http.StatusOK, ctl.sess.Status().Call)
}

// Events streams session events to a local UI. The first frame is the
// current status.
func (ctl *Control) Events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.logger.Warn("failed to upgrade connection", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events, cancel := ctl.sess.Subscribe()
	defer cancel()

	// reader only notices the UI going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(gin.H{"type": "status", "data": ctl.sess.Status()}); err != nil {
		return
	}

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				ctl.logger.Warn("failed to write event", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// fail maps a session error to a status code
func (ctl *Control) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var ackErr *signaling.AckError
	var statusErr *restclient.StatusError
	switch {
	case errors.Is(err, session.ErrNotInitialized), errors.Is(err, signaling.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrInvalidPayload), errors.Is(err, call.ErrInvalidTransition):
		status = http.StatusBadRequest
	case errors.Is(err, peer.ErrCounterpartOffline), errors.Is(err, peer.ErrCallActive),
		errors.Is(err, peer.ErrNoActiveCall):
		status = http.StatusConflict
	case errors.Is(err, peer.ErrMediaUnavailable):
		status = http.StatusFailedDependency
	case errors.As(err, &ackErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &statusErr):
		status = statusErr.Code
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
