package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/unimindcare/carechat/internal/middleware"
	"github.com/unimindcare/carechat/internal/models"
	"github.com/unimindcare/carechat/internal/redis"
)

const maxUploadSize = 10 << 20

var allowedUploadTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
	"audio/webm":      ".webm",
	"audio/mpeg":      ".mp3",
}

// Users lists the directory (requires authentication)
func (s *Server) Users(c *gin.Context) {
	users, err := s.store.Users(c.Request.Context())
	if err != nil {
		s.storeError("users", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load users"})
		return
	}
	c.JSON(http.StatusOK, users)
}

// Me returns the authenticated user's profile
func (s *Server) Me(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	user, err := s.store.User(c.Request.Context(), userID)
	if errors.Is(err, redis.ErrUserNotFound) {
		user = models.User{ID: userID, Name: userID}
	} else if err != nil {
		s.storeError("user", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// History returns a conversation; only its participants may read it
func (s *Server) History(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	a, b := c.Param("userA"), c.Param("userB")
	if userID != a && userID != b {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only participants can read a conversation"})
		return
	}

	msgs, err := s.store.History(c.Request.Context(), a, b)
	if err != nil {
		s.storeError("history", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Upload stores a chat attachment or voice note and returns its URL
func (s *Server) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	mediaType, _, err := mime.ParseMediaType(file.Header.Get("Content-Type"))
	ext, allowed := allowedUploadTypes[strings.ToLower(mediaType)]
	if err != nil || !allowed {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Unsupported file type"})
		return
	}

	name := uuid.NewString() + ext
	if err := c.SaveUploadedFile(file, filepath.Join(s.cfg.UploadDir, name)); err != nil {
		s.logger.Error("failed to save upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}

	userID, _ := middleware.UserID(c)
	s.logger.Info("file uploaded",
		slog.String("user_id", userID),
		slog.String("file", name),
		slog.Int64("size", file.Size),
	)
	c.JSON(http.StatusOK, models.UploadResponse{
		FileURL: fmt.Sprintf("%s/uploads/%s", strings.TrimRight(s.cfg.PublicURL, "/"), name),
	})
}
