package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/unimindcare/carechat/internal/auth"
	"github.com/unimindcare/carechat/internal/models"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
	Role     string `json:"role" binding:"omitempty,oneof=student psychologist admin"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login registers the user in the directory and issues a JWT.
// For local runs, accepts any username/password combination.
func (s *Server) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	userID := strings.TrimSpace(req.Username)
	user := models.User{ID: userID, Name: strings.TrimSpace(req.Name), Role: req.Role}
	if user.Name == "" {
		user.Name = userID
	}
	if user.Role == "" {
		user.Role = "student"
	}

	if err := s.store.SaveUser(c.Request.Context(), user); err != nil {
		s.storeError("save_user", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to save user",
		})
		return
	}

	token, err := auth.Issue(s.cfg.JWTSecret, userID, tokenTTL)
	if err != nil {
		s.logger.Error("failed to issue token", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	s.logger.Info("user logged in", slog.String("user_id", userID))
	c.JSON(http.StatusOK, LoginResponse{
		Token:  token,
		UserID: userID,
	})
}
