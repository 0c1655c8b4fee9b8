package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unimindcare/carechat/internal/auth"
	"github.com/unimindcare/carechat/internal/observability"
)

const testSecret = "middleware-test-secret-0123456789"

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(observability.Discard()))
	r.Use(OriginFilter([]string{"http://localhost:3000"}))
	r.GET("/open", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/me", JWTAuth(testSecret), func(c *gin.Context) {
		userID, _ := UserID(c)
		c.String(http.StatusOK, userID)
	})
	return r
}

func TestOriginFilter(t *testing.T) {
	r := newRouter()

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantCORS   bool
	}{
		{"no origin", http.MethodGet, "", http.StatusOK, false},
		{"allowed origin", http.MethodGet, "http://localhost:3000", http.StatusOK, true},
		{"denied origin", http.MethodGet, "http://evil.example", http.StatusForbidden, false},
		{"preflight", http.MethodOptions, "http://localhost:3000", http.StatusNoContent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/open", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCORS {
				assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestJWTAuth(t *testing.T) {
	r := newRouter()
	token, err := auth.Issue(testSecret, "alice", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"missing header", "", http.StatusUnauthorized, "Authorization header required"},
		{"bad format", "Token " + token, http.StatusUnauthorized, "Invalid authorization header format"},
		{"bad token", "Bearer nope", http.StatusUnauthorized, "Invalid token"},
		{"valid", "Bearer " + token, http.StatusOK, "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}
