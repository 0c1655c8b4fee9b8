// Package relaytest runs the development relay in-process on top of
// miniredis, for tests that exercise the client against a real server.
package relaytest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/unimindcare/carechat/config"
	"github.com/unimindcare/carechat/internal/handlers"
	"github.com/unimindcare/carechat/internal/redis"
)

const Secret = "relaytest-secret"

type Relay struct {
	*httptest.Server
	Redis  *miniredis.Miniredis
	Store  *redis.Store
	Relay  *handlers.Server
	Config *config.Config
}

// Start serves a relay for the duration of t
func Start(t *testing.T) *Relay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Environment: "test",
		JWTSecret:   Secret,
		UploadDir:   t.TempDir(),
	}
	store := redis.NewStore(rdb)
	srv := handlers.NewServer(cfg, store, nil)
	router, err := srv.Router()
	require.NoError(t, err)

	ts := httptest.NewServer(router)
	cfg.PublicURL = ts.URL
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})

	return &Relay{Server: ts, Redis: mr, Store: store, Relay: srv, Config: cfg}
}

// WSURL is the signaling endpoint
func (r *Relay) WSURL() string {
	return "ws" + strings.TrimPrefix(r.URL, "http") + "/ws"
}

// Login registers username with display name and returns its token
func (r *Relay) Login(t *testing.T, username, name string) string {
	t.Helper()
	body, err := json.Marshal(handlers.LoginRequest{Username: username, Password: "pw", Name: name})
	require.NoError(t, err)

	resp, err := http.Post(r.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out handlers.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}
