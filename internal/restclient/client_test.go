package restclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unimindcare/carechat/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := gin.New()
	requireToken := func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer good" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Next()
	}
	r.Use(requireToken)

	r.GET("/messages/:a/:b", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", []byte(`[
			{"_id":"m1","sender":"`+c.Param("a")+`","receiver":"`+c.Param("b")+`","message":"salut","type":"text","timestamp":"2025-01-02T10:00:00Z"},
			{"_id":"m2","sender":"`+c.Param("b")+`","receiver":"`+c.Param("a")+`","message":"http://x/f.pdf","type":"file","fileName":"f.pdf","timestamp":"2025-01-02T10:01:00Z","read":true}
		]`))
	})
	r.GET("/api/users/all", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", []byte(`[{"Identifiant":"u1","Name":"Amine"},{"Name":"missing id"}]`))
	})
	r.GET("/api/users/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"Identifiant": "u1", "Name": "Amine", "Role": "student"})
	})
	r.POST("/api/upload", func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if file.Header.Get("Content-Type") != "audio/webm" {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Unsupported file type"})
			return
		}
		f, _ := file.Open()
		data, _ := io.ReadAll(f)
		c.JSON(http.StatusOK, gin.H{"fileUrl": "http://files/" + file.Filename + "?n=" + string(data)})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHistory(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL+"/", auth.Static("good"), time.Second)

	msgs, err := c.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "f.pdf", msgs[1].FileName)
	assert.True(t, msgs[1].Read)
}

func TestUnauthorized(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, auth.Static("bad"), time.Second)

	_, err := c.Me(context.Background())
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = New(srv.URL, auth.Static(""), time.Second).Users(context.Background())
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestUsers_RejectsInvalidEntries(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, auth.Static("good"), time.Second)

	_, err := c.Users(context.Background())
	require.Error(t, err)
}

func TestMe(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, auth.Static("good"), time.Second)

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", me.ID)
	assert.Equal(t, "student", me.Role)
}

func TestUpload(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, auth.Static("good"), time.Second)

	fileURL, err := c.Upload(context.Background(), "note.webm", "audio/webm", strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "http://files/note.webm?n=abc", fileURL)

	_, err = c.Upload(context.Background(), "run.exe", "", strings.NewReader("x"))
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnsupportedMediaType))
	assert.Contains(t, err.Error(), "Unsupported file type")
}
