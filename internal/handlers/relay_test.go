package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unimindcare/carechat/internal/models"
	"github.com/unimindcare/carechat/internal/relaytest"
)

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLogin_InvalidBody(t *testing.T) {
	relay := relaytest.Start(t)

	resp, err := http.Post(relay.URL+"/api/auth/login", "application/json", bytes.NewBufferString(`{"username":"a"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(relay.URL+"/api/auth/login", "application/json",
		bytes.NewBufferString(`{"username":"a","password":"b","role":"janitor"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDirectoryEndpoints(t *testing.T) {
	relay := relaytest.Start(t)
	token := relay.Login(t, "alice", "Alice")
	relay.Login(t, "bob", "")

	resp := get(t, relay.URL+"/api/users/all", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, relay.URL+"/api/users/all", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	require.Len(t, users, 2)
	assert.Equal(t, "Alice", users[0].Name)
	assert.Equal(t, "bob", users[1].Name, "name defaults to the username")
	assert.Equal(t, "student", users[1].Role)

	resp = get(t, relay.URL+"/api/users/me", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "alice", me.ID)
}

func TestHistory_ParticipantsOnly(t *testing.T) {
	relay := relaytest.Start(t)
	alice := relay.Login(t, "alice", "Alice")
	eve := relay.Login(t, "eve", "Eve")

	resp := get(t, relay.URL+"/messages/alice/bob", eve)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = get(t, relay.URL+"/messages/alice/bob", alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))
}

func upload(t *testing.T, url, token, name, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload(t *testing.T) {
	relay := relaytest.Start(t)
	token := relay.Login(t, "alice", "Alice")

	resp := upload(t, relay.URL+"/api/upload", token, "voice.webm", "audio/webm", []byte("webm-bytes"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out models.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Regexp(t, `^`+relay.URL+`/uploads/[0-9a-f-]{36}\.webm$`, out.FileURL)

	served := get(t, out.FileURL, "")
	require.Equal(t, http.StatusOK, served.StatusCode)
	data, _ := io.ReadAll(served.Body)
	assert.Equal(t, "webm-bytes", string(data))

	resp = upload(t, relay.URL+"/api/upload", token, "x.exe", "application/octet-stream", []byte("MZ"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestOriginFilter(t *testing.T) {
	relay := relaytest.Start(t)

	req, err := http.NewRequest(http.MethodGet, relay.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// wsPeer is a raw signaling connection
type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, relay *relaytest.Relay, token string) *wsPeer {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(relay.WSURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(event models.EventName, payload interface{}, ackID string) {
	p.t.Helper()
	frame, err := models.NewEnvelope(event, payload, ackID)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, frame))
}

// next returns the next frame carrying event, skipping the others
func (p *wsPeer) next(event models.EventName) models.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		var env models.Envelope
		require.NoError(p.t, p.conn.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

func (p *wsPeer) join(userID string) {
	p.t.Helper()
	p.send(models.EventJoin, models.JoinRequest{UserID: userID}, "join")
	ack := p.next(models.EventAck)
	require.Equal(p.t, "join", ack.AckID)
}

func TestSignaling_Unauthorized(t *testing.T) {
	relay := relaytest.Start(t)
	_, resp, err := websocket.DefaultDialer.Dial(relay.WSURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignaling_JoinRules(t *testing.T) {
	relay := relaytest.Start(t)
	alice := dialWS(t, relay, relay.Login(t, "alice", "Alice"))

	alice.send(models.EventSendMessage, models.OutgoingMessage{
		Sender: "alice", Receiver: "bob", Body: "hi", Type: models.MessageTypeText,
	}, "early")
	var ack models.Ack
	env := alice.next(models.EventAck)
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "join before sending events", ack.Error)

	alice.send(models.EventJoin, models.JoinRequest{UserID: "bob"}, "impersonate")
	env = alice.next(models.EventAck)
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "cannot join as another user", ack.Error)

	alice.join("alice")
	env = alice.next(models.EventOnlineUsers)
	var online models.OnlineUsers
	require.NoError(t, json.Unmarshal(env.Data, &online))
	assert.Equal(t, []string{"alice"}, online.Users)
}

func TestSignaling_MessageFlow(t *testing.T) {
	relay := relaytest.Start(t)
	alice := dialWS(t, relay, relay.Login(t, "alice", "Alice"))
	bob := dialWS(t, relay, relay.Login(t, "bob", "Bob"))
	alice.join("alice")
	bob.join("bob")

	alice.send(models.EventSendMessage, models.OutgoingMessage{
		Sender: "bob", Receiver: "alice", Body: "spoofed", Type: models.MessageTypeText,
	}, "spoof")
	var ack models.Ack
	require.NoError(t, json.Unmarshal(alice.next(models.EventAck).Data, &ack))
	assert.Equal(t, "sender does not match the authenticated user", ack.Error)

	alice.send(models.EventSendMessage, models.OutgoingMessage{
		Sender: "alice", Receiver: "bob", Body: "bonjour", Type: models.MessageTypeText,
	}, "m1")

	var echoed models.Message
	require.NoError(t, json.Unmarshal(alice.next(models.EventReceiveMessage).Data, &echoed))
	ackEnv := alice.next(models.EventAck)
	assert.Equal(t, "m1", ackEnv.AckID)

	var delivered models.Message
	require.NoError(t, json.Unmarshal(bob.next(models.EventReceiveMessage).Data, &delivered))
	assert.Equal(t, echoed.ID, delivered.ID)
	assert.Equal(t, "bonjour", delivered.Body)
	assert.False(t, delivered.Read)

	var unread models.UnreadCount
	require.NoError(t, json.Unmarshal(bob.next(models.EventUnreadCount).Data, &unread))
	assert.Equal(t, models.UnreadCount{Sender: "alice", Count: 1}, unread)

	bob.send(models.EventMarkAsRead, models.ReadReceipt{Sender: "alice", Receiver: "bob"}, "r1")
	assert.Equal(t, "r1", bob.next(models.EventAck).AckID)
	require.NoError(t, json.Unmarshal(bob.next(models.EventUnreadCount).Data, &unread))
	assert.Equal(t, models.UnreadCount{Sender: "alice", Count: 0}, unread)

	history, err := relay.Store.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Read)
}

func TestSignaling_CallRelay(t *testing.T) {
	relay := relaytest.Start(t)
	alice := dialWS(t, relay, relay.Login(t, "alice", "Alice"))
	bob := dialWS(t, relay, relay.Login(t, "bob", "Bob"))
	alice.join("alice")
	bob.join("bob")

	// "from" is rewritten to the authenticated sender
	alice.send(models.EventStartVideoCall, models.CallRequest{Route: models.Route{To: "bob", From: "mallory"}}, "")
	env := bob.next(models.EventStartVideoCall)
	sig, err := models.DecodeCallSignal(env)
	require.NoError(t, err)
	assert.Equal(t, "alice", sig.Sender())

	alice.send(models.EventOffer, map[string]string{"to": "bob"}, "bad-offer")
	var ack models.Ack
	require.NoError(t, json.Unmarshal(alice.next(models.EventAck).Data, &ack))
	assert.NotEmpty(t, ack.Error)

	alice.send(models.EventEndCall, models.Hangup{Route: models.Route{To: "bob"}}, "")
	env = bob.next(models.EventEndCall)
	sig, err = models.DecodeCallSignal(env)
	require.NoError(t, err)
	assert.Equal(t, "alice", sig.Sender())
}

func TestSignaling_PresenceOnDisconnect(t *testing.T) {
	relay := relaytest.Start(t)
	alice := dialWS(t, relay, relay.Login(t, "alice", "Alice"))
	bob := dialWS(t, relay, relay.Login(t, "bob", "Bob"))
	alice.join("alice")
	bob.join("bob")

	require.NoError(t, bob.conn.Close())

	// earlier broadcasts may still be queued
	var online models.OnlineUsers
	for len(online.Users) != 1 {
		require.NoError(t, json.Unmarshal(alice.next(models.EventOnlineUsers).Data, &online))
	}
	assert.Equal(t, []string{"alice"}, online.Users)
}
