package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RejectsMissingRequiredFields(t *testing.T) {
	var msg Message
	err := Decode([]byte(`{"_id":"m1","sender":"a","receiver":"b","type":"text"}`), &msg)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecode_RejectsUnknownMessageType(t *testing.T) {
	var msg Message
	err := Decode([]byte(`{"_id":"m1","sender":"a","receiver":"b","message":"hi","type":"video","timestamp":"2025-01-02T10:00:00Z"}`), &msg)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecode_RejectsTypeMismatch(t *testing.T) {
	var count UnreadCount
	err := Decode([]byte(`{"sender":"a","count":"three"}`), &count)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecode_AcceptsValidMessage(t *testing.T) {
	var msg Message
	err := Decode([]byte(`{"_id":"m1","sender":"a","receiver":"b","message":"hi","type":"text","timestamp":"2025-01-02T10:00:00Z","read":true}`), &msg)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.True(t, msg.Read)
	assert.True(t, msg.Between("b", "a"))
	assert.False(t, msg.Between("a", "c"))
}

func TestDecodeCallSignal(t *testing.T) {
	tests := []struct {
		name    string
		event   EventName
		data    string
		want    CallSignal
		wantErr bool
	}{
		{
			name:  "ring",
			event: EventStartVideoCall,
			data:  `{"from":"alice"}`,
			want:  CallRequest{Route: Route{From: "alice"}},
		},
		{
			name:  "offer",
			event: EventOffer,
			data:  `{"offer":{"type":"offer","sdp":"v=0"},"from":"alice","to":"bob"}`,
			want:  Offer{Offer: SessionDescription{Type: "offer", SDP: "v=0"}, Route: Route{From: "alice", To: "bob"}},
		},
		{
			name:    "offer without sdp",
			event:   EventOffer,
			data:    `{"offer":{"type":"offer"},"from":"alice"}`,
			wantErr: true,
		},
		{
			name:    "answer without sender",
			event:   EventAnswer,
			data:    `{"answer":{"type":"answer","sdp":"v=0"}}`,
			wantErr: true,
		},
		{
			name:  "hangup without body",
			event: EventEndCall,
			want:  Hangup{},
		},
		{
			name:    "not a call event",
			event:   EventReceiveMessage,
			data:    `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{Event: tt.event}
			if tt.data != "" {
				env.Data = json.RawMessage(tt.data)
			}
			got, err := DecodeCallSignal(env)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	data, err := NewEnvelope(EventJoin, JoinRequest{UserID: "alice"}, "ack-1")
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, EventJoin, env.Event)
	assert.Equal(t, "ack-1", env.AckID)
	assert.JSONEq(t, `{"userId":"alice"}`, string(env.Data))
}

func TestDecodeList(t *testing.T) {
	users, err := DecodeList[User]([]byte(`[{"Identifiant":"u1","Name":"Amine"},{"Identifiant":"u2"}]`))
	require.NoError(t, err)
	assert.Len(t, users, 2)

	_, err = DecodeList[User]([]byte(`[{"Identifiant":"u1"},{"Name":"no id"}]`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodeList[User]([]byte(`{"Identifiant":"u1"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	empty, err := DecodeList[Message]([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
