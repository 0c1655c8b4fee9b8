package models

import (
	"encoding/json"
	"fmt"
)

// EventName identifies a real-time event on the signaling channel
type EventName string

const (
	EventJoin           EventName = "join"
	EventSendMessage    EventName = "sendMessage"
	EventReceiveMessage EventName = "receiveMessage"
	EventMarkAsRead     EventName = "markAsRead"
	EventOnlineUsers    EventName = "onlineUsers"
	EventUnreadCount    EventName = "unreadCount"
	EventStartVideoCall EventName = "startVideoCall"
	EventOffer          EventName = "offer"
	EventAnswer         EventName = "answer"
	EventICECandidate   EventName = "ice-candidate"
	EventEndCall        EventName = "endCall"
	EventAck            EventName = "ack"
	EventError          EventName = "error"
)

// Envelope is the frame exchanged over the signaling WebSocket.
// AckID is set on requests that expect an acknowledgement and echoed on the ack frame.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// NewEnvelope marshals payload into a frame
func NewEnvelope(event EventName, payload interface{}, ackID string) ([]byte, error) {
	env := Envelope{Event: event, AckID: ackID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Ack answers a request carrying an AckID
type Ack struct {
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JoinRequest binds a connection to the user's room
type JoinRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// OnlineUsers is the presence broadcast
type OnlineUsers struct {
	Users []string `json:"users" validate:"dive,required"`
}

// UnreadCount is pushed to a receiver whenever its unread count for Sender changes
type UnreadCount struct {
	Sender string `json:"sender" validate:"required"`
	Count  int    `json:"count" validate:"gte=0"`
}

// ReadReceipt asks the server to mark the conversation between Sender and Receiver as read
type ReadReceipt struct {
	Sender   string `json:"sender" validate:"required"`
	Receiver string `json:"receiver" validate:"required"`
}

// ErrorNotice is sent by the server when it rejects a frame that carried no AckID
type ErrorNotice struct {
	Message string `json:"message"`
}

// Route carries the addressing shared by every call-control payload.
// To is required outbound; the server rewrites From to the authenticated sender.
type Route struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

// SessionDescription mirrors the JSON form of an SDP offer or answer
type SessionDescription struct {
	Type string `json:"type" validate:"required,oneof=offer answer pranswer rollback"`
	SDP  string `json:"sdp" validate:"required"`
}

// ICECandidate mirrors the JSON form of a trickled ICE candidate
type ICECandidate struct {
	Candidate        string  `json:"candidate" validate:"required"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallSignal is the set of call-control payloads delivered to the call layer.
type CallSignal interface {
	Sender() string
	isCallSignal()
}

// CallRequest announces an outgoing call (startVideoCall)
type CallRequest struct {
	Route
}

// Offer carries the caller's SDP offer
type Offer struct {
	Offer SessionDescription `json:"offer"`
	Route
}

// Answer carries the callee's SDP answer
type Answer struct {
	Answer SessionDescription `json:"answer"`
	Route
}

// Candidate carries one trickled ICE candidate
type Candidate struct {
	Candidate ICECandidate `json:"candidate"`
	Route
}

// Hangup ends the call on the receiving side (endCall)
type Hangup struct {
	Route
}

func (r Route) Sender() string { return r.From }

func (CallRequest) isCallSignal() {}
func (Offer) isCallSignal()       {}
func (Answer) isCallSignal()      {}
func (Candidate) isCallSignal()   {}
func (Hangup) isCallSignal()      {}

// IsCallEvent reports whether the event is relayed peer to peer by the server
func IsCallEvent(event EventName) bool {
	switch event {
	case EventStartVideoCall, EventOffer, EventAnswer, EventICECandidate, EventEndCall:
		return true
	}
	return false
}

// DecodeCallSignal turns a call-control frame into its typed payload
func DecodeCallSignal(env Envelope) (CallSignal, error) {
	switch env.Event {
	case EventStartVideoCall:
		var p CallRequest
		if err := Decode(env.Data, &p); err != nil {
			return nil, err
		}
		return p, requireSender(p.Route)
	case EventOffer:
		var p Offer
		if err := Decode(env.Data, &p); err != nil {
			return nil, err
		}
		return p, requireSender(p.Route)
	case EventAnswer:
		var p Answer
		if err := Decode(env.Data, &p); err != nil {
			return nil, err
		}
		return p, requireSender(p.Route)
	case EventICECandidate:
		var p Candidate
		if err := Decode(env.Data, &p); err != nil {
			return nil, err
		}
		return p, requireSender(p.Route)
	case EventEndCall:
		var p Hangup
		if len(env.Data) > 0 {
			if err := Decode(env.Data, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q is not a call event", ErrInvalidPayload, env.Event)
}

func requireSender(r Route) error {
	if r.From == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidPayload)
	}
	return nil
}
