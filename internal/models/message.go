package models

import "time"

// MessageType tags the payload carried by a chat message
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeFile  MessageType = "file"
	MessageTypeAudio MessageType = "audio"
)

// Message is a chat message as stored and echoed by the server.
// For file and audio messages Body holds the uploaded file URL.
type Message struct {
	ID        string      `json:"_id" validate:"required"`
	Sender    string      `json:"sender" validate:"required"`
	Receiver  string      `json:"receiver" validate:"required"`
	Body      string      `json:"message" validate:"required"`
	Type      MessageType `json:"type" validate:"required,oneof=text file audio"`
	FileName  string      `json:"fileName,omitempty"`
	Timestamp time.Time   `json:"timestamp" validate:"required"`
	Read      bool        `json:"read"`
}

// OutgoingMessage is the sendMessage payload. The server assigns the id and timestamp.
type OutgoingMessage struct {
	Sender   string      `json:"sender" validate:"required"`
	Receiver string      `json:"receiver" validate:"required"`
	Body     string      `json:"message" validate:"required"`
	Type     MessageType `json:"type" validate:"required,oneof=text file audio"`
	FileName string      `json:"fileName,omitempty"`
}

// Between reports whether the message was exchanged by a and b, in either direction.
func (m Message) Between(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// User is a directory entry as returned by /api/users/all and /api/users/me
type User struct {
	ID    string `json:"Identifiant" validate:"required"`
	Name  string `json:"Name"`
	Email string `json:"Email,omitempty"`
	Role  string `json:"Role,omitempty"`
}

// UploadResponse is returned by POST /api/upload
type UploadResponse struct {
	FileURL string `json:"fileUrl" validate:"required"`
}
