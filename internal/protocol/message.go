package protocol

import (
	"encoding/json"
	"time"
)

// outbound frame types
const (
	TypeAuthSuccess = "auth_success"
	TypeMessage     = "message"
	TypeMessageSent = "message_sent"
	TypeOnlineUsers = "online_users"
)

// TimestampLayout is used for every timestamp that leaves the server.
const TimestampLayout = time.RFC3339Nano

// Frame is anything the server writes to a client.
type Frame interface {
	FrameType() string
}

// AuthSuccess confirms that a connection is now bound to Username.
type AuthSuccess struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

func NewAuthSuccess(username string) AuthSuccess {
	return AuthSuccess{Type: TypeAuthSuccess, Username: username}
}

func (AuthSuccess) FrameType() string { return TypeAuthSuccess }

// Message carries chat content to its recipient, live or replayed.
type Message struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

func NewMessage(sender, content string, sentAt time.Time) Message {
	return Message{
		Type:      TypeMessage,
		Sender:    sender,
		Content:   content,
		Timestamp: sentAt.UTC().Format(TimestampLayout),
	}
}

func (Message) FrameType() string { return TypeMessage }

// MessageSent tells the sender whether the recipient had a live session
// that accepted the push at the moment of sending.
type MessageSent struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
}

func NewMessageSent(recipient string, delivered bool) MessageSent {
	return MessageSent{Type: TypeMessageSent, Recipient: recipient, Delivered: delivered}
}

func (MessageSent) FrameType() string { return TypeMessageSent }

// OnlineUsers is the presence snapshot.
type OnlineUsers struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

func NewOnlineUsers(users []string) OnlineUsers {
	if users == nil {
		users = []string{}
	}
	return OnlineUsers{Type: TypeOnlineUsers, Users: users}
}

func (OnlineUsers) FrameType() string { return TypeOnlineUsers }

// Encoded is a frame that was serialized once and is written as is,
// used when the same payload fans out to many connections.
type Encoded struct {
	Kind    string
	Payload []byte
}

func (e Encoded) FrameType() string { return e.Kind }

// Encode serializes f for the wire.
func Encode(f Frame) ([]byte, error) {
	if e, ok := f.(Encoded); ok {
		return e.Payload, nil
	}
	return json.Marshal(f)
}

// Preencode serializes f once and returns a frame that reuses the bytes.
func Preencode(f Frame) (Encoded, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Kind: f.FrameType(), Payload: b}, nil
}
