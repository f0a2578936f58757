package protocol

import (
	"encoding/json"
)

// inbound frame types
const (
	TypeAuthenticate = "authenticate"
	TypeChat         = "chat"
	TypeGetUsers     = "get_users"
)

// Command is a decoded inbound frame. The set of implementations is closed:
// Authenticate, Chat, GetUsers and Unrecognized.
type Command interface {
	command()
}

// Authenticate binds the connection to Username. Username is empty when the
// field was absent or not a string.
type Authenticate struct {
	Username string
}

// Chat asks to deliver Content to Recipient.
type Chat struct {
	Recipient string
	Content   string
}

// GetUsers asks for the presence snapshot.
type GetUsers struct{}

// Unrecognized covers malformed JSON, a missing type and unknown types.
type Unrecognized struct {
	Type   string
	Reason string
}

func (Authenticate) command() {}
func (Chat) command()         {}
func (GetUsers) command()     {}
func (Unrecognized) command() {}

// envelope keeps fields raw so a value of the wrong JSON type only
// blanks that field instead of failing the whole frame.
type envelope struct {
	Type      json.RawMessage `json:"type"`
	Username  json.RawMessage `json:"username"`
	Recipient json.RawMessage `json:"recipient"`
	Content   json.RawMessage `json:"content"`
}

// Decode parses one inbound frame. It never returns an error: anything it
// cannot make sense of comes back as Unrecognized.
func Decode(raw []byte) Command {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Unrecognized{Reason: "malformed"}
	}

	typ, ok := str(env.Type)
	if !ok || typ == "" {
		return Unrecognized{Reason: "missing type"}
	}

	switch typ {
	case TypeAuthenticate:
		username, _ := str(env.Username)
		return Authenticate{Username: username}
	case TypeChat:
		recipient, _ := str(env.Recipient)
		content, _ := str(env.Content)
		return Chat{Recipient: recipient, Content: content}
	case TypeGetUsers:
		return GetUsers{}
	default:
		return Unrecognized{Type: typ, Reason: "unknown type"}
	}
}

func str(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
