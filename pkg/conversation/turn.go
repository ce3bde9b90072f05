package conversation

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Role tags the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one role-tagged message in a room transcript. It is also the wire
// shape of every inbound and outbound websocket frame.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ErrInvalidMessage is returned for inbound frames that are not a well-formed user turn.
var ErrInvalidMessage = errors.New("invalid message")

func UserTurn(content string) Turn      { return Turn{Role: RoleUser, Content: content} }
func AssistantTurn(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }
func SystemTurn(content string) Turn    { return Turn{Role: RoleSystem, Content: content} }

// ParseInbound decodes a client frame. Only `{"role":"user","content":"..."}`
// with non-blank content is accepted; anything else wraps ErrInvalidMessage.
func ParseInbound(data []byte) (Turn, error) {
	var raw struct {
		Role    *string `json:"role"`
		Content *string `json:"content"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Turn{}, errors.Wrap(ErrInvalidMessage, "malformed JSON")
	}
	if dec.More() {
		return Turn{}, errors.Wrap(ErrInvalidMessage, "trailing data after message")
	}
	if raw.Role == nil {
		return Turn{}, errors.Wrap(ErrInvalidMessage, "missing role")
	}
	if Role(*raw.Role) != RoleUser {
		return Turn{}, errors.Wrapf(ErrInvalidMessage, "role must be %q, got %q", RoleUser, *raw.Role)
	}
	if raw.Content == nil {
		return Turn{}, errors.Wrap(ErrInvalidMessage, "missing content")
	}
	if strings.TrimSpace(*raw.Content) == "" {
		return Turn{}, errors.Wrap(ErrInvalidMessage, "empty content")
	}
	return UserTurn(*raw.Content), nil
}
