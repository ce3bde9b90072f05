package conversation

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseInboundAcceptsUserTurn(t *testing.T) {
	turn, err := ParseInbound([]byte(`{"role":"user","content":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, UserTurn("hello"), turn)
}

func TestParseInboundRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"assistant role":  `{"role":"assistant","content":"x"}`,
		"system role":     `{"role":"system","content":"x"}`,
		"missing content": `{"role":"user"}`,
		"missing role":    `{"content":"x"}`,
		"blank content":   `{"role":"user","content":"   "}`,
		"not json":        `hello`,
		"array":           `[{"role":"user","content":"x"}]`,
		"extra field":     `{"role":"user","content":"x","admin":true}`,
		"trailing data":   `{"role":"user","content":"x"}{"role":"user","content":"y"}`,
		"content number":  `{"role":"user","content":42}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInbound([]byte(payload))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidMessage), "got %v", err)
		})
	}
}

func TestTurnWireShape(t *testing.T) {
	b, err := json.Marshal(AssistantTurn("hi"))
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"assistant","content":"hi"}`, string(b))
}

func TestRoleValid(t *testing.T) {
	require.True(t, RoleUser.Valid())
	require.True(t, RoleSystem.Valid())
	require.False(t, Role("developer").Valid())
}
