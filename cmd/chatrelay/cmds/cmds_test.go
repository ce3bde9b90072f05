package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/identity"
	"github.com/go-go-golems/chatrelay/pkg/persistence/roomstore"
	"github.com/go-go-golems/chatrelay/pkg/webchat"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, flags *GlobalFlags, cmd *cobra.Command, args ...string) (string, string) {
	t.Helper()
	require.NoError(t, flags.Load())
	t.Cleanup(flags.Close)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{}, args...))
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.Execute())
	return stdout.String(), stderr.String()
}

func TestWSURLFromAddr(t *testing.T) {
	require.Equal(t, "ws://localhost:8080/ws", wsURLFromAddr(":8080"))
	require.Equal(t, "ws://relay.local:9000/ws", wsURLFromAddr("relay.local:9000"))
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	flags := &GlobalFlags{ConfigPath: writeConfig(t, "auth:\n  jwt_secret: s3cret\n  issuer: chatrelay\n")}
	stdout, stderr := run(t, flags, NewTokenCommand(flags), "room-42", "--ttl", "1h")

	v, err := identity.NewVerifier([]byte("s3cret"), identity.WithIssuer("chatrelay"))
	require.NoError(t, err)
	sub, err := v.Verify(strings.TrimSpace(stdout))
	require.NoError(t, err)
	require.Equal(t, "room-42", sub)
	require.Contains(t, stderr, "room-42")
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	flags := &GlobalFlags{}
	require.NoError(t, flags.Load())
	cmd := NewTokenCommand(flags)
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.ErrorContains(t, cmd.Execute(), "jwt_secret")
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rooms.db")
	dsn, err := roomstore.SQLiteDSNForFile(dbPath)
	require.NoError(t, err)
	store, err := roomstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	st := conversation.NewRoomState()
	st.Append(conversation.UserTurn("hello"), conversation.AssistantTurn("hi there"))
	st.Touch(time.Now())
	require.NoError(t, store.Save(context.Background(), "room-1", st))
	require.NoError(t, store.Close())

	cfg := writeConfig(t, "storage:\n  driver: sqlite\n  sqlite_path: "+dbPath+"\n")

	flags := &GlobalFlags{ConfigPath: cfg}
	out, _ := run(t, flags, NewHistoryCommand(flags))
	require.Contains(t, out, "room-1\t2 turns")

	flags = &GlobalFlags{ConfigPath: cfg}
	out, _ = run(t, flags, NewHistoryCommand(flags), "room-1")
	require.Equal(t, "[user] hello\n[assistant] hi there\n", out)

	flags = &GlobalFlags{ConfigPath: cfg}
	out, _ = run(t, flags, NewHistoryCommand(flags), "room-1", "--json")
	var got conversation.RoomState
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, st.Snapshot(), got.Turns)

	flags = &GlobalFlags{ConfigPath: cfg}
	out, _ = run(t, flags, NewHistoryCommand(flags), "unknown")
	require.Equal(t, "(empty room)\n", out)
}

func TestRunClientSendsLinesAndPrintsTurns(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	authCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
		hdr := http.Header{}
		hdr.Set(webchat.HeaderRoomID, "room-9")
		conn, err := upgrader.Upgrade(w, r, hdr)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		greeting, _ := json.Marshal(conversation.AssistantTurn("welcome"))
		_ = conn.WriteMessage(websocket.TextMessage, greeting)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			turn, err := conversation.ParseInbound(data)
			if err != nil {
				return
			}
			reply, _ := json.Marshal(conversation.AssistantTurn("echo: " + turn.Content))
			_ = conn.WriteMessage(websocket.TextMessage, reply)
		}
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	err := runClient(strings.NewReader("first\n\nsecond\n"), &out, &errOut, &clientSettings{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:  "tok",
		Linger: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", <-authCh)
	require.Contains(t, errOut.String(), "room: room-9")
	require.Equal(t, "[assistant] welcome\n[assistant] echo: first\n[assistant] echo: second\n", out.String())
}
