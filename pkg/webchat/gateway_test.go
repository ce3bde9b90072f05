package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/identity"
	"github.com/go-go-golems/chatrelay/pkg/inference"
	"github.com/go-go-golems/chatrelay/pkg/persistence/roomstore"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const testSecret = "gateway-test-secret"

// echoLLM answers every turn with "echo: <last user turn>".
type echoLLM struct{}

func (echoLLM) Run(_ context.Context, _ string, req inference.Request) (*inference.Output, error) {
	last := req.Input[len(req.Input)-1]
	return &inference.Output{Items: []inference.OutputItem{
		{Type: inference.ItemReasoning, Texts: []string{"thinking"}},
		{Type: inference.ItemMessage, Texts: []string{"echo: " + last.Content}},
	}}, nil
}

func (echoLLM) Complete(context.Context, string, inference.CompletionRequest) (string, error) {
	return "", nil
}

type testGateway struct {
	srv      *httptest.Server
	store    roomstore.Store
	verifier *identity.Verifier
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	store := roomstore.NewMemoryStore()
	tr, err := redisstream.Build(redisstream.Settings{}, watermill.NopLogger{})
	require.NoError(t, err)
	pool := NewConnectionPool(time.Second, log)
	hub, err := NewStreamHub(StreamHubConfig{BaseCtx: ctx, Transport: tr, Pool: pool, Logger: log})
	require.NoError(t, err)

	reg, err := relay.NewRegistry(ctx, relay.Options{
		Store:  store,
		LLM:    echoLLM{},
		Sink:   hub,
		Logger: log,
	})
	require.NoError(t, err)
	reg.SetLifecycle(hub)

	resolver, err := identity.NewResolver(identity.Settings{JWTSecret: testSecret, TokenTTL: time.Hour}, log)
	require.NoError(t, err)

	gw := NewGateway(GatewayConfig{Registry: reg, Pool: pool, Resolver: resolver, Logger: log})
	srv := httptest.NewServer(NewMux(gw, NewTranscriptHandler(store, resolver, log)))

	t.Cleanup(func() {
		srv.Close()
		pool.CloseAll()
		hub.Close()
		cancel()
		_ = tr.Close()
	})
	return &testGateway{srv: srv, store: store, verifier: resolver.Verifier()}
}

func (g *testGateway) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dial(t *testing.T, url string) (*websocket.Conn, *http.Response) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, resp
}

func readTurn(t *testing.T, conn *websocket.Conn) conversation.Turn {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var turn conversation.Turn
	require.NoError(t, json.Unmarshal(data, &turn))
	return turn
}

func sendUser(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	b, err := json.Marshal(conversation.UserTurn(content))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func TestGatewayGreetsNewRoomAndMintsToken(t *testing.T) {
	g := newTestGateway(t)
	conn, resp := dial(t, g.wsURL(""))

	roomID := resp.Header.Get(HeaderRoomID)
	token := resp.Header.Get(HeaderRoomToken)
	require.NotEmpty(t, roomID)
	require.NotEmpty(t, token)
	sub, err := g.verifier.Verify(token)
	require.NoError(t, err)
	require.Equal(t, roomID, sub)

	require.Equal(t, conversation.AssistantTurn(relay.Greeting), readTurn(t, conn))
}

func TestGatewayRoundTripAndReplay(t *testing.T) {
	g := newTestGateway(t)
	first, resp := dial(t, g.wsURL(""))
	token := resp.Header.Get(HeaderRoomToken)
	roomID := resp.Header.Get(HeaderRoomID)
	require.Equal(t, relay.Greeting, readTurn(t, first).Content)

	sendUser(t, first, "hi")
	require.Equal(t, conversation.AssistantTurn("echo: hi"), readTurn(t, first))

	second, resp2 := dial(t, g.wsURL(token))
	require.Equal(t, roomID, resp2.Header.Get(HeaderRoomID))
	require.Empty(t, resp2.Header.Get(HeaderRoomToken))
	require.Equal(t, conversation.UserTurn("hi"), readTurn(t, second))
	require.Equal(t, conversation.AssistantTurn("echo: hi"), readTurn(t, second))

	// errors go to the sender only; the first connection next sees the
	// echo of the valid turn
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"role":"assistant","content":"x"}`)))
	errTurn := readTurn(t, second)
	require.Equal(t, conversation.RoleSystem, errTurn.Role)
	require.True(t, strings.HasPrefix(errTurn.Content, "Error: invalid message"), errTurn.Content)

	sendUser(t, second, "again")
	require.Equal(t, conversation.UserTurn("again"), readTurn(t, first))
	require.Equal(t, conversation.AssistantTurn("echo: again"), readTurn(t, first))
	require.Equal(t, conversation.AssistantTurn("echo: again"), readTurn(t, second))

	st, err := g.store.Load(context.Background(), roomID)
	require.NoError(t, err)
	require.Equal(t, []conversation.Turn{
		conversation.UserTurn("hi"),
		conversation.AssistantTurn("echo: hi"),
		conversation.UserTurn("again"),
		conversation.AssistantTurn("echo: again"),
	}, st.Snapshot())
}

func TestGatewayReplaysLongHistoryToSlowReader(t *testing.T) {
	g := newTestGateway(t)
	body := strings.Repeat("lorem ipsum ", 700)
	st := conversation.NewRoomState()
	for i := 0; i < 300; i++ {
		if i%2 == 0 {
			st.Append(conversation.UserTurn(fmt.Sprintf("question %d", i)))
		} else {
			st.Append(conversation.AssistantTurn(fmt.Sprintf("answer %d\n%s", i, body)))
		}
	}
	require.NoError(t, g.store.Save(context.Background(), "room-long", st))
	token, err := g.verifier.Generate("room-long", time.Hour)
	require.NoError(t, err)

	conn, _ := dial(t, g.wsURL(token))
	time.Sleep(300 * time.Millisecond)

	want := st.Snapshot()
	for i := range want {
		require.Equal(t, want[i], readTurn(t, conn), "frame %d", i)
	}
}

func TestGatewayInvalidTokenFallsBackToAnonymousRoom(t *testing.T) {
	g := newTestGateway(t)
	conn, resp := dial(t, g.wsURL("not-a-token"))
	require.NotEmpty(t, resp.Header.Get(HeaderRoomID))
	require.NotEmpty(t, resp.Header.Get(HeaderRoomToken))
	require.Equal(t, relay.Greeting, readTurn(t, conn).Content)
}

func TestGatewayRoomsAreIsolated(t *testing.T) {
	g := newTestGateway(t)
	a, _ := dial(t, g.wsURL(""))
	b, _ := dial(t, g.wsURL(""))
	require.Equal(t, relay.Greeting, readTurn(t, a).Content)
	require.Equal(t, relay.Greeting, readTurn(t, b).Content)

	sendUser(t, a, "secret")
	require.Equal(t, "echo: secret", readTurn(t, a).Content)

	sendUser(t, b, "public")
	require.Equal(t, "echo: public", readTurn(t, b).Content)
}

func TestTranscriptRequiresToken(t *testing.T) {
	g := newTestGateway(t)

	for _, path := range []string{"/transcript", "/transcript.html"} {
		resp, err := http.Get(g.srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestTranscriptServesStoredRoom(t *testing.T) {
	g := newTestGateway(t)
	st := conversation.NewRoomState()
	st.Append(conversation.UserTurn("what is *this*?"), conversation.AssistantTurn("It is **bold**.\n\n<script>x</script>"))
	require.NoError(t, g.store.Save(context.Background(), "room-7", st))
	token, err := g.verifier.Generate("room-7", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, g.srv.URL+"/transcript", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body transcriptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "room-7", body.RoomID)
	require.Equal(t, st.Snapshot(), body.Turns)

	resp2, err := http.Get(g.srv.URL + "/transcript.html?token=" + token)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	html, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	require.Contains(t, string(html), "<strong>bold</strong>")
	require.Contains(t, string(html), "<em>this</em>")
	require.NotContains(t, string(html), "<script>x</script>")
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)
	resp, err := http.Get(g.srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.True(t, check(req))
	req.Header.Set("Origin", "https://chat.example.com")
	require.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	require.False(t, check(req))

	require.True(t, originChecker(nil)(req))
}
