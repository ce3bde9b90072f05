package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	req.Header.Set("Authorization", "Bearer h")
	req.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	require.Equal(t, "h", TokenFromRequest(req))

	req.Header.Del("Authorization")
	require.Equal(t, "q", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	require.Equal(t, "c", TokenFromRequest(req))

	require.Empty(t, TokenFromRequest(httptest.NewRequest(http.MethodGet, "/ws", nil)))
}

func TestResolverUsesValidToken(t *testing.T) {
	r, err := NewResolver(Settings{JWTSecret: string(testSecret)}, zerolog.Nop())
	require.NoError(t, err)
	tok, err := r.Verifier().Generate("room-7", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	id := r.Resolve(req)
	require.Equal(t, Identity{RoomID: "room-7"}, id)
}

func TestResolverFailsOpen(t *testing.T) {
	r, err := NewResolver(Settings{JWTSecret: string(testSecret), TokenTTL: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer forged")
	id := r.Resolve(req)
	require.True(t, id.Anonymous)
	require.NotEmpty(t, id.RoomID)
	require.NotEmpty(t, id.Token)

	// the minted token resolves back to the same room
	sub, ok := r.Authenticate(id.Token)
	require.True(t, ok)
	require.Equal(t, id.RoomID, sub)

	again := r.Resolve(httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.NotEqual(t, id.RoomID, again.RoomID)
}

func TestResolverWithoutSecret(t *testing.T) {
	r, err := NewResolver(Settings{}, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, r.Verifier())

	id := r.Resolve(httptest.NewRequest(http.MethodGet, "/ws?token=anything", nil))
	require.True(t, id.Anonymous)
	require.Empty(t, id.Token)
}

func TestResolverSharedAnonymousRoom(t *testing.T) {
	r, err := NewResolver(Settings{AnonymousRoom: "default"}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, Identity{RoomID: "default", Anonymous: true}, r.Resolve(httptest.NewRequest(http.MethodGet, "/ws", nil)))
}
