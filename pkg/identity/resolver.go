package identity

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Identity is the resolved room of a connection. Token is set when a fresh
// identity was minted and a verifier is available to sign it.
type Identity struct {
	RoomID    string
	Anonymous bool
	Token     string
}

type Settings struct {
	JWTSecret string
	Issuer    string
	Audience  string
	// TokenTTL applies to tokens minted for anonymous rooms.
	TokenTTL time.Duration
	// AnonymousRoom, when set, puts every unauthenticated connection in this
	// shared room instead of minting a new one.
	AnonymousRoom string
}

// Resolver maps requests to identities. It never rejects a request: a
// missing or invalid token yields an anonymous identity.
type Resolver struct {
	verifier      *Verifier
	tokenTTL      time.Duration
	anonymousRoom string
	newID         func() string
	log           zerolog.Logger
}

func NewResolver(s Settings, log zerolog.Logger) (*Resolver, error) {
	r := &Resolver{
		tokenTTL:      s.TokenTTL,
		anonymousRoom: strings.TrimSpace(s.AnonymousRoom),
		newID:         func() string { return uuid.NewString() },
		log:           log.With().Str("component", "identity").Logger(),
	}
	if s.JWTSecret != "" {
		var opts []VerifierOption
		if s.Issuer != "" {
			opts = append(opts, WithIssuer(s.Issuer))
		}
		if s.Audience != "" {
			opts = append(opts, WithAudience(s.Audience))
		}
		v, err := NewVerifier([]byte(s.JWTSecret), opts...)
		if err != nil {
			return nil, err
		}
		r.verifier = v
	}
	return r, nil
}

// Verifier is nil when no secret is configured.
func (r *Resolver) Verifier() *Verifier { return r.verifier }

// Resolve derives the identity of req.
func (r *Resolver) Resolve(req *http.Request) Identity {
	if tok := TokenFromRequest(req); tok != "" {
		if sub, ok := r.Authenticate(tok); ok {
			return Identity{RoomID: sub}
		}
	}
	return r.mint()
}

// Authenticate verifies tok and returns its subject.
func (r *Resolver) Authenticate(tok string) (string, bool) {
	if r.verifier == nil || tok == "" {
		return "", false
	}
	sub, err := r.verifier.Verify(tok)
	if err != nil {
		r.log.Debug().Err(err).Msg("token rejected, falling back to anonymous identity")
		return "", false
	}
	return sub, true
}

func (r *Resolver) mint() Identity {
	if r.anonymousRoom != "" {
		return Identity{RoomID: r.anonymousRoom, Anonymous: true}
	}
	id := Identity{RoomID: r.newID(), Anonymous: true}
	if r.verifier != nil {
		tok, err := r.verifier.Generate(id.RoomID, r.tokenTTL)
		if err != nil {
			r.log.Warn().Err(err).Msg("could not sign anonymous identity")
		} else {
			id.Token = tok
		}
	}
	return id
}

// TokenFromRequest reads a bearer token from the Authorization header, the
// "token" query parameter or the "token" cookie, in that order.
func TokenFromRequest(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if tok := strings.TrimSpace(req.URL.Query().Get("token")); tok != "" {
		return tok
	}
	if c, err := req.Cookie("token"); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
