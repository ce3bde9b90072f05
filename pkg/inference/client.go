package inference

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Client talks to a hosted model API.
type Client interface {
	// Run performs the primary, tool-augmented conversational call.
	Run(ctx context.Context, model string, req Request) (*Output, error)
	// Complete performs a plain system+user completion and returns its text.
	Complete(ctx context.Context, model string, req CompletionRequest) (string, error)
}

const (
	ProviderNone      = ""
	ProviderWorkersAI = "workers-ai"
	ProviderOpenAI    = "openai"
)

// Settings selects and configures a backend.
type Settings struct {
	Provider  string
	AccountID string
	APIToken  string
	// BaseURL overrides the provider's default endpoint.
	BaseURL string
	Timeout time.Duration
}

// New builds the client for s.Provider. An empty provider yields Unavailable,
// so the relay reports the missing backend per message instead of failing startup.
func New(s Settings) (Client, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case ProviderNone:
		return Unavailable{}, nil
	case ProviderWorkersAI:
		return NewWorkersAI(WorkersAIConfig{
			AccountID:  s.AccountID,
			APIToken:   s.APIToken,
			BaseURL:    s.BaseURL,
			HTTPClient: httpClient,
		})
	case ProviderOpenAI:
		return NewOpenAI(OpenAIConfig{
			APIKey:     s.APIToken,
			BaseURL:    s.BaseURL,
			HTTPClient: httpClient,
		})
	default:
		return nil, errors.Errorf("unknown inference provider %q", s.Provider)
	}
}

// Unavailable is the Client used when no backend is configured.
type Unavailable struct{}

func (Unavailable) Run(context.Context, string, Request) (*Output, error) {
	return nil, ErrUnavailable
}

func (Unavailable) Complete(context.Context, string, CompletionRequest) (string, error) {
	return "", ErrUnavailable
}

var _ Client = Unavailable{}
