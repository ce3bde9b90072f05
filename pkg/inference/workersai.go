package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	workersAIBackend        = "workers-ai"
	workersAIDefaultBaseURL = "https://api.cloudflare.com/client/v4"
	maxResponseBytes        = 8 << 20
)

type WorkersAIConfig struct {
	AccountID  string
	APIToken   string
	BaseURL    string
	HTTPClient *http.Client
}

// WorkersAI calls models through the Cloudflare Workers AI REST endpoint
// POST {base}/accounts/{account}/ai/run/{model}.
type WorkersAI struct {
	accountID string
	apiToken  string
	baseURL   string
	http      *http.Client
}

func NewWorkersAI(cfg WorkersAIConfig) (*WorkersAI, error) {
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, errors.New("workers-ai: account id is required")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("workers-ai: api token is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = workersAIDefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &WorkersAI{accountID: cfg.AccountID, apiToken: cfg.APIToken, baseURL: base, http: hc}, nil
}

type workersRunRequest struct {
	Instructions    string        `json:"instructions"`
	Input           string        `json:"input"`
	Tools           []workersTool `json:"tools,omitempty"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
}

type workersTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      bool           `json:"strict"`
}

type workersMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type workersCompleteRequest struct {
	Messages  []workersMessage `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

type workersEnvelope struct {
	Success *bool           `json:"success"`
	Errors  []workersError  `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type workersError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *WorkersAI) Run(ctx context.Context, model string, req Request) (*Output, error) {
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, errors.Wrap(err, "workers-ai: encode input")
	}
	body := workersRunRequest{
		Instructions:    req.Instructions,
		Input:           string(input),
		MaxTokens:       req.MaxTokens,
		ReasoningEffort: req.ReasoningEffort,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, workersTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Strict:      t.Strict,
		})
	}
	result, err := c.post(ctx, model, body)
	if err != nil {
		return nil, err
	}
	return DecodeOutput(result)
}

func (c *WorkersAI) Complete(ctx context.Context, model string, req CompletionRequest) (string, error) {
	body := workersCompleteRequest{
		Messages: []workersMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens: req.MaxTokens,
	}
	result, err := c.post(ctx, model, body)
	if err != nil {
		return "", err
	}
	var out struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(result, &out); err != nil || out.Response == nil {
		return "", errors.Wrap(ErrInvalidResponse, "completion result has no response text")
	}
	return *out.Response, nil
}

func (c *WorkersAI) endpoint(model string) string {
	// model ids look like "@cf/openai/gpt-oss-120b"; keep the slashes, escape the rest
	parts := strings.Split(strings.TrimPrefix(model, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, url.PathEscape(c.accountID), strings.Join(parts, "/"))
}

func (c *WorkersAI) post(ctx context.Context, model string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "workers-ai: encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(model), bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Backend: workersAIBackend, Model: model, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Backend: workersAIBackend, Model: model, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Backend: workersAIBackend, Model: model, Status: resp.StatusCode, Err: err}
	}

	var env workersEnvelope
	decodeErr := json.Unmarshal(data, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Backend: workersAIBackend, Model: model, Status: resp.StatusCode, Message: envelopeMessage(env, data)}
	}
	if decodeErr != nil {
		return nil, errors.Wrap(ErrInvalidResponse, "workers-ai: response is not JSON")
	}
	if env.Success != nil && !*env.Success {
		return nil, &Error{Backend: workersAIBackend, Model: model, Status: resp.StatusCode, Message: envelopeMessage(env, data)}
	}
	if len(env.Result) == 0 {
		return nil, errors.Wrap(ErrInvalidResponse, "workers-ai: response has no result")
	}
	return env.Result, nil
}

func envelopeMessage(env workersEnvelope, raw []byte) string {
	if len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, fmt.Sprintf("%d %s", e.Code, e.Message))
		}
		return strings.Join(msgs, "; ")
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

var _ Client = (*WorkersAI)(nil)
