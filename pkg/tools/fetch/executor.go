// Package fetch implements the single tool the conversational model can call:
// fetch a web page, convert it to markdown, extract its main content and
// summarize it, emitting a turn at every stage.
package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/inference"
	"github.com/go-go-golems/chatrelay/pkg/prompts"
)

const (
	ToolName = "fetch"

	ProgressProcessing  = "Processing…"
	ProgressSummarizing = "Summarizing…"
)

// Emitter receives each turn as soon as it is produced.
type Emitter func(conversation.Turn)

type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	// MaxMarkdownTokens caps the markdown handed to the extractor. Zero disables the cap.
	MaxMarkdownTokens int
	ExtractMaxTokens  int
	SummaryMaxTokens  int
}

func DefaultConfig() Config {
	return Config{
		Timeout:           20 * time.Second,
		MaxBodyBytes:      4 << 20,
		UserAgent:         "chatrelay/1.0 (+fetch tool)",
		MaxMarkdownTokens: 24000,
		ExtractMaxTokens:  4096,
		SummaryMaxTokens:  1024,
	}
}

type Executor struct {
	cfg    Config
	http   *http.Client
	llm    inference.Client
	model  string
	budget *tokenBudget
}

type Option func(*Executor)

// WithHTTPClient replaces the client used for page fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.http = c
		}
	}
}

// NewExecutor builds an executor that uses model on llm for the extraction
// and summarization passes. Zero config fields take their defaults.
func NewExecutor(llm inference.Client, model string, cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.ExtractMaxTokens <= 0 {
		cfg.ExtractMaxTokens = def.ExtractMaxTokens
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = def.SummaryMaxTokens
	}
	e := &Executor{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		llm:    llm,
		model:  model,
		budget: newTokenBudget(cfg.MaxMarkdownTokens),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Definition is the tool declaration sent with every primary model call.
func Definition() inference.Tool {
	return inference.Tool{
		Name:        ToolName,
		Description: prompts.FetchToolDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute http or https URL of the page to fetch.",
				},
			},
			"required":             []string{"url"},
			"additionalProperties": false,
		},
		Strict: true,
	}
}

// Definition lets an Executor be registered as a relay tool.
func (e *Executor) Definition() inference.Tool { return Definition() }

type arguments struct {
	URL string `json:"url"`
}

// Run executes one fetch invocation. Hard failures return a *ToolError and
// stop the pipeline; a failed summary only logs.
func (e *Executor) Run(ctx context.Context, rawArgs string, emit Emitter) error {
	log := zerolog.Ctx(ctx).With().Str("tool", ToolName).Logger()

	var args arguments
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return badArguments(rawArgs, "arguments are not a JSON object")
	}
	target := strings.TrimSpace(args.URL)
	if target == "" {
		return badArguments(rawArgs, "url is empty")
	}

	log.Debug().Str("url", target).Msg("fetching page")
	html, err := e.get(ctx, target)
	if err != nil {
		return err
	}
	markdown, err := toMarkdown(target, html)
	if err != nil {
		return fetchFailed(target, err.Error())
	}
	markdown, truncated := e.budget.Truncate(markdown)
	if truncated {
		log.Debug().Str("url", target).Int("max_tokens", e.cfg.MaxMarkdownTokens).Msg("page truncated to token budget")
	}

	emit(conversation.AssistantTurn(ProgressProcessing))

	extracted, err := e.llm.Complete(ctx, e.model, inference.CompletionRequest{
		System:    prompts.Extractor(),
		User:      markdown,
		MaxTokens: e.cfg.ExtractMaxTokens,
	})
	if err != nil {
		log.Warn().Err(err).Str("url", target).Msg("extraction call failed")
		return extractionFailed(markdown)
	}
	extracted = strings.TrimSpace(extracted)
	if extracted == "" {
		return extractionFailed(markdown)
	}
	emit(conversation.AssistantTurn(extracted))
	emit(conversation.AssistantTurn(ProgressSummarizing))

	summary, err := e.llm.Complete(ctx, e.model, inference.CompletionRequest{
		System:    prompts.Summarizer(),
		User:      extracted,
		MaxTokens: e.cfg.SummaryMaxTokens,
	})
	if err != nil {
		log.Warn().Err(err).Str("url", target).Msg("summary skipped")
		return nil
	}
	if summary = strings.TrimSpace(summary); summary == "" {
		log.Warn().Str("url", target).Msg("summary skipped: empty response")
		return nil
	}
	emit(conversation.AssistantTurn(summary))
	return nil
}

func (e *Executor) get(ctx context.Context, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fetchFailed(target, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fetchFailed(target, "unsupported url scheme "+strings.TrimSpace(u.Scheme))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fetchFailed(target, err.Error())
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fetchFailed(target, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fetchFailed(target, "status "+resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return "", fetchFailed(target, err.Error())
	}
	return string(body), nil
}
