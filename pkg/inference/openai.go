package inference

import (
	"context"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
)

const (
	openAIBackend        = "openai"
	openAIDefaultBaseURL = "https://api.openai.com/v1"
)

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint. Tool calls
// in the reply are surfaced as function_call items so the relay treats both
// backends the same way.
type OpenAI struct {
	client openai.Client
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = openAIDefaultBaseURL
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(base),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &OpenAI{client: openai.NewClient(opts...)}, nil
}

func (c *OpenAI) Run(ctx context.Context, model string, req Request) (*Output, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Input)+1)
	if strings.TrimSpace(req.Instructions) != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, t := range req.Input {
		messages = append(messages, toChatMessage(t))
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.Parameters),
			Strict:      openai.Bool(t.Strict),
		}))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ReasoningEffort != "" {
		params.ReasoningEffort = openai.ReasoningEffort(req.ReasoningEffort)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError(model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(ErrInvalidResponse, "openai: response has no choices")
	}
	msg := resp.Choices[0].Message
	out := &Output{ID: resp.ID, Model: resp.Model}
	if strings.TrimSpace(msg.Content) != "" {
		out.Items = append(out.Items, OutputItem{Type: ItemMessage, ID: resp.ID, Texts: []string{msg.Content}})
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.Items = append(out.Items, OutputItem{
			Type:      ItemFunctionCall,
			ID:        tc.ID,
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func (c *OpenAI) Complete(ctx context.Context, model string, req CompletionRequest) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", wrapOpenAIError(model, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Wrap(ErrInvalidResponse, "openai: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func toChatMessage(t conversation.Turn) openai.ChatCompletionMessageParamUnion {
	switch t.Role {
	case conversation.RoleAssistant:
		return openai.AssistantMessage(t.Content)
	case conversation.RoleSystem:
		return openai.SystemMessage(t.Content)
	default:
		return openai.UserMessage(t.Content)
	}
}

func wrapOpenAIError(model string, err error) error {
	e := &Error{Backend: openAIBackend, Model: model, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		e.Status = apiErr.StatusCode
	}
	return e
}

var _ Client = (*OpenAI)(nil)
