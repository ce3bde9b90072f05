package inference

import (
	"strings"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
)

// Tool declares a function the primary model may call.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
	Strict     bool
}

// Request is the primary model call.
type Request struct {
	Instructions    string
	Input           []conversation.Turn
	Tools           []Tool
	MaxTokens       int
	ReasoningEffort string
}

// CompletionRequest is the secondary model call: one system prompt, one user payload.
type CompletionRequest struct {
	System    string
	User      string
	MaxTokens int
}

type ItemType string

const (
	ItemReasoning    ItemType = "reasoning"
	ItemMessage      ItemType = "message"
	ItemFunctionCall ItemType = "function_call"
)

// OutputItem is one element of the primary model's output list. Which fields
// are set depends on Type:
//   - message, reasoning: Texts
//   - function_call: Name, Arguments, CallID
//
// Items of unknown type keep their raw type string and no payload.
type OutputItem struct {
	Type      ItemType
	ID        string
	Texts     []string
	Name      string
	Arguments string
	CallID    string
}

// Text joins the item's text fragments with newlines.
func (i OutputItem) Text() string {
	return strings.Join(i.Texts, "\n")
}

// Output is the decoded primary model response.
type Output struct {
	ID    string
	Model string
	Items []OutputItem
}

// Models names the two model configurations the relay uses.
type Models struct {
	Primary   string
	Secondary string
}
