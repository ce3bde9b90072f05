package inference

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type rawOutput struct {
	ID     string             `json:"id"`
	Model  string             `json:"model"`
	Output *[]json.RawMessage `json:"output"`
}

type rawItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Content   json.RawMessage `json:"content"`
	Name      *string         `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	CallID    string          `json:"call_id"`
}

type rawContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeOutput parses a primary model response body. The body must be an
// object whose "output" field is an array; anything else is ErrInvalidResponse.
func DecodeOutput(body []byte) (*Output, error) {
	var raw rawOutput
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, "response is not an object with an output array")
	}
	if raw.Output == nil {
		return nil, errors.Wrap(ErrInvalidResponse, "response has no output array")
	}
	out := &Output{ID: raw.ID, Model: raw.Model, Items: make([]OutputItem, 0, len(*raw.Output))}
	for idx, itemRaw := range *raw.Output {
		item, err := decodeItem(itemRaw)
		if err != nil {
			return nil, errors.Wrapf(err, "output[%d]", idx)
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func decodeItem(b json.RawMessage) (OutputItem, error) {
	var raw rawItem
	if err := json.Unmarshal(b, &raw); err != nil {
		return OutputItem{}, errors.Wrap(ErrInvalidResponse, "item is not an object")
	}
	item := OutputItem{Type: ItemType(raw.Type), ID: raw.ID}
	switch item.Type {
	case ItemMessage:
		texts, err := decodeContent(raw.Content, "output_text")
		if err != nil {
			return OutputItem{}, err
		}
		item.Texts = texts
	case ItemReasoning:
		// reasoning content is optional and never shown to users
		texts, err := decodeContent(raw.Content, "reasoning_text")
		if err == nil {
			item.Texts = texts
		}
	case ItemFunctionCall:
		if raw.Name == nil || strings.TrimSpace(*raw.Name) == "" {
			return OutputItem{}, errors.Wrap(ErrInvalidResponse, "function_call without name")
		}
		args, err := decodeArguments(raw.Arguments)
		if err != nil {
			return OutputItem{}, err
		}
		item.Name = *raw.Name
		item.Arguments = args
		item.CallID = raw.CallID
	case "":
		return OutputItem{}, errors.Wrap(ErrInvalidResponse, "item without type")
	}
	return item, nil
}

// decodeContent collects the text of every part of the wanted type. Content
// must be an array (possibly empty).
func decodeContent(b json.RawMessage, want string) ([]string, error) {
	if len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil, errors.Wrap(ErrInvalidResponse, "message without content array")
	}
	var parts []rawContentPart
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, "message content is not an array")
	}
	var texts []string
	for _, p := range parts {
		if p.Type == want {
			texts = append(texts, p.Text)
		}
	}
	return texts, nil
}

// decodeArguments accepts the arguments either as a JSON-encoded string (the
// usual form) or as an inline object.
func decodeArguments(b json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}", nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", errors.Wrap(ErrInvalidResponse, "function_call arguments")
		}
		return s, nil
	case '{':
		return string(trimmed), nil
	}
	return "", errors.Wrap(ErrInvalidResponse, "function_call arguments must be a string or object")
}
