package relay

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/inference"
	"github.com/go-go-golems/chatrelay/pkg/tools/fetch"
)

const (
	msgUnavailable     = "AI service is not available"
	msgInferenceFailed = "AI service request failed"
	msgInvalidResponse = "AI service returned an invalid response"
	msgUnexpected      = "an unexpected error occurred"
)

// ErrorTurn renders err as the system turn shown to the requesting connection.
func ErrorTurn(err error) conversation.Turn {
	return conversation.SystemTurn("Error: " + describe(err))
}

func describe(err error) string {
	var toolErr *fetch.ToolError
	switch {
	case err == nil:
		return msgUnexpected
	case errors.As(err, &toolErr):
		return toolErr.Error()
	case errors.Is(err, conversation.ErrInvalidMessage):
		reason := strings.TrimSuffix(err.Error(), ": "+conversation.ErrInvalidMessage.Error())
		if reason == err.Error() {
			return "invalid message"
		}
		return "invalid message: " + reason
	case errors.Is(err, inference.ErrUnavailable):
		return msgUnavailable
	case errors.Is(err, inference.ErrInvalidResponse):
		return msgInvalidResponse
	case errors.Is(err, inference.ErrInference):
		return msgInferenceFailed
	}
	return msgUnexpected
}
