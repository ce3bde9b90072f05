package fetch

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	ErrBadArguments     = errors.New("bad tool arguments")
	ErrFetchFailed      = errors.New("fetch failed")
	ErrExtractionFailed = errors.New("extraction failed")
)

// snippetLen is how much of the markdown an extraction failure echoes back.
const snippetLen = 50

// ToolError is a hard failure of the fetch pipeline. Error() is the text
// shown to the user after the "Error: " prefix.
type ToolError struct {
	Kind      error
	Arguments string
	URL       string
	Reason    string
	Snippet   string
}

func (e *ToolError) Error() string {
	switch e.Kind {
	case ErrBadArguments:
		return fmt.Sprintf("tool %q called with arguments %s: %s", ToolName, e.Arguments, e.Reason)
	case ErrFetchFailed:
		return fmt.Sprintf("fetching %s failed: %s", e.URL, e.Reason)
	case ErrExtractionFailed:
		return fmt.Sprintf("could not extract content from %q", e.Snippet)
	}
	return e.Reason
}

func (e *ToolError) Unwrap() error { return e.Kind }

func badArguments(args, reason string) *ToolError {
	return &ToolError{Kind: ErrBadArguments, Arguments: args, Reason: reason}
}

func fetchFailed(url string, reason string) *ToolError {
	return &ToolError{Kind: ErrFetchFailed, URL: url, Reason: reason}
}

func extractionFailed(markdown string) *ToolError {
	return &ToolError{Kind: ErrExtractionFailed, Snippet: prefixRunes(markdown, snippetLen)}
}

func prefixRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
