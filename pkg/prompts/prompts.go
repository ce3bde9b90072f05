// Package prompts holds the system prompts used for the conversational model
// and for the fetch tool's extraction and summarization passes.
package prompts

import (
	"embed"
	"strings"
)

//go:embed templates/*.md
var templates embed.FS

func mustRead(name string) string {
	b, err := templates.ReadFile("templates/" + name)
	if err != nil {
		panic(err)
	}
	return strings.TrimSpace(string(b))
}

var (
	conversation = mustRead("conversation.md")
	extractor    = mustRead("extractor.md")
	summarizer   = mustRead("summarizer.md")
)

// Conversation is the instructions string of every primary model call.
func Conversation() string { return conversation }

// Extractor turns a markdown page into its main content.
func Extractor() string { return extractor }

// Summarizer condenses extracted content.
func Summarizer() string { return summarizer }

// FetchToolDescription is the description advertised for the fetch tool.
const FetchToolDescription = "Fetch a web page by URL, extract its main content and summarize it. " +
	"Use when the user asks about the contents of a specific web page."
