package fetch

import (
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
)

// boilerplate tags dropped before conversion; the extractor model removes the rest.
var boilerplate = []string{"script", "style", "noscript", "nav", "footer", "iframe", "svg", "form"}

// toMarkdown converts an HTML page to GitHub flavored markdown. Relative links
// are resolved against the page's domain.
func toMarkdown(pageURL, html string) (string, error) {
	conv := md.NewConverter(md.DomainFromURL(pageURL), true, &md.Options{
		HeadingStyle:     "atx",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
	})
	conv.Use(plugin.GitHubFlavored())
	conv.Remove(boilerplate...)
	out, err := conv.ConvertString(html)
	if err != nil {
		return "", errors.Wrap(err, "convert html to markdown")
	}
	return strings.TrimSpace(out), nil
}

// tokenBudget caps text to a number of cl100k tokens. When the encoding cannot
// be loaded it falls back to four bytes per token.
type tokenBudget struct {
	max  int
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func newTokenBudget(max int) *tokenBudget {
	return &tokenBudget{max: max}
}

func (b *tokenBudget) encoding() *tiktoken.Tiktoken {
	b.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			b.enc = enc
		}
	})
	return b.enc
}

// Truncate returns s cut to the budget and whether it was cut.
func (b *tokenBudget) Truncate(s string) (string, bool) {
	if b == nil || b.max <= 0 {
		return s, false
	}
	if enc := b.encoding(); enc != nil {
		tokens := enc.Encode(s, nil, nil)
		if len(tokens) <= b.max {
			return s, false
		}
		return enc.Decode(tokens[:b.max]), true
	}
	limit := b.max * 4
	if len(s) <= limit {
		return s, false
	}
	return strings.ToValidUTF8(s[:limit], ""), true
}
