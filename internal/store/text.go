package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/ZanzyTHEbar/dragonscale-assist/internal/tools"
)

// ExtractiveSummarizer builds summaries from the messages themselves. It is
// the offline fallback when no model is configured.
type ExtractiveSummarizer struct{}

// Summarize implements tools.Summarizer.
func (ExtractiveSummarizer) Summarize(ctx context.Context, conv tools.Conversation, msgs []tools.Message, style string) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}

	senders := map[string]int{}
	var order []string
	for _, m := range msgs {
		if senders[m.SenderName] == 0 {
			order = append(order, m.SenderName)
		}
		senders[m.SenderName]++
	}
	last := msgs[len(msgs)-1]

	switch style {
	case "bullet":
		var b strings.Builder
		start := len(msgs) - 5
		if start < 0 {
			start = 0
		}
		for i, m := range msgs[start:] {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "- %s: %s", m.SenderName, m.Content)
		}
		return b.String(), nil
	case "detailed":
		parts := make([]string, 0, len(order))
		for _, name := range order {
			parts = append(parts, fmt.Sprintf("%s (%d)", name, senders[name]))
		}
		return fmt.Sprintf("%d messages in %s from %s. Most recently %s wrote: %q",
			len(msgs), conv.Title, strings.Join(parts, ", "), last.SenderName, last.Content), nil
	default:
		return fmt.Sprintf("%d messages with %s. Latest from %s: %q",
			len(msgs), conv.Title, last.SenderName, last.Content), nil
	}
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"did": true, "do": true, "does": true, "what": true, "when": true, "where": true, "who": true,
	"which": true, "how": true, "to": true, "of": true, "in": true, "on": true, "at": true,
	"for": true, "about": true, "and": true, "or": true, "we": true, "i": true, "you": true,
	"they": true, "he": true, "she": true, "it": true, "say": true, "said": true, "any": true,
}

// KeywordAnalyzer answers questions by finding the message sharing the most
// keywords with the question.
type KeywordAnalyzer struct{}

// Analyze implements tools.ContentAnalyzer.
func (KeywordAnalyzer) Analyze(ctx context.Context, conv tools.Conversation, msgs []tools.Message, question string) (string, float64, error) {
	keywords := tokens(question)
	if len(keywords) == 0 || len(msgs) == 0 {
		return "", 0, nil
	}

	best, bestHits := -1, 0
	for i, m := range msgs {
		hits := 0
		words := map[string]bool{}
		for _, w := range tokens(m.Content) {
			words[w] = true
		}
		for _, k := range keywords {
			if words[k] {
				hits++
			}
		}
		// Later messages win ties.
		if hits > 0 && hits >= bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return "", 0, nil
	}
	m := msgs[best]
	return fmt.Sprintf("%s said: %q", m.SenderName, m.Content), float64(bestHits) / float64(len(keywords)), nil
}

func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}
