package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/prompt"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/tools"
)

// DefaultAnalysisConfidence is reported when the model answers in prose
// without a confidence of its own.
const DefaultAnalysisConfidence = 0.6

type summarizeInput struct {
	Style string
	Lines []string
}

type analyzeInput struct {
	Question string
	Lines    []string
}

// Summarizer implements tools.Summarizer with a text completion flow.
type Summarizer struct {
	flow    Runner[string, string]
	prompts *prompt.Registry
}

// NewSummarizer creates a summarizer. A nil registry uses the built-in prompts.
func NewSummarizer(flow Runner[string, string], prompts *prompt.Registry) (*Summarizer, error) {
	if flow == nil {
		return nil, dragonscale.NewConfigurationError("summarize flow is not configured", nil)
	}
	if prompts == nil {
		prompts = prompt.NewRegistry()
	}
	return &Summarizer{flow: flow, prompts: prompts}, nil
}

// Summarize implements tools.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, conv tools.Conversation, messages []tools.Message, style string) (string, error) {
	text, err := s.prompts.Render(prompt.Summarize, summarizeInput{Style: style, Lines: transcriptLines(conv, messages)})
	if err != nil {
		return "", err
	}
	out, err := s.flow.Run(ctx, text)
	if err != nil {
		return "", fmt.Errorf("summarize flow failed: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("summarize flow returned nothing")
	}
	return out, nil
}

// Analyzer implements tools.ContentAnalyzer with a text completion flow.
type Analyzer struct {
	flow    Runner[string, string]
	prompts *prompt.Registry
}

// NewAnalyzer creates an analyzer. A nil registry uses the built-in prompts.
func NewAnalyzer(flow Runner[string, string], prompts *prompt.Registry) (*Analyzer, error) {
	if flow == nil {
		return nil, dragonscale.NewConfigurationError("analyze flow is not configured", nil)
	}
	if prompts == nil {
		prompts = prompt.NewRegistry()
	}
	return &Analyzer{flow: flow, prompts: prompts}, nil
}

// Analyze implements tools.ContentAnalyzer. The model may answer with
// {"answer": "...", "confidence": 0.8}; prose is taken as the answer.
func (a *Analyzer) Analyze(ctx context.Context, conv tools.Conversation, messages []tools.Message, question string) (string, float64, error) {
	text, err := a.prompts.Render(prompt.Analyze, analyzeInput{Question: question, Lines: transcriptLines(conv, messages)})
	if err != nil {
		return "", 0, err
	}
	out, err := a.flow.Run(ctx, text)
	if err != nil {
		return "", 0, fmt.Errorf("analyze flow failed: %w", err)
	}
	answer, confidence := parseAnswer(out)
	if answer == "" {
		return "", 0, fmt.Errorf("analyze flow returned nothing")
	}
	return answer, confidence, nil
}

func parseAnswer(raw string) (string, float64) {
	body := stripFences(strings.TrimSpace(raw))
	if strings.HasPrefix(body, "{") {
		var structured struct {
			Answer     string   `json:"answer"`
			Confidence *float64 `json:"confidence"`
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(body)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&structured); err == nil && strings.TrimSpace(structured.Answer) != "" {
			confidence := DefaultAnalysisConfidence
			if c := structured.Confidence; c != nil && *c >= 0 && *c <= 1 {
				confidence = *c
			}
			return strings.TrimSpace(structured.Answer), confidence
		}
	}
	return body, DefaultAnalysisConfidence
}

func transcriptLines(conv tools.Conversation, messages []tools.Message) []string {
	lines := make([]string, 0, len(messages)+1)
	if conv.Title != "" {
		lines = append(lines, "Conversation: "+conv.Title)
	}
	for _, m := range messages {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.SentAt.Format("2006-01-02 15:04"), sender, m.Content))
	}
	return lines
}
