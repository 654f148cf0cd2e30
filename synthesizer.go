package dragonscale

import (
	"fmt"
	"strings"
)

// responseTemplate derives a user-facing sentence from an operation's data.
type responseTemplate func(data map[string]interface{}) string

// ResponseSynthesizer converts the final set of step outcomes into one
// response. It is stateless.
type ResponseSynthesizer struct {
	templates map[string]responseTemplate
	actions   map[string]UIAction
}

// NewResponseSynthesizer returns a synthesizer with the built-in template and
// action tables.
func NewResponseSynthesizer() *ResponseSynthesizer {
	return &ResponseSynthesizer{
		templates: defaultTemplates(),
		actions:   defaultActions(),
	}
}

func defaultActions() map[string]UIAction {
	return map[string]UIAction{
		"lookup_contacts":        ActionNavigateToConversation,
		"resolve_conversation":   ActionNavigateToConversation,
		"send_message":           ActionNavigateToConversation,
		"list_conversations":     ActionNoAction,
		"get_messages":           ActionShowSummary,
		"summarize_conversation": ActionShowSummary,
		"analyze_conversation":   ActionShowSummary,
	}
}

func defaultTemplates() map[string]responseTemplate {
	return map[string]responseTemplate{
		"lookup_contacts": func(d map[string]interface{}) string {
			if name := str(d, "display_name"); name != "" {
				return fmt.Sprintf("Found %s.", name)
			}
			return "Found the contact."
		},
		"resolve_conversation": func(d map[string]interface{}) string {
			if name := str(d, "participant_name"); name != "" {
				return fmt.Sprintf("Opened your conversation with %s.", name)
			}
			return "Opened the conversation."
		},
		"send_message": func(d map[string]interface{}) string {
			if name := str(d, "recipient_name"); name != "" {
				return fmt.Sprintf("Message sent to %s.", name)
			}
			return "Message sent."
		},
		"list_conversations": func(d map[string]interface{}) string {
			if n, ok := d["count"]; ok {
				return fmt.Sprintf("You have %v recent conversations.", n)
			}
			return "Here are your recent conversations."
		},
		"get_messages": func(d map[string]interface{}) string {
			if n, ok := d["count"]; ok {
				return fmt.Sprintf("Retrieved %v messages.", n)
			}
			return "Here are the latest messages."
		},
		"summarize_conversation": func(d map[string]interface{}) string {
			if s := str(d, "summary"); s != "" {
				return s
			}
			return "There is nothing to summarize yet."
		},
		"analyze_conversation": func(d map[string]interface{}) string {
			if s := str(d, "answer"); s != "" {
				return s
			}
			return "I couldn't find an answer in this conversation."
		},
	}
}

func str(d map[string]interface{}, key string) string {
	s, _ := d[key].(string)
	return strings.TrimSpace(s)
}

// Synthesize builds the response. An error outcome wins over a clarification,
// which wins over success.
func (s *ResponseSynthesizer) Synthesize(result *ChainResult) Response {
	info := chainInfo(result)

	if result == nil || len(result.Steps) == 0 {
		return Response{
			Success:      false,
			ResponseText: "I couldn't find anything to do for that request.",
			Action:       ActionShowError,
			Error:        "no operations were executed",
			ChainInfo:    info,
		}
	}

	for _, step := range result.Steps {
		if step.Outcome.IsError() {
			msg := step.Outcome.Error
			if msg == "" {
				msg = fmt.Sprintf("operation '%s' failed", step.Call.Operation)
			}
			return Response{
				Success:      false,
				ResponseText: "Sorry, I couldn't complete that: " + msg,
				Action:       ActionShowError,
				Error:        msg,
				ChainInfo:    info,
			}
		}
	}

	for _, step := range result.Steps {
		if step.Outcome.NextAction == NextActionClarificationNeeded && step.Outcome.Clarification != nil {
			clar := *step.Outcome.Clarification
			if clar.Operation == "" {
				clar.Operation = step.Call.Operation
			}
			return Response{
				Success:               true,
				Result:                step.Outcome.Data,
				ResponseText:          clar.Question,
				Action:                ActionRequestClarification,
				ChainInfo:             info,
				RequiresClarification: true,
				ClarificationData:     &clar,
			}
		}
	}

	last, _ := result.Last()
	return Response{
		Success:      true,
		Result:       last.Outcome.Data,
		ResponseText: s.responseText(last),
		Action:       s.actionFor(last.Call.Operation),
		ChainInfo:    info,
	}
}

func (s *ResponseSynthesizer) responseText(step StepResult) string {
	if tmpl, ok := s.templates[step.Call.Operation]; ok {
		return tmpl(step.Outcome.Data)
	}
	return "Done."
}

func (s *ResponseSynthesizer) actionFor(operation string) UIAction {
	if action, ok := s.actions[operation]; ok {
		return action
	}
	return ActionNoAction
}

// ErrorResponse normalizes an engine-level failure into the outbound shape.
func ErrorResponse(err error, partial *ChainResult) Response {
	resp := Response{
		Success:      false,
		ResponseText: userMessageFor(err),
		Action:       ActionShowError,
		Error:        err.Error(),
		ChainInfo:    chainInfo(partial),
	}
	return resp
}

func userMessageFor(err error) string {
	switch CodeOf(err) {
	case ErrCodeRequest:
		return "That request is missing something I need."
	case ErrCodeReasoningUnavailable:
		return "The assistant is unavailable right now. Please try again."
	case ErrCodePlanning:
		return "I couldn't figure out what to do with that. Try rephrasing."
	case ErrCodeValidation:
		if reasons := ReasonsOf(err); len(reasons) > 0 {
			return "I couldn't do that: " + strings.Join(reasons, "; ")
		}
		return "I couldn't do that safely."
	default:
		return "Something went wrong."
	}
}

func chainInfo(result *ChainResult) *ChainInfo {
	if result == nil {
		return nil
	}
	info := &ChainInfo{
		OperationsUsed:       make([]string, 0, len(result.Steps)),
		Outcomes:             make([]ToolOutcome, 0, len(result.Steps)),
		TotalExecutionTimeMs: result.TotalDuration.Milliseconds(),
	}
	for _, step := range result.Steps {
		info.OperationsUsed = append(info.OperationsUsed, step.Call.Operation)
		info.Outcomes = append(info.Outcomes, step.Outcome)
	}
	return info
}
