package dragonscale

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// NextAction tells the chain what to do after a tool outcome.
type NextAction string

const (
	// NextActionContinue indicates the chain may proceed to the next step.
	NextActionContinue NextAction = "continue"
	// NextActionComplete indicates the operation satisfied the instruction on its own.
	NextActionComplete NextAction = "complete"
	// NextActionClarificationNeeded suspends the chain until the user picks an option.
	NextActionClarificationNeeded NextAction = "clarification_needed"
	// NextActionError halts the chain.
	NextActionError NextAction = "error"
)

// Halts reports whether no later step may run after this action.
func (a NextAction) Halts() bool {
	return a == NextActionClarificationNeeded || a == NextActionError
}

// ParamType is the primitive type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// OperationKind groups operations for plan pattern checks and UI action mapping.
type OperationKind string

const (
	KindResolve   OperationKind = "resolve"
	KindSend      OperationKind = "send"
	KindList      OperationKind = "list"
	KindRead      OperationKind = "read"
	KindSummarize OperationKind = "summarize"
	KindAnalyze   OperationKind = "analyze"
)

// ParamSpec describes one parameter of a tool.
type ParamSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required" yaml:"required"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	ItemType    ParamType `json:"item_type,omitempty" yaml:"item_type,omitempty"` // element type when Type is array
	Identifier  bool      `json:"identifier,omitempty" yaml:"identifier,omitempty"`
}

// IsIdentifier reports whether the parameter names an entity. Parameters
// whose name ends in _id are identifiers even when not flagged.
func (p ParamSpec) IsIdentifier() bool {
	return p.Identifier || strings.HasSuffix(p.Name, "_id")
}

// Unfilled reports whether v leaves the parameter without a usable value.
// Identifiers reject template placeholders; free text is unfilled only
// when it is absent or blank, so "None" or "<sigh>" are valid content.
func (p ParamSpec) Unfilled(v interface{}) bool {
	if p.IsIdentifier() {
		return IsPlaceholder(v)
	}
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

// Constraint is a cross-field rule evaluated against a call's parameters.
// Expression variables are the declared parameter names plus acting_user_id.
type Constraint struct {
	Expression string `json:"expression" yaml:"expression"`
	Message    string `json:"message" yaml:"message"`
}

// ToolDefinition is what the reasoning service sees of a tool.
type ToolDefinition struct {
	Name                    string        `json:"name"`
	Description             string        `json:"description"`
	Kind                    OperationKind `json:"kind"`
	Parameters              []ParamSpec   `json:"parameters"`
	MayRequireClarification bool          `json:"may_require_clarification"`
	ClarificationKind       string        `json:"clarification_kind,omitempty"`
	Constraints             []Constraint  `json:"-"`
}

// Param returns the spec for the named parameter.
func (d ToolDefinition) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// ToolCall is one {operation, parameters} entry of a plan.
type ToolCall struct {
	Operation  string                 `json:"operation" yaml:"operation"`
	Parameters map[string]interface{} `json:"parameters" yaml:"parameters"`
}

// SameAs reports whether both calls name the same operation with equal parameters.
func (c ToolCall) SameAs(other ToolCall) bool {
	if c.Operation != other.Operation {
		return false
	}
	return reflect.DeepEqual(normalizeParams(c.Parameters), normalizeParams(other.Parameters))
}

// Clone returns a copy whose parameter map can be modified independently.
func (c ToolCall) Clone() ToolCall {
	return ToolCall{Operation: c.Operation, Parameters: CloneParams(c.Parameters)}
}

// CloneParams shallow-copies a parameter map. A nil map yields an empty map.
func CloneParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// normalizeParams round-trips through JSON so that int(3) and float64(3) compare equal.
func normalizeParams(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return params
	}
	return out
}

// ClarificationOption is one ranked choice offered to the user.
type ClarificationOption struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Subtitle    string                 `json:"subtitle,omitempty"`
	Confidence  float64                `json:"confidence"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	DisplayText string                 `json:"displayText"`
}

// ClarificationRequest asks the user to disambiguate before the chain resumes.
type ClarificationRequest struct {
	Kind      string                `json:"kind"`
	Question  string                `json:"question"`
	Options   []ClarificationOption `json:"options"`
	Operation string                `json:"operation,omitempty"` // operation that produced the request
}

// ToolOutcome is the single return contract of every tool adapter.
type ToolOutcome struct {
	Success       bool                   `json:"success"`
	Data          map[string]interface{} `json:"data,omitempty"`
	NextAction    NextAction             `json:"next_action"`
	Clarification *ClarificationRequest  `json:"clarification,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Confidence    *float64               `json:"confidence,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Continue builds a successful outcome that lets the chain proceed.
func Continue(data map[string]interface{}) ToolOutcome {
	return ToolOutcome{Success: true, Data: data, NextAction: NextActionContinue}
}

// Complete builds a successful outcome that ends the instruction.
func Complete(data map[string]interface{}) ToolOutcome {
	return ToolOutcome{Success: true, Data: data, NextAction: NextActionComplete}
}

// NeedsClarification builds an outcome that suspends the chain.
func NeedsClarification(req ClarificationRequest, data map[string]interface{}) ToolOutcome {
	return ToolOutcome{Success: true, Data: data, NextAction: NextActionClarificationNeeded, Clarification: &req}
}

// Failure builds an error outcome.
func Failure(message string) ToolOutcome {
	return ToolOutcome{Success: false, NextAction: NextActionError, Error: message}
}

// WithConfidence attaches a confidence score.
func (o ToolOutcome) WithConfidence(c float64) ToolOutcome {
	o.Confidence = &c
	return o
}

// IsError reports whether the outcome halts the chain as a failure.
func (o ToolOutcome) IsError() bool {
	return o.NextAction == NextActionError || (!o.Success && o.NextAction != NextActionClarificationNeeded)
}

// SelectedClarification carries the user's answer to an earlier clarification.
type SelectedClarification struct {
	SelectedOption        ClarificationOption  `json:"selectedOption"`
	OriginalClarification ClarificationRequest `json:"originalClarification"`
}

// AppContext is the snapshot of the client application state.
type AppContext struct {
	CurrentScreen         string                 `json:"currentScreen"`
	CurrentConversationID string                 `json:"currentConversationId,omitempty"`
	ActingUserID          string                 `json:"actingUserId"`
	DeviceInfo            map[string]interface{} `json:"deviceInfo,omitempty"`
	ClarificationResponse *SelectedClarification `json:"clarificationResponse,omitempty"`
}

// Resuming reports whether the instruction answers an earlier clarification.
func (a AppContext) Resuming() bool {
	return a.ClarificationResponse != nil
}

// Instruction is one inbound top-level request.
type Instruction struct {
	Text           string     `json:"text"`
	AppContext     AppContext `json:"appContext"`
	EnableChaining *bool      `json:"enableChaining,omitempty"`
	MaxChainLength int        `json:"maxChainLength,omitempty"`
}

// ChainingEnabled returns the effective chaining flag (default true).
func (i Instruction) ChainingEnabled() bool {
	return i.EnableChaining == nil || *i.EnableChaining
}

// ToolContext is what an adapter receives alongside its parameters.
type ToolContext struct {
	ActingUserID string
	AppContext   AppContext
	RequestID    string
}

// ChainContext is created per instruction and discarded after the response.
type ChainContext struct {
	ActingUserID       string
	AppContext         AppContext
	RequestID          string
	PriorOutcomes      map[string]ToolOutcome
	MaxChainLength     int
	CurrentChainLength int
}

// NewChainContext creates a fresh chain context for one instruction.
func NewChainContext(instr Instruction, requestID string, maxChainLength int) *ChainContext {
	return &ChainContext{
		ActingUserID:   instr.AppContext.ActingUserID,
		AppContext:     instr.AppContext,
		RequestID:      requestID,
		PriorOutcomes:  make(map[string]ToolOutcome),
		MaxChainLength: maxChainLength,
	}
}

// ToolContext projects the chain context onto the adapter boundary.
func (c *ChainContext) ToolContext() ToolContext {
	return ToolContext{ActingUserID: c.ActingUserID, AppContext: c.AppContext, RequestID: c.RequestID}
}

// PlannedStep is one plan entry. Outcome is set when the step already ran
// for real during planning.
type PlannedStep struct {
	Call    ToolCall     `json:"call"`
	Outcome *ToolOutcome `json:"outcome,omitempty"`
}

// Plan is the ordered list of operations for one instruction.
type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Calls returns the plan's calls in order.
func (p *Plan) Calls() []ToolCall {
	calls := make([]ToolCall, len(p.Steps))
	for i, s := range p.Steps {
		calls[i] = s.Call
	}
	return calls
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// Last returns the last step, if any.
func (p *Plan) Last() (PlannedStep, bool) {
	if p.Len() == 0 {
		return PlannedStep{}, false
	}
	return p.Steps[len(p.Steps)-1], true
}

// Contains reports whether an identical {operation, parameters} pair is already planned.
func (p *Plan) Contains(call ToolCall) bool {
	for _, s := range p.Steps {
		if s.Call.SameAs(call) {
			return true
		}
	}
	return false
}

// NewPlan builds a plan from calls with no recorded outcomes.
func NewPlan(calls ...ToolCall) *Plan {
	p := &Plan{Steps: make([]PlannedStep, 0, len(calls))}
	for _, c := range calls {
		p.Steps = append(p.Steps, PlannedStep{Call: c.Clone()})
	}
	return p
}

// StepResult is one executed step.
type StepResult struct {
	Call     ToolCall      `json:"call"`
	Outcome  ToolOutcome   `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Reused   bool          `json:"reused,omitempty"` // outcome recorded during planning
}

// ChainResult is what the executor returns.
type ChainResult struct {
	Steps         []StepResult  `json:"steps"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Last returns the last executed step.
func (r *ChainResult) Last() (StepResult, bool) {
	if r == nil || len(r.Steps) == 0 {
		return StepResult{}, false
	}
	return r.Steps[len(r.Steps)-1], true
}

// UIAction is the client-side action attached to a response.
type UIAction string

const (
	ActionNavigateToConversation UIAction = "navigate_to_conversation"
	ActionShowSummary            UIAction = "show_summary"
	ActionShowError              UIAction = "show_error"
	ActionNoAction               UIAction = "no_action"
	ActionRequestClarification   UIAction = "request_clarification"
)

// ChainInfo summarizes the executed chain for the client.
type ChainInfo struct {
	OperationsUsed       []string      `json:"operationsUsed"`
	Outcomes             []ToolOutcome `json:"outcomes"`
	TotalExecutionTimeMs int64         `json:"totalExecutionTimeMs"`
}

// Response is the single outbound shape for every instruction.
type Response struct {
	Success               bool                  `json:"success"`
	Result                interface{}           `json:"result"`
	ResponseText          string                `json:"responseText"`
	Action                UIAction              `json:"action"`
	Error                 string                `json:"error,omitempty"`
	TraceID               string                `json:"traceId,omitempty"`
	ChainInfo             *ChainInfo            `json:"chainInfo,omitempty"`
	RequiresClarification bool                  `json:"requiresClarification,omitempty"`
	ClarificationData     *ClarificationRequest `json:"clarificationData,omitempty"`
}

// Role tags a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry exchanged with the reasoning service.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Operation string `json:"operation,omitempty"` // set on tool messages
}

// ProposedCall is one raw operation invocation proposed by the reasoning service.
// Parameters are kept raw until decoded against the named operation's schema.
type ProposedCall struct {
	Operation  string          `json:"operation"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ReasoningReply is the reasoning service's answer to one planning round.
type ReasoningReply struct {
	Calls []ProposedCall `json:"calls"`
	Text  string         `json:"text,omitempty"`
}
