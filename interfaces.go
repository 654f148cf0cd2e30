package dragonscale

import "context"

// Tool is one executable operation backed by an external collaborator.
type Tool interface {
	// Definition returns the name, description and typed parameter schema
	// advertised to the reasoning service.
	Definition() ToolDefinition

	// Execute runs the operation. It must never panic or return an error past
	// its own boundary: internal failures are mapped to an error outcome.
	// Implementations must be safe for concurrent use.
	Execute(ctx context.Context, params map[string]interface{}, tc ToolContext) ToolOutcome
}

// ReasoningService is the external planning dependency consulted once per round.
type ReasoningService interface {
	Propose(ctx context.Context, transcript []Message, catalog []ToolDefinition) (*ReasoningReply, error)
}

// Planner turns one instruction into a plan.
type Planner interface {
	Plan(ctx context.Context, instr Instruction, cc *ChainContext) (*Plan, error)
}

// Executor runs a validated plan against the registry.
type Executor interface {
	ExecuteChain(ctx context.Context, plan *Plan, cc *ChainContext) (*ChainResult, error)
}

// Synthesizer converts executed steps into the outbound response.
type Synthesizer interface {
	Synthesize(result *ChainResult) Response
}

// ChainValidator is the whole-plan static check.
type ChainValidator interface {
	ValidateInstruction(instr Instruction) error
	ValidateChain(plan *Plan, cc *ChainContext) error
}

// Cache provides TTL storage, used for traces.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}) error
}
