package llm

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core"
	"github.com/firebase/genkit/go/genkit"

	"github.com/ZanzyTHEbar/dragonscale-assist"
)

// Flow names registered with genkit.
const (
	PlanningRoundFlow = "planningRound"
	CompleteFlow      = "complete"
)

// Flows are the genkit flows the engine runs.
type Flows struct {
	PlanningRound *core.Flow[*RoundInput, string, struct{}]
	Complete      *core.Flow[string, string, struct{}]
}

// DefineFlows registers the flows on g. An empty model uses the genkit
// default model.
func DefineFlows(g *genkit.Genkit, model string) *Flows {
	generate := func(ctx context.Context, opts ...ai.GenerateOption) (string, error) {
		if model != "" {
			opts = append(opts, ai.WithModelName(model))
		}
		resp, err := genkit.Generate(ctx, g, opts...)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}

	return &Flows{
		PlanningRound: genkit.DefineFlow(g, PlanningRoundFlow,
			func(ctx context.Context, input *RoundInput) (string, error) {
				if input == nil || len(input.Transcript) == 0 {
					return "", fmt.Errorf("planning round needs a transcript")
				}
				return generate(ctx, ai.WithMessages(ToMessages(input.Transcript)...))
			}),
		Complete: genkit.DefineFlow(g, CompleteFlow,
			func(ctx context.Context, text string) (string, error) {
				return generate(ctx, ai.WithMessages(ai.NewUserTextMessage(text)))
			}),
	}
}

// ToMessages converts a planning transcript to genkit messages. Tool
// results are sent as user turns naming the operation they came from.
func ToMessages(transcript []dragonscale.Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(transcript))
	for _, m := range transcript {
		switch m.Role {
		case dragonscale.RoleSystem:
			out = append(out, ai.NewSystemTextMessage(m.Content))
		case dragonscale.RoleAssistant:
			out = append(out, ai.NewModelTextMessage(m.Content))
		case dragonscale.RoleTool:
			out = append(out, ai.NewUserTextMessage(fmt.Sprintf("Result of %s: %s", m.Operation, m.Content)))
		default:
			out = append(out, ai.NewUserTextMessage(m.Content))
		}
	}
	return out
}
