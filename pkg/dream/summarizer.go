package dream

import (
	"context"
	"strings"

	"github.com/kitsune-ai/anima/pkg/llmgateway"
)

// subconsciousIntegratorPrompt is the consolidation system prompt.
const subconsciousIntegratorPrompt = `You are the subconscious integrator: given a handful of recent memory fragments about the same person, either merge them into one short, information-dense sentence worth keeping long-term, or decide none of it is worth keeping. If nothing is worth keeping, respond with exactly: SKIP`

// GatewaySummarizer implements Summarizer via the LLM gateway,
// the default production Summarizer for the Dream Consolidator.
type GatewaySummarizer struct {
	Gateway *llmgateway.Gateway
	Model   string
}

func (g *GatewaySummarizer) Summarize(ctx context.Context, fragments []string) (string, error) {
	var sb strings.Builder
	for _, f := range fragments {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	resp, err := g.Gateway.Invoke(ctx, llmgateway.Request{
		Model: g.Model,
		Messages: []llmgateway.Message{
			llmgateway.NewTextMessage(llmgateway.RoleSystem, subconsciousIntegratorPrompt),
			llmgateway.NewTextMessage(llmgateway.RoleUser, sb.String()),
		},
		Temperature: 0.5,
		QueryClass:  llmgateway.ClassSimple,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
