package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kitsune-ai/anima/pkg/episodic"
	"github.com/kitsune-ai/anima/pkg/history"
	"github.com/kitsune-ai/anima/pkg/llmgateway"
)

// SaverMode distinguishes whether the assistant replied to the turn
// being persisted.
type SaverMode string

const (
	ModeInteractive SaverMode = "interactive"
	ModeObservation SaverMode = "observation"
)

// imperativePhrases force importance >= 5: the user explicitly asked
// to be remembered.
var imperativePhrases = []string{"请记住", "重要", "记住", "别忘了"}

func hasImperativePhrase(s string) bool {
	for _, p := range imperativePhrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// importanceThreshold returns the minimum importance an Add op must
// meet to be kept: 2 when the assistant replied, 4 when it only
// observed.
func importanceThreshold(mode SaverMode) int {
	if mode == ModeObservation {
		return 4
	}
	return 2
}

type memoryOpWire struct {
	Content    string `json:"content"`
	Category   string `json:"category"`
	Importance int    `json:"importance"`
}

type memorySaverWire struct {
	Ops []memoryOpWire `json:"ops"`
}

// extractMemoryOps asks the gateway to pull structured memory
// operations from the user's input only, never the assistant's
// output.
func (o *Orchestrator) extractMemoryOps(ctx context.Context, userText string, mode SaverMode) []MemoryOp {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil
	}
	resp, err := o.gateway.Invoke(ctx, llmgateway.Request{
		Model: o.model,
		Messages: []llmgateway.Message{
			llmgateway.NewTextMessage(llmgateway.RoleSystem, memorySaverSystemPrompt),
			llmgateway.NewTextMessage(llmgateway.RoleUser, userText),
		},
		Temperature: 0.2,
		QueryClass:  llmgateway.ClassMemoryExtraction,
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("orchestrator: memory extraction call failed")
		return nil
	}

	var wire memorySaverWire
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &wire); err != nil {
		o.log.Warn().Err(err).Msg("orchestrator: memory extraction response parse failed")
		return nil
	}

	threshold := importanceThreshold(mode)
	ops := make([]MemoryOp, 0, len(wire.Ops))
	for _, w := range wire.Ops {
		importance := w.Importance
		if hasImperativePhrase(userText) && importance < 5 {
			importance = 5
		}
		if importance < threshold {
			continue
		}
		ops = append(ops, MemoryOp{Kind: AddMemory, Content: w.Content, Category: w.Category, Importance: importance})
	}
	return ops
}

const memorySaverSystemPrompt = `Extract any facts worth remembering long-term from the user's message below. Respond with a single JSON object only: {"ops":[{"content":"...","category":"...","importance":1}]}. Importance is 1-5. If nothing is worth remembering, return {"ops":[]}.`

// persistMemoryOps writes each kept Add op into episodic memory.
func (o *Orchestrator) persistMemoryOps(ctx context.Context, ops []MemoryOp, userID string) {
	for _, op := range ops {
		if op.Kind != AddMemory || op.Content == "" {
			continue
		}
		_, err := o.episodicStore.AddTexts(ctx, []string{op.Content}, []episodic.Metadata{{
			Category:   op.Category,
			Source:     "interaction",
			Importance: float64(op.Importance),
			CreatedAt:  time.Now(),
		}})
		if err != nil {
			o.log.Warn().Err(err).Msg("orchestrator: persisting memory op failed")
		}
	}
}

// SaveFromHistory implements history.MemorySaver: the short-term
// history pruner forwards one pruned block here, once, with the full
// block as context rather than per-message.
func (o *Orchestrator) SaveFromHistory(ctx context.Context, sessionID string, pruned []history.Message) {
	var sb strings.Builder
	for _, m := range pruned {
		if m.Type == history.Human {
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}
	ops := o.extractMemoryOps(ctx, sb.String(), ModeObservation)
	o.persistMemoryOps(ctx, ops, sessionID)
}
