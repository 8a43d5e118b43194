package orchestrator

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/kitsune-ai/anima/pkg/affect"
	"github.com/kitsune-ai/anima/pkg/history"
	"github.com/kitsune-ai/anima/pkg/relationship"
)

// buildSystemPrompt composes the agent stage's system prompt: core
// persona + context-retrieved extended persona + speech-style
// snippets + current affect + relationship summary + retrieved
// memories + a random sample of memory points + expression habits +
// a strict response-format instruction.
func (o *Orchestrator) buildSystemPrompt(corePersona string, extended, styles []string, snap affect.Snapshot, profile relationship.Profile, memories []string, habits []relationship.ExpressionHabit) string {
	var sb strings.Builder
	sb.WriteString(corePersona)
	sb.WriteString("\n\n")

	if len(extended) > 0 {
		sb.WriteString("Persona details:\n")
		for _, e := range extended {
			sb.WriteString("- ")
			sb.WriteString(e)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if len(styles) > 0 {
		sb.WriteString("Speech style:\n")
		for _, s := range styles {
			sb.WriteString("- ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Current mood: %s (valence=%.2f arousal=%.2f stress=%.2f fatigue=%.2f stamina=%.0f)\n",
		snap.PrimaryEmotion, snap.Valence, snap.Arousal, snap.Stress, snap.Fatigue, snap.Stamina)
	fmt.Fprintf(&sb, "Relationship with %s: intimacy=%d familiarity=%d trust=%d interest_match=%d, style=%s\n\n",
		profile.Name, profile.Intimacy, profile.Familiarity, profile.Trust, profile.InterestMatch, profile.CommunicationStyle)

	if len(memories) > 0 {
		sb.WriteString("Relevant memories:\n")
		for _, m := range memories {
			sb.WriteString("- ")
			sb.WriteString(m)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sampled := o.sampleUserMemoryPoints(profile.MemoryPoints, 3)
	if len(sampled) > 0 {
		sb.WriteString("Things you remember about this person:\n")
		for _, mp := range sampled {
			sb.WriteString("- ")
			sb.WriteString(mp.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if len(habits) > 0 {
		sb.WriteString("Your expression habits with this person:\n")
		for _, h := range habits {
			sb.WriteString("- ")
			sb.WriteString(h.Habit)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(responseFormatInstruction)
	return sb.String()
}

const responseFormatInstruction = `Respond with a single JSON object only, matching this shape: {"monologue":"...","action":"reply|web_search|generate_image|run_python_analysis","args":"...","response":"..."}. "args" carries the tool query/prompt/code when action is not "reply"; "response" carries the reply text when action is "reply".`

// sampleMemoryPoints picks n memory points without replacement.
func sampleMemoryPoints(points []relationship.MemoryPoint, n int, rng *rand.Rand) []relationship.MemoryPoint {
	if len(points) <= n {
		return points
	}
	idx := rng.Perm(len(points))[:n]
	out := make([]relationship.MemoryPoint, n)
	for i, j := range idx {
		out[i] = points[j]
	}
	return out
}

// stripStickerDescriptions removes history entries that are
// sticker-artifact descriptions (marked with the stickerArtifactPrefix
// tag by the history/memory writers) so they never reach the agent
// prompt.
const stickerArtifactPrefix = "[sticker] "

func stripStickerDescriptions(msgs []history.Message) []history.Message {
	out := make([]history.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, stickerArtifactPrefix) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func filterStickerMemories(memories []string) []string {
	out := make([]string, 0, len(memories))
	for _, m := range memories {
		if !strings.HasPrefix(m, stickerArtifactPrefix) {
			out = append(out, m)
		}
	}
	return out
}
