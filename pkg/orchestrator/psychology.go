package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kitsune-ai/anima/pkg/affect"
	"github.com/kitsune-ai/anima/pkg/llmgateway"
	"github.com/kitsune-ai/anima/pkg/relationship"
)

// psychologyResponse is the wire shape the psychology prompt's LLM
// call is instructed to return.
type psychologyResponse struct {
	DeltaValence     float64 `json:"delta_valence"`
	DeltaArousal     float64 `json:"delta_arousal"`
	DeltaStress      float64 `json:"delta_stress"`
	DeltaFatigue     float64 `json:"delta_fatigue"`
	RelationDeltas   struct {
		Intimacy      int `json:"intimacy"`
		Familiarity   int `json:"familiarity"`
		Trust         int `json:"trust"`
		InterestMatch int `json:"interest_match"`
	} `json:"relation_deltas"`
	PrimaryEmotion   string `json:"primary_emotion"`
	SecondaryEmotion string `json:"secondary_emotion"`
	InternalThought  string `json:"internal_thought"`
	StyleInstruction string `json:"style_instruction"`
}

// runPsychology invokes the LLM gateway with the psychology prompt,
// parses the structured result, and applies it to the affect store
// and the relationship store. A parse or upstream failure is
// absorbed: the pipeline continues with a zero-value result rather
// than aborting.
func (o *Orchestrator) runPsychology(ctx context.Context, in Input, profile relationship.Profile, snap affect.Snapshot, latestText string) PsychologyResult {
	prompt := buildPsychologyPrompt(snap, profile, latestText)
	class := llmgateway.ClassPsychologyAnalysis
	resp, err := o.gateway.Invoke(ctx, llmgateway.Request{
		Model: o.model,
		Messages: []llmgateway.Message{
			llmgateway.NewTextMessage(llmgateway.RoleSystem, psychologySystemPrompt),
			llmgateway.NewTextMessage(llmgateway.RoleUser, prompt),
		},
		Temperature: 0.4,
		QueryClass:  class,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", in.SessionID).Msg("orchestrator: psychology call failed, using defaults")
		return PsychologyResult{}
	}

	var parsed psychologyResponse
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &parsed); err != nil {
		o.log.Warn().Err(err).Str("session_id", in.SessionID).Msg("orchestrator: psychology response parse failed, using defaults")
		return PsychologyResult{}
	}

	result := PsychologyResult{
		Delta: affect.Delta{
			Valence:   parsed.DeltaValence,
			Arousal:   parsed.DeltaArousal,
			Stress:    parsed.DeltaStress,
			Fatigue:   parsed.DeltaFatigue,
			Primary:   parsed.PrimaryEmotion,
			Secondary: parsed.SecondaryEmotion,
		},
		RelationDelta: relationship.DimensionDelta{
			Intimacy:      parsed.RelationDeltas.Intimacy,
			Familiarity:   parsed.RelationDeltas.Familiarity,
			Trust:         parsed.RelationDeltas.Trust,
			InterestMatch: parsed.RelationDeltas.InterestMatch,
		},
		InternalThought:  parsed.InternalThought,
		StyleInstruction: parsed.StyleInstruction,
	}

	o.affectStore.Update(result.Delta)
	if _, err := o.relStore.UpdateDimensions(ctx, in.SenderID, result.RelationDelta); err != nil {
		o.log.Warn().Err(err).Str("session_id", in.SessionID).Msg("orchestrator: relationship update failed")
	}
	return result
}

const psychologySystemPrompt = `You analyze one inbound message and the speaker's current mood and relationship context. Respond with a single JSON object only, matching this shape: {"delta_valence":0,"delta_arousal":0,"delta_stress":0,"delta_fatigue":0,"relation_deltas":{"intimacy":0,"familiarity":0,"trust":0,"interest_match":0},"primary_emotion":"","secondary_emotion":"","internal_thought":"","style_instruction":""}`

func buildPsychologyPrompt(snap affect.Snapshot, profile relationship.Profile, latestText string) string {
	return fmt.Sprintf(
		"Current mood: valence=%.2f arousal=%.2f stress=%.2f fatigue=%.2f primary=%s\nRelationship: intimacy=%d familiarity=%d trust=%d interest_match=%d\nMessage: %s",
		snap.Valence, snap.Arousal, snap.Stress, snap.Fatigue, snap.PrimaryEmotion,
		profile.Intimacy, profile.Familiarity, profile.Trust, profile.InterestMatch,
		latestText,
	)
}

// extractJSONObject returns the first top-level {...} span in s,
// tolerating a model that wraps its JSON in prose or code fences.
func extractJSONObject(s string) string {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return s[start : i+1]
			}
		}
	}
	return s
}
