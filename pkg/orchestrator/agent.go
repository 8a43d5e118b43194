package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/kitsune-ai/anima/pkg/history"
	"github.com/kitsune-ai/anima/pkg/llmgateway"
)

// inferQueryClass picks a cache TTL class for the agent call from
// session type, message length, and @-presence. The gateway's
// ClassXxx set doesn't carry a group/private axis, so the inference
// collapses onto the closest matching class; the distinction is kept
// observable via the returned label for logging/tests.
func inferQueryClass(isGroup bool, text string, mentioned bool) (llmgateway.QueryClass, string) {
	scope := "private"
	if isGroup {
		scope = "group"
	}
	switch {
	case mentioned:
		return llmgateway.ClassComplex, scope + "_mention"
	case len([]rune(text)) <= 20:
		return llmgateway.ClassSimple, scope + "_simple"
	case len([]rune(text)) > 120:
		return llmgateway.ClassComplex, scope + "_complex"
	default:
		return llmgateway.ClassSimple, scope + "_generic"
	}
}

// stickerSafeguard is appended when VisualType == VisualSticker so
// the model doesn't attempt visual analysis of a discarded payload.
const stickerSafeguard = "The attached image is a sticker/emoticon. Do not attempt to describe or analyze its visual content; treat it only as an expressive gesture."

// proactiveUserTurn stands in for the (empty) inbound message on a
// proactive run: the scheduler already decided to speak, the agent
// only has to pick what to say.
const proactiveUserTurn = "（对方已经有一阵子没说话了。你想主动搭话，按你的性格自然地说一句就好。）"

// runAgent is the agent stage: compose the system prompt, append
// short-term history, optionally attach an image payload or sticker
// safeguard, call the gateway, and parse the response into an
// AgentAction. A parse failure wraps the raw text into a synthetic
// reply action rather than failing the stage.
func (o *Orchestrator) runAgent(ctx context.Context, in Input, systemPrompt string, recentHistory []history.Message, visual VisualType, artifact *ImageArtifact) AgentAction {
	messages := []llmgateway.Message{llmgateway.NewTextMessage(llmgateway.RoleSystem, systemPrompt)}

	for _, m := range stripStickerDescriptions(recentHistory) {
		role := llmgateway.RoleUser
		switch m.Type {
		case history.Assistant:
			role = llmgateway.RoleAssistant
		case history.Tool:
			role = llmgateway.RoleTool
		}
		messages = append(messages, llmgateway.NewTextMessage(role, m.Content))
	}

	latest := strings.TrimSpace(strings.Join(in.Texts, "\n"))
	if in.IsProactive && latest == "" {
		latest = proactiveUserTurn
	}
	userMsg := llmgateway.NewTextMessage(llmgateway.RoleUser, latest)
	switch visual {
	case VisualPhoto:
		if artifact != nil {
			userMsg.Content = append(userMsg.Content, llmgateway.ContentPart{
				ImageURL: "data:" + artifact.MimeType + ";base64," + artifact.Base64,
				MimeType: artifact.MimeType,
			})
		}
	case VisualSticker:
		messages = append(messages, llmgateway.NewTextMessage(llmgateway.RoleSystem, stickerSafeguard))
	}
	messages = append(messages, userMsg)

	class, _ := inferQueryClass(in.IsGroup, latest, in.IsMentioned)
	if in.IsProactive {
		class = llmgateway.ClassCreative
	}
	resp, err := o.gateway.Invoke(ctx, llmgateway.Request{
		Model:       o.model,
		Messages:    messages,
		Temperature: 0.9,
		QueryClass:  class,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", in.SessionID).Msg("orchestrator: agent call failed")
		return AgentAction{Action: ActionReply, Response: o.fallbackReply}
	}

	return parseAgentAction(resp.Content, o.fallbackReply)
}

type agentResponseWire struct {
	Monologue string `json:"monologue"`
	Action    string `json:"action"`
	Args      string `json:"args"`
	Response  string `json:"response"`
}

// parseAgentAction parses the agent's JSON action envelope; on parse
// failure the raw text is wrapped as a plain reply.
func parseAgentAction(raw, fallback string) AgentAction {
	var wire agentResponseWire
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &wire); err != nil || wire.Action == "" {
		text := strings.TrimSpace(raw)
		if text == "" {
			text = fallback
		}
		return AgentAction{Action: ActionReply, Response: text}
	}

	action := AgentAction{Monologue: wire.Monologue, Args: wire.Args, Response: wire.Response}
	switch ActionKind(wire.Action) {
	case ActionWebSearch, ActionGenerateImage, ActionRunPythonAnalysis:
		action.Action = ActionKind(wire.Action)
	default:
		action.Action = ActionReply
		if action.Response == "" {
			action.Response = strings.TrimSpace(raw)
		}
	}
	return action
}
