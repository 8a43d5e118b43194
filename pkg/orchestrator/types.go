// Package orchestrator implements the session orchestrator: the
// per-session pipeline that turns one debounced inbound batch (or a
// synthetic proactive tick) into at most one outbound reply, wired to
// the affect, relationship, episodic-memory, persona, short-term
// history, LLM gateway, and tool-executor collaborators.
package orchestrator

import (
	"time"

	"github.com/kitsune-ai/anima/pkg/affect"
	"github.com/kitsune-ai/anima/pkg/relationship"
)

// VisualType classifies what, if anything, the inbound batch carried
// visually.
type VisualType string

const (
	VisualNone   VisualType = "none"
	VisualSticker VisualType = "sticker"
	VisualPhoto  VisualType = "photo"
	VisualIcon   VisualType = "icon"
)

// ImageArtifact is a perception-stage result kept for the agent stage
// when VisualType == VisualPhoto: a compressed, base64-embeddable
// JPEG payload.
type ImageArtifact struct {
	MimeType string
	Base64   string
}

// ActionKind is the closed set of agent actions.
type ActionKind string

const (
	ActionReply             ActionKind = "reply"
	ActionWebSearch         ActionKind = "web_search"
	ActionGenerateImage     ActionKind = "generate_image"
	ActionRunPythonAnalysis ActionKind = "run_python_analysis"
)

// AgentAction is the parsed form of the agent stage's JSON response.
type AgentAction struct {
	Monologue string
	Action    ActionKind
	Args      string // tool argument (query/prompt/code) when Action != ActionReply
	Response  string // the reply text when Action == ActionReply
}

// MemoryOpKind distinguishes memory-saver operations. Only Add exists
// today; the type is kept open (string, not a closed enum) so a
// future op kind doesn't require a breaking change.
type MemoryOpKind string

const AddMemory MemoryOpKind = "add"

// MemoryOp is one structured memory-extraction result.
type MemoryOp struct {
	Kind       MemoryOpKind
	Content    string
	Category   string
	Importance int
}

// FilterReason documents why the gate produced its should_reply
// decision, for logging and tests.
type FilterReason string

const (
	ReasonGroupNotMentioned FilterReason = "group_not_mentioned"
	ReasonShortcutSticker   FilterReason = "shortcut_sticker"
	ReasonShortcutSilent    FilterReason = "shortcut_silent"
	ReasonProceed           FilterReason = "proceed"
	ReasonProactive         FilterReason = "proactive"
)

// NextStep routes control after the agent stage.
type NextStep string

const (
	StepPersist NextStep = "persist"
	StepTool    NextStep = "tool"
)

// Input is the request-scoped pipeline input.
type Input struct {
	SessionID           string
	SenderID            string
	SenderName           string
	IsGroup             bool
	IsMentioned         bool
	Texts               []string // combined debounced text bodies, arrival order
	ImageURLs           []ImageRef
	LastInteractionTime time.Time
	IsProactive         bool
}

// ImageRef is one inbound image segment reference handed to
// Perception.
type ImageRef struct {
	URL         string
	StickerHint bool
}

// Result is what one orchestrator Run produces: at most one outbound
// assistant message.
type Result struct {
	ShouldReply     bool
	FilterReason    FilterReason
	VisualType      VisualType
	AssistantText   string
	ToolIterations  int
	PsychologyNote  PsychologyResult
}

// PsychologyResult is the structured object the psychology subtask
// produces.
type PsychologyResult struct {
	Delta             affect.Delta
	RelationDelta     relationship.DimensionDelta
	InternalThought   string
	StyleInstruction  string
}
