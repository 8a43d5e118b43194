package orchestrator

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitsune-ai/anima/pkg/affect"
	"github.com/kitsune-ai/anima/pkg/episodic"
	"github.com/kitsune-ai/anima/pkg/history"
	"github.com/kitsune-ai/anima/pkg/llmgateway"
	"github.com/kitsune-ai/anima/pkg/persona"
	"github.com/kitsune-ai/anima/pkg/relationship"
	"github.com/kitsune-ai/anima/pkg/tools"
)

// maxToolIterations bounds the tool loop so an agent that keeps
// asking for tools can't cycle forever.
const maxToolIterations = 3

// Orchestrator is the heart of the system: it holds no state of its
// own beyond per-session mutexes, the classification cache, the
// per-session last-photo memo, and its random source; all
// durable state lives in the collaborators it's constructed with.
type Orchestrator struct {
	affectStore   *affect.Store
	relStore      *relationship.Store
	episodicStore *episodic.Store
	personaStore  *persona.Retriever
	historyStore  *history.Store
	gateway       *llmgateway.Gateway
	toolExecutor  *tools.Executor

	model         string
	corePersona   string
	fallbackReply string

	downloader          ImageDownloader
	classifier          ImageClassifier
	classificationCache *classificationCache
	visionRouter        func(Input) bool
	stickerPicker       func(userID string) string
	lastPhoto           sync.Map // session id -> URL of the most recent photo perceived

	log zerolog.Logger

	sessionLocks sync.Map // session id -> *sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithImageDownloader(d ImageDownloader) Option { return func(o *Orchestrator) { o.downloader = d } }
func WithImageClassifier(c ImageClassifier) Option { return func(o *Orchestrator) { o.classifier = c } }
func WithVisionRouter(f func(Input) bool) Option   { return func(o *Orchestrator) { o.visionRouter = f } }
func WithStickerPicker(f func(userID string) string) Option {
	return func(o *Orchestrator) { o.stickerPicker = f }
}
func WithFallbackReply(s string) Option { return func(o *Orchestrator) { o.fallbackReply = s } }
func WithRandSource(src rand.Source) Option {
	return func(o *Orchestrator) { o.rng = rand.New(src) }
}

// New builds an Orchestrator. model is the chat-completions model
// name used for every gateway call the pipeline makes.
func New(
	affectStore *affect.Store,
	relStore *relationship.Store,
	episodicStore *episodic.Store,
	personaStore *persona.Retriever,
	historyStore *history.Store,
	gateway *llmgateway.Gateway,
	toolExecutor *tools.Executor,
	model, corePersona string,
	log zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		affectStore:         affectStore,
		relStore:            relStore,
		episodicStore:       episodicStore,
		personaStore:        personaStore,
		historyStore:        historyStore,
		gateway:             gateway,
		toolExecutor:        toolExecutor,
		model:               model,
		corePersona:         corePersona,
		fallbackReply:       "...",
		downloader:          NewHTTPImageDownloader(),
		classificationCache: newClassificationCache(),
		log:                 log.With().Str("component", "orchestrator").Logger(),
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	o.visionRouter = o.defaultVisionRouter
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Summarize implements history.Summarizer by asking the LLM gateway
// to fold the pruned lines into the running summary.
func (o *Orchestrator) Summarize(ctx context.Context, existing string, pruned []history.Message) (string, error) {
	var sb strings.Builder
	for _, m := range pruned {
		sb.WriteString(string(m.Type))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	resp, err := o.gateway.Invoke(ctx, llmgateway.Request{
		Model: o.model,
		Messages: []llmgateway.Message{
			llmgateway.NewTextMessage(llmgateway.RoleSystem, "Update the running summary with new lines. Respond with only the updated summary text."),
			llmgateway.NewTextMessage(llmgateway.RoleUser, "Existing summary: "+existing+"\n\nNew lines:\n"+sb.String()),
		},
		Temperature: 0.3,
		QueryClass:  llmgateway.ClassSimple,
	})
	if err != nil {
		return existing, err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (o *Orchestrator) lockFor(sessionID string) *sync.Mutex {
	v, _ := o.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Run executes the full pipeline for one debounced batch (or a
// synthetic proactive Input), holding the session mutex for the
// entire run. It never returns an error: every stage isolates its own
// failures and falls through with a default; the Result always
// reflects what actually happened.
func (o *Orchestrator) Run(ctx context.Context, in Input) Result {
	l := o.lockFor(in.SessionID)
	l.Lock()
	defer l.Unlock()
	return o.run(ctx, in)
}

// TryRun is Run's non-blocking variant for the proactive scheduler's
// per-session lock gate: if the session is mid-pipeline the tick
// skips rather than queueing behind it.
func (o *Orchestrator) TryRun(ctx context.Context, in Input) (Result, bool) {
	l := o.lockFor(in.SessionID)
	if !l.TryLock() {
		return Result{}, false
	}
	defer l.Unlock()
	return o.run(ctx, in), true
}

func (o *Orchestrator) run(ctx context.Context, in Input) Result {
	decision := o.gate(in)
	if !decision.shouldReply {
		o.persistSilent(ctx, in)
		return Result{ShouldReply: false, FilterReason: decision.reason}
	}
	if decision.shortcutText != "" {
		o.appendTurn(ctx, in, decision.shortcutText)
		return Result{ShouldReply: true, FilterReason: decision.reason, AssistantText: decision.shortcutText}
	}

	profile, err := o.relStore.Get(ctx, in.SenderID, in.SenderName)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", in.SessionID).Msg("orchestrator: relationship load failed")
	}
	snap := o.affectStore.Snapshot()

	var perception perceptionResult
	var psych PsychologyResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer o.recoverStage("perception")
		perception = o.runPerception(ctx, in)
	}()
	go func() {
		defer wg.Done()
		defer o.recoverStage("psychology")
		latest := strings.TrimSpace(strings.Join(in.Texts, "\n"))
		psych = o.runPsychology(ctx, in, profile, snap, latest)
	}()
	wg.Wait()

	memories := o.retrieveMemories(ctx, in, profile)
	extended, styles := o.retrievePersona(ctx, in, psych, profile)
	histLog, _ := o.historyStore.Load(in.SessionID)
	recent := history.Recent(histLog, 10)

	systemPrompt := o.buildSystemPrompt(o.corePersona, extended, styles, snap, profile, memories, profile.ExpressionHabits)

	action := o.runAgent(ctx, in, systemPrompt, recent, perception.VisualType, perception.Artifact)

	iterations := 0
	for action.Action != ActionReply && iterations < maxToolIterations {
		toolResult := o.toolExecutor.Execute(ctx, string(action.Action), action.Args)
		_ = o.historyStore.Append(ctx, in.SessionID, history.Message{Type: history.Tool, Content: toolResult})
		iterations++
		recent = appendMessage(recent, history.Message{Type: history.Tool, Content: toolResult})
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		action = o.runAgent(ctx, in, systemPrompt, recent, VisualNone, nil)
	}

	o.appendTurn(ctx, in, action.Response)
	o.runPersist(ctx, in, action.Response, ModeInteractive)

	return Result{
		ShouldReply:    true,
		FilterReason:   decision.reason,
		VisualType:     perception.VisualType,
		AssistantText:  action.Response,
		ToolIterations: iterations,
		PsychologyNote: psych,
	}
}

func appendMessage(msgs []history.Message, m history.Message) []history.Message {
	out := make([]history.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m)
}

// randFloat64 and randIntn guard the shared rng: the per-session
// mutex does not serialize two different sessions, so every draw goes
// through rngMu.
func (o *Orchestrator) randFloat64() float64 {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Float64()
}

func (o *Orchestrator) randIntn(n int) int {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Intn(n)
}

func (o *Orchestrator) sampleUserMemoryPoints(points []relationship.MemoryPoint, n int) []relationship.MemoryPoint {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return sampleMemoryPoints(points, n, o.rng)
}

// recoverStage turns a panic in a fan-out goroutine into a log line;
// the pipeline continues with that stage's defaults.
func (o *Orchestrator) recoverStage(stage string) {
	if r := recover(); r != nil {
		o.log.Error().Interface("panic", r).Str("stage", stage).Msg("orchestrator: stage panicked, continuing with defaults")
	}
}

func (o *Orchestrator) appendTurn(ctx context.Context, in Input, assistantText string) {
	userText := strings.TrimSpace(strings.Join(in.Texts, "\n"))
	if userText == "" && isLoneSticker(in) {
		// Record the sticker turn with the artifact marker so later
		// prompt assembly strips it while the log still shows a Human
		// entry for the exchange.
		userText = stickerArtifactPrefix + "表情包"
	}
	if userText != "" {
		_ = o.historyStore.Append(ctx, in.SessionID, history.Message{Type: history.Human, Content: userText})
	}
	if assistantText != "" {
		_ = o.historyStore.Append(ctx, in.SessionID, history.Message{Type: history.Assistant, Content: assistantText})
	}
}

func (o *Orchestrator) persistSilent(ctx context.Context, in Input) {
	userText := strings.TrimSpace(strings.Join(in.Texts, "\n"))
	if userText == "" {
		return
	}
	_ = o.historyStore.Append(ctx, in.SessionID, history.Message{Type: history.Human, Content: userText})
	o.runPersist(ctx, in, "", ModeObservation)
}

func (o *Orchestrator) runPersist(ctx context.Context, in Input, _ string, mode SaverMode) {
	userText := strings.TrimSpace(strings.Join(in.Texts, "\n"))
	ops := o.extractMemoryOps(ctx, userText, mode)
	o.persistMemoryOps(ctx, ops, in.SenderID)
}

// retrieveMemories pulls the top 3 episodic memories for the inbound
// text, excluding sticker-description artifacts.
func (o *Orchestrator) retrieveMemories(ctx context.Context, in Input, profile relationship.Profile) []string {
	query := strings.TrimSpace(strings.Join(in.Texts, "\n"))
	if query == "" || o.episodicStore == nil {
		return nil
	}
	results, err := o.episodicStore.Search(ctx, query, 3, nil, nil, 0)
	if err != nil {
		o.log.Warn().Err(err).Msg("orchestrator: memory retrieval failed")
		return nil
	}
	return filterStickerMemories(results)
}

// retrievePersona does the context-conditioned persona retrieval:
// combine emotion+relation+scene via StyleLookup, and pull
// extended-persona snippets via vector search.
func (o *Orchestrator) retrievePersona(ctx context.Context, in Input, psych PsychologyResult, profile relationship.Profile) (extended, styles []string) {
	if o.personaStore == nil {
		return nil, nil
	}
	scene := "private"
	if in.IsGroup {
		scene = "group"
	}
	if style := o.personaStore.StyleLookup(ctx, psych.Delta.Primary, string(profile.CommunicationStyle), scene); style != "" {
		styles = append(styles, style)
	}
	query := strings.TrimSpace(psych.StyleInstruction)
	if query == "" {
		query = string(profile.CommunicationStyle)
	}
	if results, err := o.personaStore.SearchExtendedPersona(ctx, query, 3); err == nil {
		extended = results
	}
	return extended, styles
}
