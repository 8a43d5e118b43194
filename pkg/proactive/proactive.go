// Package proactive implements the proactive scheduler: a single
// long-lived ticker that, for each recently-active session, decides
// whether the persona should speak up unprompted. The gating sequence
// is time-of-day window, stamina floor, silence-duration band, then a
// probability curve.
package proactive

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kitsune-ai/anima/pkg/affect"
	"github.com/kitsune-ai/anima/pkg/orchestrator"
	"github.com/kitsune-ai/anima/pkg/relationship"
)

// DefaultInterval is the scheduler's tick period.
const DefaultInterval = 60 * time.Second

// activeWindowHorizon bounds how long a session stays eligible after
// its last inbound event.
const activeWindowHorizon = 12 * time.Hour

const staminaFloor = 20

// SessionMeta is what the scheduler needs to know about one tracked
// session. Callers (the ingress flush path) call Track to keep this
// up to date; the scheduler never infers it on its own.
type SessionMeta struct {
	SessionID string
	SenderID  string // the relationship-profile key this session evaluates against
	IsGroup   bool
	LastSeen  time.Time
}

// Scheduler owns the proactive tick loop.
type Scheduler struct {
	orch        *orchestrator.Orchestrator
	relStore    *relationship.Store
	affectStore *affect.Store
	interval    time.Duration
	log         zerolog.Logger
	deliver     func(sessionID, text string)

	mu       sync.Mutex
	sessions map[string]SessionMeta
	feedback map[string]float64

	rngMu sync.Mutex
	rng   mathRand
}

// mathRand is the minimal surface this package needs from math/rand,
// kept as its own name so New can accept a seeded source in tests
// without importing math/rand/v2 friction into the public API.
type mathRand interface {
	Float64() float64
}

// New builds a Scheduler. rng supplies the probability roll; pass a
// deterministic source in tests. deliver is called with the
// post-processed assistant text whenever a proactive fire produces a
// reply; pass nil to only log fires (e.g. in tests).
func New(orch *orchestrator.Orchestrator, relStore *relationship.Store, affectStore *affect.Store, rng mathRand, deliver func(sessionID, text string), log zerolog.Logger) *Scheduler {
	return &Scheduler{
		orch:        orch,
		relStore:    relStore,
		affectStore: affectStore,
		interval:    DefaultInterval,
		log:         log.With().Str("component", "proactive").Logger(),
		deliver:     deliver,
		sessions:    map[string]SessionMeta{},
		feedback:    map[string]float64{},
		rng:         rng,
	}
}

// Track records or refreshes a session's last-seen time, called from
// the ingress flush path each time a batch is delivered.
func (s *Scheduler) Track(meta SessionMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta.LastSeen = time.Now()
	s.sessions[meta.SessionID] = meta
}

// RecordFeedback stores a ±1 outcome score for sessionID's most
// recent proactive message, consumed by the next probability
// computation.
func (s *Scheduler) RecordFeedback(sessionID string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[sessionID] = score
}

// cronSchedule parses an "@every <dur>" descriptor through
// robfig/cron's descriptor parser, which computes the scheduler's
// next fire time.
func cronSchedule(interval time.Duration) cronlib.Schedule {
	parser := cronlib.NewParser(cronlib.Descriptor)
	sched, err := parser.Parse(fmt.Sprintf("@every %s", interval))
	if err != nil {
		// interval is always a compile-time constant or a config value
		// validated at startup; a parse failure here means the duration
		// itself is malformed, not a runtime condition to recover from.
		panic(fmt.Sprintf("proactive: invalid tick interval %s: %v", interval, err))
	}
	return sched
}

// Run blocks, ticking every interval until ctx is cancelled.
// Shutdown is cooperative: Run does not cancel an evaluate already
// underway, it simply stops scheduling new ones.
func (s *Scheduler) Run(ctx context.Context) {
	sched := cronSchedule(s.interval)
	next := sched.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx)
			next = sched.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	metas := make([]SessionMeta, 0, len(s.sessions))
	for id, m := range s.sessions {
		if now.Sub(m.LastSeen) > activeWindowHorizon {
			delete(s.sessions, id)
			continue
		}
		metas = append(metas, m)
	}
	s.mu.Unlock()

	for _, m := range metas {
		s.evaluate(ctx, m, now)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, meta SessionMeta, now time.Time) {
	if !timeOfDayGate(now) {
		return
	}
	snap := s.affectStore.Snapshot()
	if snap.Stamina < staminaFloor {
		return
	}

	profile, err := s.relStore.Get(ctx, meta.SenderID, "")
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", meta.SessionID).Msg("proactive: relationship load failed")
		return
	}

	silence := now.Sub(profile.LastInteractionTime)
	min, max := silenceWindow(meta.IsGroup, profile.Intimacy, now)
	if silence < min || silence > max {
		return
	}

	s.mu.Lock()
	fb := s.feedback[meta.SessionID]
	s.mu.Unlock()

	p := s.probability(profile, silence, fb)
	if s.roll() >= p {
		return
	}

	// TryRun doubles as the per-session lock gate: if the session
	// mutex is held mid-pipeline, this tick skips rather than queueing
	// a proactive run behind a live conversation.
	result, ok := s.orch.TryRun(ctx, orchestrator.Input{
		SessionID:           meta.SessionID,
		SenderID:            meta.SenderID,
		IsGroup:             meta.IsGroup,
		LastInteractionTime: profile.LastInteractionTime,
		IsProactive:         true,
	})
	if !ok || !result.ShouldReply || result.AssistantText == "" {
		return
	}
	text := postProcess(result.AssistantText)
	s.log.Info().Str("session_id", meta.SessionID).Str("text", text).Msg("proactive: fired")
	if s.deliver != nil {
		s.deliver(meta.SessionID, text)
	}
}

func (s *Scheduler) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// timeOfDayGate allows initiating only inside the active windows
// 09–12, 14–17, and 19–22 local time.
func timeOfDayGate(now time.Time) bool {
	h := now.Hour()
	switch {
	case h >= 9 && h < 12:
		return true
	case h >= 14 && h < 17:
		return true
	case h >= 19 && h < 22:
		return true
	default:
		return false
	}
}

func isWeekend(now time.Time) bool {
	d := now.Weekday()
	return d == time.Saturday || d == time.Sunday
}

// silenceWindow returns the per-session-type, per-intimacy-tier band
// of silence durations inside which initiating is allowed, with
// weekend adjustments.
func silenceWindow(isGroup bool, intimacy int, now time.Time) (min, max time.Duration) {
	weekend := isWeekend(now)
	if isGroup {
		min, max = 10*time.Minute, 2*time.Hour
		if weekend {
			min = time.Duration(float64(min) * 0.85)
			max = time.Duration(float64(max) * 1.15)
		}
		return min, max
	}

	switch {
	case intimacy > 70:
		min, max = 5*time.Minute, 120*time.Minute
	case intimacy >= 30:
		min, max = 15*time.Minute, 360*time.Minute
	default:
		min, max = 30*time.Minute, 720*time.Minute
	}
	if weekend {
		min = time.Duration(float64(min) * 0.7)
	}
	return min, max
}

// probability scales a base of 0.3 by relationship factors, a
// silence curve (rises to 6h, plateaus to 12h, decays after), and a
// feedback multiplier, capped to [0.03, 0.85].
func (s *Scheduler) probability(profile relationship.Profile, silence time.Duration, feedback float64) float64 {
	const base = 0.3

	relFactor := (float64(profile.Intimacy) + float64(profile.Familiarity) + float64(profile.Trust) + float64(profile.InterestMatch)) / 400.0

	hours := silence.Hours()
	var silenceCurve float64
	switch {
	case hours <= 6:
		silenceCurve = hours / 6
	case hours <= 12:
		silenceCurve = 1.0
	default:
		silenceCurve = math.Max(0, 1.0-(hours-12)/24)
	}

	feedbackFactor := 1 + 1.5*feedback

	p := base * (0.5 + relFactor) * (0.3 + 0.7*silenceCurve) * feedbackFactor
	return math.Min(0.85, math.Max(0.03, p))
}

// artifactPhrases are stripped from a proactive message before it's
// delivered. The set is intentionally small: phrases an LLM reaches
// for when asked to "say something" out of the blue.
var artifactPhrases = []string{
	"As an AI", "As your AI", "I am an AI", "I'm an AI assistant",
	"Just checking in", "I hope this message finds you well",
}

const maxProactiveRunes = 25

// postProcess strips AI-artifactual phrasing and trims toward the
// persona's short-sentence style.
func postProcess(text string) string {
	out := text
	for _, phrase := range artifactPhrases {
		out = strings.ReplaceAll(out, phrase, "")
	}
	out = strings.TrimSpace(out)
	runes := []rune(out)
	if len(runes) > maxProactiveRunes {
		out = string(runes[:maxProactiveRunes])
	}
	return out
}
