// Package affect implements the process-wide mood model: a small,
// mutex-guarded value type with exponential-moving-average inertia,
// the sole owner of the bot's affect snapshot.
package affect

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is an immutable copy of the affect state at one instant.
type Snapshot struct {
	Valence          float64   `json:"valence"`           // [-1, 1]
	Arousal          float64   `json:"arousal"`           // [0, 1]
	Stress           float64   `json:"stress"`            // [0, 1]
	Fatigue          float64   `json:"fatigue"`           // [0, 1]
	Stamina          float64   `json:"stamina"`           // [0, 100]
	PrimaryEmotion   string    `json:"primary_emotion"`
	SecondaryEmotion string    `json:"secondary_emotion,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Delta is the input to Update: per-field deltas, all optional.
type Delta struct {
	Valence   float64
	Arousal   float64
	Stress    float64
	Fatigue   float64
	Stamina   float64
	Primary   string // new_primary; empty means "derive"
	Secondary string
}

// Store is the single process-wide affect singleton, held by
// reference and passed into every component that needs it.
type Store struct {
	mu   sync.Mutex
	snap Snapshot

	inertia    float64
	persistTo  string
	log        zerolog.Logger
}

// Option configures a new Store.
type Option func(*Store)

// WithPersistPath enables best-effort snapshot persistence to disk so
// the mood survives a process restart.
func WithPersistPath(path string) Option {
	return func(s *Store) { s.persistTo = path }
}

// WithMoodInertia overrides the default inertia of 0.75.
func WithMoodInertia(i float64) Option {
	return func(s *Store) { s.inertia = i }
}

// New constructs a Store at its neutral resting state.
func New(log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		inertia: 0.75,
		log:     log.With().Str("component", "affect").Logger(),
		snap: Snapshot{
			Valence:        0.1,
			Arousal:        0.4,
			Stress:         0.2,
			Fatigue:        0.1,
			Stamina:        100.0,
			PrimaryEmotion: "平静",
			LastUpdated:    time.Now(),
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.persistTo != "" {
		s.loadPersisted()
	}
	return s
}

// Snapshot returns a copy of the current affect state. Lock-free reads
// are not provided: the critical section is short enough that a plain
// mutex never becomes a bottleneck.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Update applies one mood-inertia EMA step. It never fails: every
// field is clamped silently rather than rejected.
func (s *Store) Update(d Delta) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	dv := clamp(d.Valence, -0.4, 0.4)
	da := clamp(d.Arousal, -0.4, 0.4)
	dstr := clamp(d.Stress, -0.2, 0.2)
	dft := clamp(d.Fatigue, -0.2, 0.2)

	targetV := clamp(s.snap.Valence+dv, -1, 1)
	targetA := clamp(s.snap.Arousal+da, 0, 1)
	targetStr := clamp(s.snap.Stress+dstr, 0, 1)
	targetFt := clamp(s.snap.Fatigue+dft, 0, 1)

	i := s.inertia
	s.snap.Valence = s.snap.Valence*i + targetV*(1-i)
	s.snap.Arousal = s.snap.Arousal*i + targetA*(1-i)
	s.snap.Stress = s.snap.Stress*i + targetStr*(1-i)
	s.snap.Fatigue = s.snap.Fatigue*i + targetFt*(1-i)

	s.snap.Stamina = clamp(s.snap.Stamina+d.Stamina, 0, 100)

	if d.Primary != "" {
		s.snap.PrimaryEmotion = d.Primary
	} else {
		s.snap.PrimaryEmotion = deriveEmotionLabel(s.snap.Valence, s.snap.Arousal)
	}
	if d.Secondary != "" {
		s.snap.SecondaryEmotion = d.Secondary
	}
	s.snap.LastUpdated = time.Now()

	s.persist()
	return s.snap
}

// deriveEmotionLabel maps the valence/arousal quadrant onto a label,
// first match wins.
func deriveEmotionLabel(v, a float64) string {
	switch {
	case v > 0.6 && a > 0.6:
		return "兴高采烈"
	case v > 0.3 && a > 0.3:
		return "开心"
	case v > 0.2 && a <= 0.3:
		return "惬意"
	case v < -0.6 && a > 0.6:
		return "愤怒"
	case v < -0.3 && a > 0.3:
		return "烦躁"
	case v < -0.3 && a <= 0.3:
		return "沮丧"
	case math.Abs(v) < 0.2 && a < 0.2:
		return "困倦/发呆"
	default:
		return "平静"
	}
}

func (s *Store) persist() {
	if s.persistTo == "" {
		return
	}
	data, err := json.Marshal(s.snap)
	if err != nil {
		s.log.Warn().Err(err).Msg("affect: marshal snapshot failed")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.persistTo), 0o755); err != nil {
		s.log.Warn().Err(err).Msg("affect: mkdir for snapshot failed")
		return
	}
	if err := os.WriteFile(s.persistTo, data, 0o644); err != nil {
		s.log.Warn().Err(err).Msg("affect: persist snapshot failed")
	}
}

func (s *Store) loadPersisted() {
	data, err := os.ReadFile(s.persistTo)
	if err != nil {
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn().Err(err).Msg("affect: discarding unreadable snapshot")
		return
	}
	s.snap = snap
}
