package relationship

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is the durable, per-user relationship store. Each user's
// Profile is serialized as JSON in a single row; the four scored
// dimensions are also broken out into their own columns so they can
// be queried/indexed without deserializing the blob.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// locks guards per-user serialization (single writer per user_id);
	// identityMu is the one global critical section protecting the
	// lock table itself.
	identityMu sync.Mutex
	locks      map[string]*sync.Mutex

	dataDir string
}

// Open creates/migrates the SQLite-backed store at dbPath.
func Open(ctx context.Context, dbPath string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("relationship: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("relationship: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline

	s := &Store{
		db:      db,
		log:     log.With().Str("component", "relationship").Logger(),
		locks:   make(map[string]*sync.Mutex),
		dataDir: filepath.Dir(dbPath),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	s.migrateLegacyJSON(ctx)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	intimacy INTEGER NOT NULL DEFAULT 60,
	familiarity INTEGER NOT NULL DEFAULT 10,
	trust INTEGER NOT NULL DEFAULT 50,
	interest_match INTEGER NOT NULL DEFAULT 50,
	last_interaction_time TIMESTAMP NOT NULL,
	data BLOB NOT NULL
);`)
	return err
}

func (s *Store) lockFor(userID string) *sync.Mutex {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *Store) loadRow(ctx context.Context, userID string) (Profile, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, false, nil
		}
		return Profile{}, false, err
	}
	var p Profile
	if err := json.Unmarshal(blob, &p); err != nil {
		return Profile{}, false, fmt.Errorf("relationship: corrupt row for %s: %w", userID, err)
	}
	return p, true, nil
}

func (s *Store) saveRow(ctx context.Context, p Profile) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("relationship: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO profiles (user_id, name, intimacy, familiarity, trust, interest_match, last_interaction_time, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	name=excluded.name, intimacy=excluded.intimacy, familiarity=excluded.familiarity,
	trust=excluded.trust, interest_match=excluded.interest_match,
	last_interaction_time=excluded.last_interaction_time, data=excluded.data`,
		p.UserID, p.Name, p.Intimacy, p.Familiarity, p.Trust, p.InterestMatch, p.LastInteractionTime, blob)
	return err
}

// Get returns the user's profile, auto-creating it on first contact and
// refreshing the display name if currentName is non-empty.
func (s *Store) Get(ctx context.Context, userID, currentName string) (Profile, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	p, ok, err := s.loadRow(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		p = newProfile(userID, currentName)
		if err := s.saveRow(ctx, p); err != nil {
			return Profile{}, err
		}
		return p, nil
	}
	if currentName != "" && currentName != p.Name {
		p.Name = currentName
		if err := s.saveRow(ctx, p); err != nil {
			return Profile{}, err
		}
	}
	return p, nil
}

// UpdateDimensions applies a delta to the four scored dimensions,
// clamping each to [0,100], and persists atomically. A persistence
// error is returned to the caller and the in-memory (already clamped)
// copy is not considered committed.
func (s *Store) UpdateDimensions(ctx context.Context, userID string, d DimensionDelta) (Profile, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	p, ok, err := s.loadRow(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		p = newProfile(userID, "")
	}
	applyDimensionDelta(&p, d)
	p.LastInteractionTime = time.Now()
	if err := s.saveRow(ctx, p); err != nil {
		return Profile{}, fmt.Errorf("relationship: update_dimensions persist: %w", err)
	}
	return p, nil
}

// AddMemoryPoint appends a weighted memory point, computing weight from
// content length, the user's interaction count so far, and recency
// rank (1 = most recent existing point).
func (s *Store) AddMemoryPoint(ctx context.Context, userID, category, content string, interactions int) (Profile, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	p, ok, err := s.loadRow(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		p = newProfile(userID, "")
	}
	weight := computeMemoryPointWeight(content, interactions, 1)
	p.MemoryPoints = append(p.MemoryPoints, MemoryPoint{
		Category:  category,
		Content:   content,
		Weight:    weight,
		CreatedAt: time.Now(),
	})
	if err := s.saveRow(ctx, p); err != nil {
		return Profile{}, fmt.Errorf("relationship: add_memory_point persist: %w", err)
	}
	return p, nil
}

// AddExpressionHabit inserts or updates a habit by string, overwriting
// confidence on re-insert (dedup key is the habit text).
func (s *Store) AddExpressionHabit(ctx context.Context, userID, habit string, confidence float64) (Profile, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	p, ok, err := s.loadRow(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		p = newProfile(userID, "")
	}
	found := false
	for i := range p.ExpressionHabits {
		if p.ExpressionHabits[i].Habit == habit {
			p.ExpressionHabits[i].Confidence = confidence
			found = true
			break
		}
	}
	if !found {
		p.ExpressionHabits = append(p.ExpressionHabits, ExpressionHabit{Habit: habit, Confidence: confidence})
	}
	if err := s.saveRow(ctx, p); err != nil {
		return Profile{}, fmt.Errorf("relationship: add_expression_habit persist: %w", err)
	}
	return p, nil
}

// AddGroupNickname records the nickname this user is addressed by in a
// given group/session.
func (s *Store) AddGroupNickname(ctx context.Context, userID, groupID, nickname string) (Profile, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	p, ok, err := s.loadRow(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		p = newProfile(userID, "")
	}
	if p.GroupNicknames == nil {
		p.GroupNicknames = map[string]string{}
	}
	p.GroupNicknames[groupID] = nickname
	if err := s.saveRow(ctx, p); err != nil {
		return Profile{}, fmt.Errorf("relationship: add_group_nickname persist: %w", err)
	}
	return p, nil
}

// AddSentiment appends a sentiment observation, trimming the ring to
// SentimentRingCap entries.
func (s *Store) AddSentiment(ctx context.Context, userID, sentiment string, intensity float64) (Profile, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	p, ok, err := s.loadRow(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		p = newProfile(userID, "")
	}
	appendSentiment(&p, SentimentPoint{Timestamp: time.Now(), Sentiment: sentiment, Intensity: intensity})
	if err := s.saveRow(ctx, p); err != nil {
		return Profile{}, fmt.Errorf("relationship: add_sentiment persist: %w", err)
	}
	return p, nil
}

// SetTopics replaces the favorite/avoid topic sets wholesale.
func (s *Store) SetTopics(ctx context.Context, userID string, favorite, avoid []string) (Profile, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	p, ok, err := s.loadRow(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		p = newProfile(userID, "")
	}
	p.FavoriteTopics = favorite
	p.AvoidTopics = avoid
	if err := s.saveRow(ctx, p); err != nil {
		return Profile{}, fmt.Errorf("relationship: set_topics persist: %w", err)
	}
	return p, nil
}

// GetRandomMemoryPoints samples up to n memory points, optionally
// filtered by category, biased toward higher-weight points: it takes
// the heavier half of the filtered set and samples uniformly within
// it, so weight influences selection without making it deterministic.
func (s *Store) GetRandomMemoryPoints(ctx context.Context, userID string, category string, n int) ([]MemoryPoint, error) {
	l := s.lockFor(userID)
	l.Lock()
	p, ok, err := s.loadRow(ctx, userID)
	l.Unlock()
	if err != nil || !ok {
		return nil, err
	}

	var filtered []MemoryPoint
	for _, mp := range p.MemoryPoints {
		if category == "" || mp.Category == category {
			filtered = append(filtered, mp)
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}
	ranked := sortMemoryPointsByWeight(filtered)
	pool := ranked[:maxInt(1, len(ranked)/2+len(ranked)%2)]
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	return pool[:n], nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// legacyProfile is the shape of the pre-SQLite user_profiles.json,
// used only by migrateLegacyJSON.
type legacyProfile struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Intimacy int    `json:"intimacy"`
}

// migrateLegacyJSON imports <data_dir>/user_profiles.json once,
// guarded by a migration_complete.txt marker file.
func (s *Store) migrateLegacyJSON(ctx context.Context) {
	markerPath := filepath.Join(s.dataDir, "migration_complete.txt")
	if _, err := os.Stat(markerPath); err == nil {
		return // already migrated
	}
	jsonPath := filepath.Join(s.dataDir, "user_profiles.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return // nothing to migrate
	}
	var legacy map[string]legacyProfile
	if err := json.Unmarshal(data, &legacy); err != nil {
		s.log.Warn().Err(err).Msg("relationship: legacy user_profiles.json unreadable, skipping migration")
		return
	}
	for userID, lp := range legacy {
		p := newProfile(userID, lp.Name)
		p.Intimacy = clampInt(lp.Intimacy, 0, 100)
		if err := s.saveRow(ctx, p); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("relationship: legacy migration row failed")
		}
	}
	if err := os.WriteFile(markerPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		s.log.Warn().Err(err).Msg("relationship: failed to write migration marker")
	}
	s.log.Info().Int("count", len(legacy)).Msg("relationship: migrated legacy profiles")
}
