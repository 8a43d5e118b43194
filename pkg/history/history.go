// Package history implements the short-term history store: a
// per-session message log plus a rolling summary, persisted as one
// JSON document per session under history/<session_id>.json, pruned
// once it exceeds 15 messages.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// MessageType is the closed set of short-term history entry kinds.
type MessageType string

const (
	Human     MessageType = "human"
	Assistant MessageType = "assistant"
	Tool      MessageType = "tool"
)

// Message is one short-term history record. ID is a compact sortable
// identifier assigned on Append; callers constructing a Message
// before persistence may leave it blank.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Extras    map[string]any `json:"extras,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Log is one session's short-term history document.
type Log struct {
	Messages []Message `json:"messages"`
	Summary  string    `json:"summary"`
}

// PruneThreshold and PruneBatch size the prune step: once the log
// exceeds PruneThreshold messages, the oldest PruneBatch are fused
// into the summary and removed.
const (
	PruneThreshold = 15
	PruneBatch     = 10
)

// Summarizer updates a rolling summary from an existing summary and a
// block of now-pruned messages. Callers supply the LLM gateway here;
// kept as an interface so Store has no dependency on llmgateway.
type Summarizer interface {
	Summarize(ctx context.Context, existingSummary string, pruned []Message) (string, error)
}

// MemorySaver is notified once per prune with the full pruned block
// as context (one call per prune, not per message), for potential
// long-term capture.
type MemorySaver interface {
	SaveFromHistory(ctx context.Context, sessionID string, pruned []Message)
}

var sessionIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// sanitizeSessionID maps an arbitrary session id onto a safe file
// name component.
func sanitizeSessionID(sessionID string) string {
	return sessionIDSanitizer.ReplaceAllString(sessionID, "_")
}

// Store owns the per-session JSON documents.
type Store struct {
	dir        string
	summarizer Summarizer
	saver      MemorySaver
	log        zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Store rooted at dir (typically <data root>/history).
func New(dir string, summarizer Summarizer, saver MemorySaver, log zerolog.Logger) *Store {
	return &Store{
		dir:        dir,
		summarizer: summarizer,
		saver:      saver,
		log:        log.With().Str("component", "history").Logger(),
		locks:      map[string]*sync.Mutex{},
	}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sanitizeSessionID(sessionID)+".json")
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Load returns the session's log, or an empty one if none exists yet.
func (s *Store) Load(sessionID string) (Log, error) {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	return s.loadLocked(sessionID)
}

func (s *Store) loadLocked(sessionID string) (Log, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Log{}, nil
		}
		return Log{}, fmt.Errorf("history: read %s: %w", sessionID, err)
	}
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return Log{}, fmt.Errorf("history: corrupt log for %s: %w", sessionID, err)
	}
	return log, nil
}

func (s *Store) saveLocked(sessionID string, log Log) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("history: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	tmp := s.path(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("history: write temp: %w", err)
	}
	return os.Rename(tmp, s.path(sessionID))
}

// Append adds one message to sessionID's log, runs the prune step if
// the threshold is exceeded, then persists. Failures leave the
// on-disk state untouched so the next write retries implicitly.
func (s *Store) Append(ctx context.Context, sessionID string, msg Message) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	log, err := s.loadLocked(sessionID)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ID == "" {
		msg.ID = xid.New().String()
	}
	log.Messages = append(log.Messages, msg)

	if len(log.Messages) > PruneThreshold {
		pruned := append([]Message(nil), log.Messages[:PruneBatch]...)
		log.Messages = log.Messages[PruneBatch:]
		if s.summarizer != nil {
			summary, err := s.summarizer.Summarize(ctx, log.Summary, pruned)
			if err != nil {
				s.log.Warn().Err(err).Str("session_id", sessionID).Msg("history: summarize failed, keeping prior summary")
			} else {
				log.Summary = summary
			}
		}
		if s.saver != nil {
			s.saver.SaveFromHistory(ctx, sessionID, pruned)
		}
	}

	return s.saveLocked(sessionID, log)
}

// Recent returns the last n messages.
func Recent(log Log, n int) []Message {
	if len(log.Messages) <= n {
		return log.Messages
	}
	return log.Messages[len(log.Messages)-n:]
}
