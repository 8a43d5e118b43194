package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

type fakeSummarizer struct{ calls int }

func (f *fakeSummarizer) Summarize(ctx context.Context, existing string, pruned []Message) (string, error) {
	f.calls++
	return existing + "+updated", nil
}

type fakeSaver struct {
	blocks [][]Message
}

func (f *fakeSaver) SaveFromHistory(ctx context.Context, sessionID string, pruned []Message) {
	f.blocks = append(f.blocks, pruned)
}

func newTestStore(t *testing.T, summarizer Summarizer, saver MemorySaver) *Store {
	t.Helper()
	return New(t.TempDir(), summarizer, saver, zerolog.Nop())
}

func TestAppendPersistsAndReloads(t *testing.T) {
	s := newTestStore(t, nil, nil)
	ctx := context.Background()
	if err := s.Append(ctx, "sess1", Message{Type: Human, Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	log, err := s.Load("sess1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(log.Messages) != 1 || log.Messages[0].Content != "hi" {
		t.Fatalf("unexpected log: %+v", log)
	}
}

func TestAppendPrunesAtThreshold(t *testing.T) {
	sum := &fakeSummarizer{}
	saver := &fakeSaver{}
	s := newTestStore(t, sum, saver)
	ctx := context.Background()

	for i := 0; i < PruneThreshold+1; i++ {
		if err := s.Append(ctx, "sess1", Message{Type: Human, Content: "m"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	log, err := s.Load("sess1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(log.Messages) != PruneThreshold+1-PruneBatch {
		t.Fatalf("expected %d remaining messages, got %d", PruneThreshold+1-PruneBatch, len(log.Messages))
	}
	if sum.calls != 1 {
		t.Fatalf("expected summarizer called once, got %d", sum.calls)
	}
	if len(saver.blocks) != 1 || len(saver.blocks[0]) != PruneBatch {
		t.Fatalf("expected one memory-saver block of %d messages, got %+v", PruneBatch, saver.blocks)
	}
	if log.Summary == "" {
		t.Fatalf("expected summary to be updated")
	}
}

func TestRecentWindow(t *testing.T) {
	log := Log{}
	for i := 0; i < 20; i++ {
		log.Messages = append(log.Messages, Message{Content: string(rune('a' + i))})
	}
	recent := Recent(log, 10)
	if len(recent) != 10 {
		t.Fatalf("expected 10, got %d", len(recent))
	}
	if recent[0].Content != log.Messages[10].Content {
		t.Fatalf("expected window to start at index 10")
	}
}

func TestSanitizeSessionIDProducesSafeFileName(t *testing.T) {
	s := newTestStore(t, nil, nil)
	ctx := context.Background()
	if err := s.Append(ctx, "group/123:weird id", Message{Type: Human, Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := s.path("group/123:weird id")
	if filepath.Dir(path) != s.dir {
		t.Fatalf("expected path under store dir, got %s", path)
	}
}
