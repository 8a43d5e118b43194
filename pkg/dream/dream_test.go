package dream

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitsune-ai/anima/pkg/affect"
	"github.com/kitsune-ai/anima/pkg/episodic"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Dimensions() int { return 4 }

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

type fixedSummarizer struct {
	text string
	err  error
}

func (f fixedSummarizer) Summarize(context.Context, []string) (string, error) { return f.text, f.err }

func newTestStore(t *testing.T) *episodic.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "episodic.db")
	store, err := episodic.Open(context.Background(), dbPath, "test", fakeEmbedder{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("episodic.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPruneDeletesOnlyOldImportanceOne(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := time.Now().Add(-4 * 24 * time.Hour)
	recent := time.Now()
	if _, err := store.AddTexts(ctx, []string{"old trivial fact"}, []episodic.Metadata{{Importance: 1, CreatedAt: old, Source: "interaction"}}); err != nil {
		t.Fatalf("AddTexts old: %v", err)
	}
	if _, err := store.AddTexts(ctx, []string{"recent trivial fact"}, []episodic.Metadata{{Importance: 1, CreatedAt: recent, Source: "interaction"}}); err != nil {
		t.Fatalf("AddTexts recent: %v", err)
	}
	if _, err := store.AddTexts(ctx, []string{"old important fact"}, []episodic.Metadata{{Importance: 5, CreatedAt: old, Source: "interaction"}}); err != nil {
		t.Fatalf("AddTexts important: %v", err)
	}

	c := New(store, affect.New(zerolog.Nop()), fixedSummarizer{}, "", func() time.Time { return time.Now().Add(-time.Hour) }, zerolog.Nop())
	n, err := c.prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 pruned, got %d", n)
	}

	remaining, err := store.SearchByKeyword(ctx, "fact", 10)
	if err != nil {
		t.Fatalf("SearchByKeyword: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 surviving documents, got %d: %v", len(remaining), remaining)
	}
}

func TestConsolidateSkipsBelowMinBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < consolidateMinBatch-1; i++ {
		// Texts must differ: IDs are content-derived, so identical
		// texts collapse into one row on re-insert.
		if _, err := store.AddTexts(ctx, []string{fmt.Sprintf("fragment %d", i)}, []episodic.Metadata{{Importance: 2, CreatedAt: time.Now(), Source: "interaction"}}); err != nil {
			t.Fatalf("AddTexts: %v", err)
		}
	}

	c := New(store, affect.New(zerolog.Nop()), fixedSummarizer{text: "a merged fact"}, "", nil, zerolog.Nop())
	did, err := c.consolidate(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if did {
		t.Fatalf("expected no consolidation below min batch size")
	}
}

func TestConsolidateMergesAndDeletesFragments(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < consolidateMinBatch+1; i++ {
		if _, err := store.AddTexts(ctx, []string{fmt.Sprintf("fragment %d about the user's day", i)}, []episodic.Metadata{{Importance: 3, CreatedAt: time.Now(), Source: "interaction"}}); err != nil {
			t.Fatalf("AddTexts: %v", err)
		}
	}

	c := New(store, affect.New(zerolog.Nop()), fixedSummarizer{text: "the user had a busy day"}, "", nil, zerolog.Nop())
	did, err := c.consolidate(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if !did {
		t.Fatalf("expected consolidation to occur")
	}

	remaining, err := store.CollectForConsolidation(ctx, []float64{2, 3}, consolidateMaxAge)
	if err != nil {
		t.Fatalf("CollectForConsolidation: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected source fragments deleted, found %d", len(remaining))
	}
}

func TestConsolidateSkipsOnLiteralSkip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i := 0; i < consolidateMinBatch+1; i++ {
		if _, err := store.AddTexts(ctx, []string{fmt.Sprintf("trivial chatter %d", i)}, []episodic.Metadata{{Importance: 2, CreatedAt: time.Now(), Source: "interaction"}}); err != nil {
			t.Fatalf("AddTexts: %v", err)
		}
	}

	c := New(store, affect.New(zerolog.Nop()), fixedSummarizer{text: "SKIP"}, "", nil, zerolog.Nop())
	did, err := c.consolidate(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if did {
		t.Fatalf("expected SKIP response to suppress consolidation")
	}

	remaining, err := store.CollectForConsolidation(ctx, []float64{2, 3}, consolidateMaxAge)
	if err != nil {
		t.Fatalf("CollectForConsolidation: %v", err)
	}
	if len(remaining) != consolidateMinBatch+1 {
		t.Fatalf("expected fragments untouched, got %d", len(remaining))
	}
}

func TestAcquireLockExclusivity(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "dream.lock")
	c1 := New(nil, nil, nil, lockPath, nil, zerolog.Nop())
	c2 := New(nil, nil, nil, lockPath, nil, zerolog.Nop())

	unlock, ok := c1.acquireLock()
	if !ok {
		t.Fatalf("expected first lock acquisition to succeed")
	}
	if _, ok := c2.acquireLock(); ok {
		t.Fatalf("expected second lock acquisition to fail while held")
	}
	unlock()
	if unlock2, ok := c2.acquireLock(); !ok {
		t.Fatalf("expected lock to be acquirable after release")
	} else {
		unlock2()
	}
}

func TestTickSkipsDuringQuietPeriod(t *testing.T) {
	store := newTestStore(t)
	c := New(store, affect.New(zerolog.Nop()), fixedSummarizer{}, "", func() time.Time { return time.Now() }, zerolog.Nop())
	c.tick(context.Background())
}
