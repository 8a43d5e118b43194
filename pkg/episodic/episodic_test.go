package episodic

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeEmbedder deterministically maps a handful of keywords onto axes
// of a small fixed-size vector space, so similarity search behaves
// predictably in tests without a network call.
type fakeEmbedder struct {
	dims int
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.embedOne(t)
	}
	return out, nil
}

func (f *fakeEmbedder) embedOne(text string) []float32 {
	v := make([]float32, f.dims)
	lower := strings.ToLower(text)
	axes := []string{"cat", "dog", "pizza", "space", "music", "rain", "code", "ocean"}
	for i, a := range axes {
		if i >= f.dims {
			break
		}
		if strings.Contains(lower, a) {
			v[i] = 1.0
		}
	}
	// small baseline so the zero vector never appears
	for i := range v {
		v[i] += 0.01
	}
	return v
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "episodic.db"), "test", &fakeEmbedder{dims: 8}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddTextsAndSearchRanksRelevant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTexts(ctx, []string{
		"I really love my cat, she sleeps all day",
		"Rockets and the ocean have nothing in common",
		"Pizza night is the best night of the week",
	}, nil)
	if err != nil {
		t.Fatalf("AddTexts: %v", err)
	}

	results, err := s.Search(ctx, "tell me about your cat", 2, nil, nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	if !strings.Contains(results[0], "cat") {
		t.Errorf("expected top result to mention cat, got %q", results[0])
	}
}

func TestSearchFiltersByCategoryAndImportance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTexts(ctx, []string{"low importance cat fact", "high importance cat fact"}, []Metadata{
		{Category: "trivia", Importance: 0.1, Source: "system", CreatedAt: time.Now()},
		{Category: "profile", Importance: 0.9, Source: "user_profile", CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("AddTexts: %v", err)
	}

	results, err := s.Search(ctx, "cat fact", 5, []string{"profile"}, nil, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if strings.Contains(r, "low importance") {
			t.Errorf("expected low-importance/wrong-category doc to be filtered out, got %q", r)
		}
	}
}

func TestDeleteBySemanticRemovesSimilarEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTexts(ctx, []string{"I love my cat", "my cat is wonderful", "pizza is great"}, nil)
	if err != nil {
		t.Fatalf("AddTexts: %v", err)
	}

	n, err := s.DeleteBySemantic(ctx, "cat", 0.3)
	if err != nil {
		t.Fatalf("DeleteBySemantic: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one cat-related entry deleted")
	}

	remaining, err := s.Search(ctx, "pizza", 5, nil, nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range remaining {
		if strings.Contains(r, "cat") {
			t.Errorf("expected cat entries purged, still found %q", r)
		}
	}
}

func TestDeleteAndClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.AddTexts(ctx, []string{"alpha", "beta"}, nil)
	if err != nil {
		t.Fatalf("AddTexts: %v", err)
	}
	if err := s.Delete(ctx, ids[:1]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	res, err := s.Search(ctx, "alpha", 5, nil, nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range res {
		if r == "alpha" {
			t.Errorf("expected alpha deleted")
		}
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	res, err = s.Search(ctx, "beta", 5, nil, nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 0 {
		t.Errorf("expected empty store after ClearAll, got %v", res)
	}
}

func TestSearchByKeyword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddTexts(ctx, []string{"the music was loud", "rain fell all night", "nothing relevant here"}, nil)
	if err != nil {
		t.Fatalf("AddTexts: %v", err)
	}

	results, err := s.SearchByKeyword(ctx, "rain", 5)
	if err != nil {
		t.Fatalf("SearchByKeyword: %v", err)
	}
	if len(results) != 1 || !strings.Contains(results[0], "rain") {
		t.Fatalf("expected exactly the rain document, got %v", results)
	}
}

func TestTimeDecayMonotonicWithAge(t *testing.T) {
	now := time.Now()
	fresh := timeDecay(now.Add(-1*time.Hour), now)
	old := timeDecay(now.Add(-100*time.Hour), now)
	if old > fresh {
		t.Errorf("expected decay to drop with age: fresh=%v old=%v", fresh, old)
	}
	if old < 0.2-1e-9 {
		t.Errorf("expected decay floor at 0.2, got %v", old)
	}
}

func TestScoreCandidateKeywordBonus(t *testing.T) {
	now := time.Now()
	withKeyword := scoreCandidate(0.1, now, now, 1, "interaction", "cat", "I love my cat", nil)
	withoutKeyword := scoreCandidate(0.1, now, now, 1, "interaction", "cat", "I love dogs", nil)
	if withKeyword <= withoutKeyword {
		t.Errorf("expected keyword bonus to increase score: with=%v without=%v", withKeyword, withoutKeyword)
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{1, 2, 3}
	sim := cosineSimilarity(v, v)
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("expected cosine similarity of identical vectors to be 1.0, got %v", sim)
	}
}

func TestAddTextsPersistsConsolidatedFromCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTexts(ctx, []string{"merged cat facts"}, []Metadata{
		{Source: "dream_consolidation", Importance: 4, CreatedAt: time.Now(), ConsolidatedFromCount: 6},
	})
	if err != nil {
		t.Fatalf("AddTexts: %v", err)
	}

	candidates, err := s.searchCandidates(ctx, "cat", 5)
	if err != nil {
		t.Fatalf("searchCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if got := candidates[0].doc.Meta.ConsolidatedFromCount; got != 6 {
		t.Errorf("consolidated_from_count = %d, want 6", got)
	}
}

func TestCleanupPrunesAgedEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTexts(ctx, []string{"ancient memory"}, []Metadata{
		{Source: "interaction", Importance: 1, CreatedAt: time.Now().Add(-40 * 24 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("AddTexts: %v", err)
	}
	if err := s.Cleanup(ctx, 30*24*time.Hour); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	res, err := s.Search(ctx, "ancient", 5, nil, nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 0 {
		t.Errorf("expected aged-out memory pruned, got %v", res)
	}
}
