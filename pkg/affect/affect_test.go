package affect

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestUpdateClampsRanges(t *testing.T) {
	s := New(zerolog.Nop())
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		s.Update(Delta{
			Valence: rng.Float64()*4 - 2,
			Arousal: rng.Float64()*4 - 2,
			Stress:  rng.Float64()*4 - 2,
			Fatigue: rng.Float64()*4 - 2,
			Stamina: rng.Float64()*400 - 200,
		})
	}
	snap := s.Snapshot()
	if snap.Valence < -1 || snap.Valence > 1 {
		t.Fatalf("valence out of range: %v", snap.Valence)
	}
	if snap.Arousal < 0 || snap.Arousal > 1 {
		t.Fatalf("arousal out of range: %v", snap.Arousal)
	}
	if snap.Stress < 0 || snap.Stress > 1 {
		t.Fatalf("stress out of range: %v", snap.Stress)
	}
	if snap.Fatigue < 0 || snap.Fatigue > 1 {
		t.Fatalf("fatigue out of range: %v", snap.Fatigue)
	}
	if snap.Stamina < 0 || snap.Stamina > 100 {
		t.Fatalf("stamina out of range: %v", snap.Stamina)
	}
}

func TestUpdateConcurrentNeverPanics(t *testing.T) {
	s := New(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Update(Delta{Valence: 0.1, Arousal: 0.1})
			}
		}(i)
	}
	wg.Wait()
	snap := s.Snapshot()
	if snap.Valence < -1 || snap.Valence > 1 {
		t.Fatalf("valence out of range after concurrent updates: %v", snap.Valence)
	}
}

func TestDeriveEmotionLabel(t *testing.T) {
	cases := []struct {
		v, a  float64
		label string
	}{
		{0.7, 0.7, "兴高采烈"},
		{0.4, 0.4, "开心"},
		{0.25, 0.1, "惬意"},
		{-0.7, 0.7, "愤怒"},
		{-0.4, 0.4, "烦躁"},
		{-0.4, 0.1, "沮丧"},
		{0.05, 0.05, "困倦/发呆"},
		{0.0, 0.5, "平静"},
	}
	for _, c := range cases {
		if got := deriveEmotionLabel(c.v, c.a); got != c.label {
			t.Errorf("deriveEmotionLabel(%v, %v) = %q, want %q", c.v, c.a, got, c.label)
		}
	}
}

func TestExplicitPrimaryOverridesDerivation(t *testing.T) {
	s := New(zerolog.Nop())
	snap := s.Update(Delta{Primary: "custom_label"})
	if snap.PrimaryEmotion != "custom_label" {
		t.Fatalf("expected explicit primary to win, got %q", snap.PrimaryEmotion)
	}
}

func TestLastUpdatedMonotonic(t *testing.T) {
	s := New(zerolog.Nop())
	prev := s.Snapshot().LastUpdated
	for i := 0; i < 5; i++ {
		snap := s.Update(Delta{Valence: 0.01})
		if snap.LastUpdated.Before(prev) {
			t.Fatalf("last_updated went backwards")
		}
		prev = snap.LastUpdated
	}
}
