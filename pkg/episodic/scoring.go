// Ranking math for episodic search.
package episodic

import (
	"math"
	"strings"
	"time"
)

// defaultSourceBoosts weights documents by where they came from.
var defaultSourceBoosts = map[string]float64{
	"user_profile":  1.8,
	"chat_history":  1.3,
	"interaction":   1.0,
	"system":        0.9,
}

func sourceBoost(source string, overrides map[string]float64) float64 {
	if overrides != nil {
		if v, ok := overrides[source]; ok {
			return v
		}
	}
	if v, ok := defaultSourceBoosts[source]; ok {
		return v
	}
	return 1.0
}

// timeDecay applies a 96h half-life for the first 24h of age, then a
// 48h half-life after that, floored at 0.2.
func timeDecay(createdAt, now time.Time) float64 {
	deltaHours := now.Sub(createdAt).Hours()
	if deltaHours < 0 {
		deltaHours = 0
	}
	if deltaHours < 24 {
		return math.Max(0.2, math.Pow(0.5, deltaHours/96.0))
	}
	return math.Max(0.2, math.Pow(0.5, deltaHours/48.0))
}

// scoreCandidate combines semantic similarity, time decay, importance,
// source weight, and a keyword bonus into one ranking score.
func scoreCandidate(distance float64, createdAt, now time.Time, importance float64, source, query, text string, sourceOverrides map[string]float64) float64 {
	semantic := 1.0 / (1.0 + distance)
	decay := timeDecay(createdAt, now)
	importanceBoost := 1.0 + importance*0.3
	srcBoost := sourceBoost(source, sourceOverrides)

	score := semantic * decay * importanceBoost * srcBoost
	if query != "" && strings.Contains(strings.ToLower(text), strings.ToLower(query)) {
		score *= 1.1
	}
	return score
}

// cosineSimilarity is used by delete_by_semantic to compare the query
// embedding against each stored candidate embedding.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
