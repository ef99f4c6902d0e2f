package broker

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickWeightedSingleCandidate(t *testing.T) {
	candidates := []Candidate{{ID: "a", Weight: 5}}
	assert.Equal(t, 0, pickWeighted(candidates, 0))
	assert.Equal(t, 0, pickWeighted(candidates, 0.999))
}

func TestPickWeightedBoundaries(t *testing.T) {
	candidates := []Candidate{
		{ID: "a", Weight: 1},
		{ID: "b", Weight: 3},
	}
	// Total weight 4: draws below 0.25 land on a, the rest on b.
	assert.Equal(t, 0, pickWeighted(candidates, 0))
	assert.Equal(t, 0, pickWeighted(candidates, 0.24))
	assert.Equal(t, 1, pickWeighted(candidates, 0.25))
	assert.Equal(t, 1, pickWeighted(candidates, 0.99))
}

func TestPickWeightedProportions(t *testing.T) {
	candidates := []Candidate{
		{ID: "a", Weight: 1},
		{ID: "b", Weight: 1},
		{ID: "c", Weight: 2},
	}
	rnd := rand.New(rand.NewSource(42))
	counts := make(map[string]int)
	const draws = 40000
	for i := 0; i < draws; i++ {
		counts[candidates[pickWeighted(candidates, rnd.Float64())].ID]++
	}

	require.Equal(t, draws, counts["a"]+counts["b"]+counts["c"])
	// c carries half the weight; a and b a quarter each. Allow 2% slack.
	assert.InDelta(t, draws/4, counts["a"], float64(draws)*0.02)
	assert.InDelta(t, draws/4, counts["b"], float64(draws)*0.02)
	assert.InDelta(t, draws/2, counts["c"], float64(draws)*0.02)
}

func TestPickWeightedNeverStarves(t *testing.T) {
	candidates := []Candidate{
		{ID: "light", Weight: 1},
		{ID: "heavy", Weight: 99},
	}
	rnd := rand.New(rand.NewSource(7))
	seen := make(map[string]bool)
	for i := 0; i < 5000; i++ {
		seen[candidates[pickWeighted(candidates, rnd.Float64())].ID] = true
	}
	assert.True(t, seen["light"], "low-weight tenants must still be drawn")
	assert.True(t, seen["heavy"])
}
