package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampler_GreedyIsDeterministic(t *testing.T) {
	logits := []float32{0.1, 5.0, -2.0, 3.0}
	s := NewSampler(Config{})

	tok, _ := s.Sample(logits, nil, -1)
	assert.Equal(t, int32(1), tok)

	// Repeated calls on the same logits must pick the same token.
	for i := 0; i < 5; i++ {
		tok2, _ := s.Sample(logits, nil, -1)
		assert.Equal(t, tok, tok2)
	}
}

func TestSampler_ZeroTemperatureIsGreedy(t *testing.T) {
	logits := []float32{1, 2, 9, 3}
	s := NewSampler(Config{Temperature: Some(float32(0))})
	tok, _ := s.Sample(logits, nil, -1)
	assert.Equal(t, int32(2), tok)
}

func TestSampler_SeededSamplingIsReproducible(t *testing.T) {
	logits := make([]float32, 16)
	for i := range logits {
		logits[i] = float32(i)
	}

	cfg := Config{
		Temperature: Some(float32(1.0)),
		TopK:        Some(int32(4)),
		RandomSeed:  Some(uint64(42)),
	}

	a := NewSampler(cfg)
	b := NewSampler(cfg)

	for i := 0; i < 10; i++ {
		tokA, _ := a.Sample(logits, nil, -1)
		tokB, _ := b.Sample(logits, nil, -1)
		assert.Equal(t, tokA, tokB)
	}
}

func TestSampler_TopKRestrictsSupport(t *testing.T) {
	logits := []float32{10, 0, 0, 0, 9, 0}
	cfg := Config{
		Temperature: Some(float32(1.0)),
		TopK:        Some(int32(2)),
		RandomSeed:  Some(uint64(7)),
	}
	s := NewSampler(cfg)

	seen := map[int32]bool{}
	for i := 0; i < 50; i++ {
		tok, _ := s.Sample(logits, nil, -1)
		seen[tok] = true
	}

	for tok := range seen {
		assert.Contains(t, []int32{0, 4}, tok, "top-2 sampling drew outside the shortlist")
	}
}

func TestSampler_RepetitionPenaltyDiscouragesRepeat(t *testing.T) {
	logits := []float32{5, 4.9, 0, 0}
	s := NewSampler(Config{RepetitionPenalty: Some(float32(2.0))})

	tok, _ := s.Sample(logits, []int32{0}, -1)
	assert.Equal(t, int32(1), tok, "token 0 already appeared, so its halved logit should lose to token 1")
}

func TestSampler_MinLengthBlocksEndID(t *testing.T) {
	logits := []float32{1, 1, 1, 100}
	s := NewSampler(Config{MinLength: Some(int32(3))})

	tok, _ := s.Sample(logits, []int32{7}, 3) // history shorter than MinLength
	assert.NotEqual(t, int32(3), tok)
}
