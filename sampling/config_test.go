package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractForSlot_BroadcastOfOne(t *testing.T) {
	batch := BatchConfig{
		BeamWidth:   2,
		Temperature: []float32{0.8},
		TopK:        []int32{40},
	}

	for slot := 0; slot < 3; slot++ {
		cfg, err := ExtractForSlot(batch, slot)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.BeamWidth)

		temp, ok := cfg.Temperature.Get()
		assert.True(t, ok)
		assert.Equal(t, float32(0.8), temp)

		topK, ok := cfg.TopK.Get()
		assert.True(t, ok)
		assert.Equal(t, int32(40), topK)
	}
}

func TestExtractForSlot_PerSlot(t *testing.T) {
	batch := BatchConfig{
		Temperature: []float32{0.1, 0.5, 0.9},
	}

	for slot, want := range []float32{0.1, 0.5, 0.9} {
		cfg, err := ExtractForSlot(batch, slot)
		require.NoError(t, err)
		got, ok := cfg.Temperature.Get()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestExtractForSlot_Unset(t *testing.T) {
	cfg, err := ExtractForSlot(BatchConfig{}, 0)
	require.NoError(t, err)

	_, ok := cfg.Temperature.Get()
	assert.False(t, ok)
	assert.Equal(t, float32(1.5), cfg.Temperature.GetOr(1.5))
}

func TestExtractForSlot_ConflictingLength(t *testing.T) {
	batch := BatchConfig{
		Temperature: []float32{0.1, 0.5}, // length 2, but slot 2 requested
	}

	_, err := ExtractForSlot(batch, 2)
	require.Error(t, err)

	var conflict ErrConfigConflict
	assert.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.Len)
	assert.Equal(t, 2, conflict.BatchIdx)
}
