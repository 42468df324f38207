package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trtllm-go/runtime/sampling"
)

// fixedLogits returns a logits row with every mass on `favored`.
func fixedLogits(vocab int, favored int32) []float32 {
	row := make([]float32, vocab)
	row[favored] = 100
	return row
}

func TestDecoder_GreedyStopsOnEndID(t *testing.T) {
	d := NewDecoder(32, 16)
	err := d.Setup(Request{
		InputIDs:     []int32{1, 2, 3},
		MaxNewTokens: 5,
		EndID:        9,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.BeamWidth())

	out := d.ForwardAsync(Input{Logits: [][]float32{fixedLogits(16, 7)}})
	assert.Equal(t, []int32{7}, out.NewTokens)
	assert.False(t, out.Finished)

	out = d.ForwardAsync(Input{Logits: [][]float32{fixedLogits(16, 9)}})
	assert.Equal(t, []int32{9}, out.NewTokens)
	assert.True(t, out.Finished)
	assert.True(t, d.Finished())

	assert.Equal(t, []int32{1, 2, 3, 7, 9}, d.History(0))
}

func TestDecoder_GreedyStopsOnMaxNewTokens(t *testing.T) {
	d := NewDecoder(32, 16)
	require.NoError(t, d.Setup(Request{
		InputIDs:     []int32{1},
		MaxNewTokens: 3,
		EndID:        -1,
	}))

	for i := 0; i < 2; i++ {
		out := d.ForwardAsync(Input{Logits: [][]float32{fixedLogits(16, 4)}})
		assert.False(t, out.Finished)
	}
	out := d.ForwardAsync(Input{Logits: [][]float32{fixedLogits(16, 4)}})
	assert.True(t, out.Finished)
	assert.Len(t, d.History(0), 4) // 1 prompt token + 3 generated
}

func TestDecoder_BeamSearchTracksBeamWidth(t *testing.T) {
	d := NewDecoder(32, 16)
	require.NoError(t, d.Setup(Request{
		InputIDs:     []int32{1, 2},
		MaxNewTokens: 4,
		EndID:        15,
		SamplingConfig: sampling.Config{
			BeamWidth: 3,
		},
	}))
	assert.Equal(t, 3, d.BeamWidth())

	logits := make([][]float32, 3)
	for b := range logits {
		logits[b] = fixedLogits(16, int32(5+b))
	}

	var out Output
	for step := 0; step < 4 && !out.Finished; step++ {
		out = d.ForwardAsync(Input{Logits: logits})
		assert.Len(t, out.NewTokens, 3)
	}

	final := d.GatherTree()
	assert.GreaterOrEqual(t, len(final), 2)
}

func TestDecoder_BeamSearchRetiresOnEndID(t *testing.T) {
	d := NewDecoder(32, 16)
	require.NoError(t, d.Setup(Request{
		InputIDs:     []int32{1},
		MaxNewTokens: 6,
		EndID:        3,
		SamplingConfig: sampling.Config{
			BeamWidth: 2,
		},
	}))

	logits := [][]float32{fixedLogits(16, 3), fixedLogits(16, 3)}

	var out Output
	for step := 0; step < 6 && !out.Finished; step++ {
		out = d.ForwardAsync(Input{Logits: logits})
	}
	assert.True(t, d.Finished())

	final := d.GatherTree()
	assert.NotEmpty(t, final)
	assert.Equal(t, int32(3), final[0][len(final[0])-1])
}
