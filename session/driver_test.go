package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trtllm-go/runtime/ml"
	"github.com/trtllm-go/runtime/refengine"
)

func newTestDriver(t *testing.T, cfg Config) *Driver {
	backend := refengine.NewBackend(ml.Descriptor{NumLayers: 1, NumHeads: 1, NumKVHeads: 1, HeadSize: 2, VocabSize: 16})
	d, err := NewDriver(backend, cfg)
	require.NoError(t, err)
	return d
}

func TestDriver_GenerateStopsOnMaxNewTokens(t *testing.T) {
	d := newTestDriver(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 32})

	var tokensSeen []int32
	res, err := d.Generate(context.Background(), Request{
		InputIDs:     []int32{2},
		MaxNewTokens: 3,
		EndID:        -1,
		OnToken: func(outputIDs []int32, step int, finished bool) {
			tokensSeen = append(tokensSeen, outputIDs...)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{2, 6, 3, 7}, res.OutputIDs)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, []int32{6, 3, 7}, tokensSeen)
}

func TestDriver_GenerateStopsOnEndID(t *testing.T) {
	d := newTestDriver(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 32})

	res, err := d.Generate(context.Background(), Request{
		InputIDs:     []int32{2},
		MaxNewTokens: 5,
		EndID:        6, // the deterministic model's first continuation from token 2
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{2, 6}, res.OutputIDs)
	assert.Equal(t, 1, res.Steps)
}

func TestDriver_GenerateBatchRunsRequestsToIndependentCompletion(t *testing.T) {
	d := newTestDriver(t, Config{MaxBatchSize: 2, MaxBeamWidth: 1, MaxSeqLen: 32})

	results, err := d.GenerateBatch(context.Background(), []Request{
		{InputIDs: []int32{2}, MaxNewTokens: 5, EndID: 6},  // finishes in 1 step
		{InputIDs: []int32{2}, MaxNewTokens: 3, EndID: -1}, // runs the full 3 steps
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []int32{2, 6}, results[0].OutputIDs)
	assert.Equal(t, 1, results[0].Steps)

	assert.Equal(t, []int32{2, 6, 3, 7}, results[1].OutputIDs)
	assert.Equal(t, 3, results[1].Steps)
}

func TestDriver_GenerateBatchRejectsMoreRequestsThanSlots(t *testing.T) {
	d := newTestDriver(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 32})

	_, err := d.GenerateBatch(context.Background(), []Request{
		{InputIDs: []int32{1}, MaxNewTokens: 1, EndID: -1},
		{InputIDs: []int32{2}, MaxNewTokens: 1, EndID: -1},
	})
	assert.Error(t, err)
}

func TestDriver_ConcurrentBoundsByMaxBatchSize(t *testing.T) {
	d := newTestDriver(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 32})

	reqs := make([]Request, 4)
	for i := range reqs {
		reqs[i] = Request{InputIDs: []int32{2}, MaxNewTokens: 3, EndID: -1}
	}

	results, err := d.Concurrent(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, []int32{2, 6, 3, 7}, r.OutputIDs)
	}
}

func TestDriver_GenerateIsIdempotentAcrossCalls(t *testing.T) {
	d := newTestDriver(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 32})

	req := Request{InputIDs: []int32{2}, MaxNewTokens: 3, EndID: -1}

	first, err := d.Generate(context.Background(), req)
	require.NoError(t, err)
	second, err := d.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OutputIDs, second.OutputIDs)
	assert.Equal(t, first.Steps, second.Steps)
}

func TestDriver_GraphCaptureMatchesUncaptured(t *testing.T) {
	plain := newTestDriver(t, Config{MaxBatchSize: 2, MaxBeamWidth: 1, MaxSeqLen: 32})
	captured := newTestDriver(t, Config{MaxBatchSize: 2, MaxBeamWidth: 1, MaxSeqLen: 32, GraphCapture: true})

	newReqs := func() []Request {
		return []Request{
			{InputIDs: []int32{2}, MaxNewTokens: 5, EndID: 6},  // finishes early, shrinking the active-slot set mid-batch
			{InputIDs: []int32{2}, MaxNewTokens: 3, EndID: -1}, // runs long enough to force a recapture
		}
	}

	plainResults, err := plain.GenerateBatch(context.Background(), newReqs())
	require.NoError(t, err)
	capturedResults, err := captured.GenerateBatch(context.Background(), newReqs())
	require.NoError(t, err)

	require.Len(t, capturedResults, len(plainResults))
	for i := range plainResults {
		assert.Equal(t, plainResults[i].OutputIDs, capturedResults[i].OutputIDs)
		assert.Equal(t, plainResults[i].Steps, capturedResults[i].Steps)
	}
}

func TestDriver_BatchedPackedRequestsMatchIndividualRuns(t *testing.T) {
	// Requests of different lengths share a batch with no padding between
	// them (each slot's InputIDs/Logits stay its own ragged length); this
	// checks that packing them together changes nothing about any one
	// request's result versus running it alone.
	newReqs := func() []Request {
		return []Request{
			{InputIDs: []int32{2}, MaxNewTokens: 5, EndID: 6},
			{InputIDs: []int32{2, 3}, MaxNewTokens: 3, EndID: -1},
		}
	}

	batched := newTestDriver(t, Config{MaxBatchSize: 2, MaxBeamWidth: 1, MaxSeqLen: 32})
	batchedResults, err := batched.GenerateBatch(context.Background(), newReqs())
	require.NoError(t, err)

	individual := newTestDriver(t, Config{MaxBatchSize: 2, MaxBeamWidth: 1, MaxSeqLen: 32})
	reqs := newReqs()
	for i, req := range reqs {
		res, err := individual.Generate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, res.OutputIDs, batchedResults[i].OutputIDs, "request %d", i)
		assert.Equal(t, res.Steps, batchedResults[i].Steps, "request %d", i)
	}
}

func TestDriver_GenerateCanceledContextStopsEarly(t *testing.T) {
	d := newTestDriver(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 32})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Generate(ctx, Request{InputIDs: []int32{2}, MaxNewTokens: 3, EndID: -1})
	assert.ErrorIs(t, err, context.Canceled)
}
