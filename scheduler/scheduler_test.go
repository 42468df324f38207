package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trtllm-go/runtime/ml"
	"github.com/trtllm-go/runtime/refengine"
	"github.com/trtllm-go/runtime/sampling"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	backend := refengine.NewBackend(ml.Descriptor{NumLayers: 1, NumHeads: 1, NumKVHeads: 1, HeadSize: 2})
	s := NewScheduler(backend)
	require.NoError(t, s.Setup(cfg))
	return s
}

func fixedLogits(vocab int, favored int32) []float32 {
	row := make([]float32, vocab)
	row[favored] = 100
	return row
}

func TestScheduler_NewRequestOccupiesIdleSlot(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 2, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})

	assert.Equal(t, []int{0, 1}, s.FreeSlots())
	require.NoError(t, s.NewRequest(0, Request{InputIDs: []int32{1, 2}, MaxNewTokens: 3, EndID: -1}))
	assert.Equal(t, SlotInFlight, s.SlotStateOf(0))
	assert.Equal(t, []int{1}, s.FreeSlots())
}

func TestScheduler_NewRequestIntoOccupiedSlotFails(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})

	require.NoError(t, s.NewRequest(0, Request{InputIDs: []int32{1}, MaxNewTokens: 3, EndID: -1}))
	err := s.NewRequest(0, Request{InputIDs: []int32{1}, MaxNewTokens: 3, EndID: -1})

	var violation *PreconditionViolation
	assert.ErrorAs(t, err, &violation)
}

func TestScheduler_NewRequestRejectsBeamWidthAboveMax(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})

	err := s.NewRequest(0, Request{
		InputIDs:       []int32{1},
		MaxNewTokens:   3,
		EndID:          -1,
		SamplingConfig: sampling.Config{BeamWidth: 4},
	})

	var conflict *ConfigConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, SlotIdle, s.SlotStateOf(0), "a rejected request must release the slot it provisionally claimed")
}

func TestScheduler_NewBatchAssignsAcrossFreeSlots(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 3, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})

	assigned, err := s.NewBatch([]Request{
		{InputIDs: []int32{1}, MaxNewTokens: 2, EndID: -1},
		{InputIDs: []int32{2}, MaxNewTokens: 2, EndID: -1},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, assigned)
	assert.Equal(t, []int{2}, s.FreeSlots())
}

func TestScheduler_NewBatchFailsWhenNotEnoughFreeSlots(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})

	_, err := s.NewBatch([]Request{
		{InputIDs: []int32{1}, MaxNewTokens: 2, EndID: -1},
		{InputIDs: []int32{2}, MaxNewTokens: 2, EndID: -1},
	})
	var violation *PreconditionViolation
	assert.ErrorAs(t, err, &violation)
}

func TestScheduler_ForwardAdvancesAndFinishes(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})
	require.NoError(t, s.NewRequest(0, Request{InputIDs: []int32{1, 2}, MaxNewTokens: 3, EndID: 7}))

	results, err := s.Forward(map[int]ForwardInput{0: {Logits: [][]float32{fixedLogits(8, 5)}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Finished)
	assert.Equal(t, SlotInFlight, s.SlotStateOf(0))

	results, err = s.Forward(map[int]ForwardInput{0: {Logits: [][]float32{fixedLogits(8, 7)}}})
	require.NoError(t, err)
	assert.True(t, results[0].Finished)
	assert.Equal(t, SlotFinished, s.SlotStateOf(0))

	final, err := s.PostProcessRequest(0)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 5, 7}, final)
	assert.Equal(t, SlotIdle, s.SlotStateOf(0))
}

func TestScheduler_PostProcessRequestOnIdleSlotFails(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})

	_, err := s.PostProcessRequest(0)
	var violation *PreconditionViolation
	assert.ErrorAs(t, err, &violation)
}

func TestScheduler_GetFinalOutputIdsFinalizesFinishedSlotsOnly(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 2, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})
	require.NoError(t, s.NewRequest(0, Request{InputIDs: []int32{1}, MaxNewTokens: 1, EndID: 7}))
	require.NoError(t, s.NewRequest(1, Request{InputIDs: []int32{1}, MaxNewTokens: 5, EndID: 7}))

	_, err := s.Forward(map[int]ForwardInput{
		0: {Logits: [][]float32{fixedLogits(8, 7)}}, // finishes immediately (hits maxNewTokens==1 and endID)
		1: {Logits: [][]float32{fixedLogits(8, 2)}}, // keeps going
	})
	require.NoError(t, err)

	out, err := s.GetFinalOutputIds()
	require.NoError(t, err)
	assert.Contains(t, out, 0)
	assert.NotContains(t, out, 1)
	assert.Equal(t, SlotIdle, s.SlotStateOf(0))
	assert.Equal(t, SlotInFlight, s.SlotStateOf(1))
}

func TestScheduler_ForwardPoisonsOnDeviceFault(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})
	require.NoError(t, s.NewRequest(0, Request{InputIDs: []int32{1}, MaxNewTokens: 3, EndID: -1}))

	// An empty Logits slice panics inside stepGreedyOrSample's in.Logits[0]
	// indexing, which Forward must recover from slot-side and surface as a
	// DeviceFault that poisons the Scheduler for every later call.
	_, err := s.Forward(map[int]ForwardInput{0: {Logits: nil}})
	require.Error(t, err)
	var fault *DeviceFault
	assert.ErrorAs(t, err, &fault)

	_, err = s.Forward(map[int]ForwardInput{0: {Logits: [][]float32{fixedLogits(8, 1)}}})
	assert.ErrorAs(t, err, &fault, "a poisoned Scheduler must reject every subsequent call")
}

func TestScheduler_ForwardRejectsMissingCacheIndirectionForBeamSearch(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 1, MaxBeamWidth: 2, MaxSeqLen: 16, VocabSize: 8})
	require.NoError(t, s.NewRequest(0, Request{
		InputIDs:       []int32{1},
		MaxNewTokens:   3,
		EndID:          -1,
		SamplingConfig: sampling.Config{BeamWidth: 2},
	}))

	_, err := s.Forward(map[int]ForwardInput{0: {Logits: [][]float32{fixedLogits(8, 1), fixedLogits(8, 2)}}})
	assert.ErrorIs(t, err, ErrPartialCacheIndirection)
}

func TestScheduler_HistoriesReflectsAppendedTokens(t *testing.T) {
	s := newTestScheduler(t, Config{MaxBatchSize: 1, MaxBeamWidth: 1, MaxSeqLen: 16, VocabSize: 8})
	require.NoError(t, s.NewRequest(0, Request{InputIDs: []int32{1, 2}, MaxNewTokens: 3, EndID: -1}))

	_, err := s.Forward(map[int]ForwardInput{0: {Logits: [][]float32{fixedLogits(8, 6)}}})
	require.NoError(t, err)

	histories := s.Histories(0)
	require.Len(t, histories, 1)
	assert.Equal(t, []int32{1, 2, 6}, histories[0])
	assert.Equal(t, 1, s.BeamWidth(0))
}
