// Package decoder implements the Single-Slot Decoder: the per-slot
// decoding state machine that owns one request's token history, sampling
// state, and (for beam search) beam hypotheses.
//
// Grounded directly on tensorrt_llm/runtime/gptDecoderBatch.cpp: Setup,
// ForwardAsync, and GatherTree in this package are the Go-idiomatic
// rendering of GptDecoderBatch::newRequest/forward/postProcessRequest.
package decoder

import "github.com/trtllm-go/runtime/sampling"

// NegativeInfinity stands in for DecodingOutput::kNegativeInfinity: the
// cumulative-log-prob sentinel assigned to every non-zero beam at request
// start, so that only beam 0 is eligible to extend until real log-probs
// are computed.
const NegativeInfinity = float32(-1e20)

// Input is the per-step input to a Single-Slot Decoder: one step's logits
// for every beam of one slot, plus cache-indirection bookkeeping for beam
// search.
type Input struct {
	// Logits is [beamWidth][vocabSizePadded], one row per beam.
	Logits [][]float32

	// CacheIndirection maps beam index to the source beam each KV-cache
	// page should be read from at this step, mirroring the source/target
	// cache-indirection tensors in GptDecoderBatch::forward.
	CacheIndirection []int32
}

// Output is the per-step decoding result written back into the slot's
// joint-buffer slice.
type Output struct {
	// NewTokens holds the token chosen for each beam this step.
	NewTokens []int32

	// CacheIndirection is the target mapping for this step, to be read by
	// the next step's Input.CacheIndirection.
	CacheIndirection []int32

	// Finished is the slot-level aggregate: true once every beam has ended
	// or maxNewTokens has been reached.
	Finished bool

	// BeamFinished mirrors DecodingOutput::finished: one flag per beam,
	// true for beams that ended (or are holding placeholder state after
	// ending) as of this step.
	BeamFinished []bool

	// FinishedSum mirrors DecodingOutput::finishedSum: how many beams
	// newly ended on this step.
	FinishedSum int
}

// Request describes a new decoding request being assigned to a slot.
type Request struct {
	InputIDs    []int32
	MaxNewTokens int
	EndID        int32
	PadID        int32
	SamplingConfig sampling.Config
}

// BeamHypotheses is the ring buffer of completed beam candidates kept
// alongside the live beams, used by gatherTree to reconstruct final
// sequences once decoding stops. Grounded on DecodingOutput::BeamHypotheses
// referenced throughout gptDecoderBatch.cpp (init/slice), though its
// storage there is opaque to that file; the field set here is the minimum
// gatherTree needs: finished candidates with their score and length.
type BeamHypotheses struct {
	EndID        int32
	NumBeams     int
	OutputIDsCBA [][]int32 // one finished sequence per completed beam slot
	NormedScores []float32
	NumBeamsCBA  int
	MinNormedScoreCBA float32
	Done         bool
}

// Init resets the hypotheses ring buffer for a fresh request, mirroring
// DecodingOutput::BeamHypotheses::init(manager, endId).
func (h *BeamHypotheses) Init(numBeams int, endID int32, maxSeqLen int) {
	h.EndID = endID
	h.NumBeams = numBeams
	h.OutputIDsCBA = make([][]int32, numBeams)
	h.NormedScores = make([]float32, numBeams)
	h.NumBeamsCBA = 0
	h.MinNormedScoreCBA = NegativeInfinity
	h.Done = false
}
