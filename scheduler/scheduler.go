// Package scheduler implements the Decoder Batch Scheduler: the
// fixed-capacity pool of decoding slots driven on per-slot streams with a
// single host synchronization point per forward pass.
//
// Grounded on tensorrt_llm/runtime/gptDecoderBatch.cpp for the
// setup/newRequest/newBatch/forward/postProcessRequest/getFinalOutputIds
// shape of the API and the concurrency model (main stream + per-slot
// streams + events + one synchronize per forward), and on a batch-loop
// rendering that gathers ready work, forwards it, and distributes results
// back out per-sequence (there expressed with channels instead of explicit
// stream/event types, since that backend hides its own stream management).
package scheduler

import (
	"fmt"
	"sync"

	"github.com/trtllm-go/runtime/decoder"
	"github.com/trtllm-go/runtime/envconfig"
	"github.com/trtllm-go/runtime/ml"
	"github.com/trtllm-go/runtime/sampling"
)

// Config fixes the Scheduler's capacity for the lifetime of one Setup
// call, mirroring the shapes GptDecoderBatch::setup allocates its joint
// tensors with.
type Config struct {
	MaxBatchSize int
	MaxBeamWidth int
	MaxSeqLen    int
	VocabSize    int
}

// Request is one caller-submitted generation request, addressed to a
// specific slot by NewRequest or auto-assigned by NewBatch.
type Request struct {
	RequestID      uint64
	InputIDs       []int32
	MaxNewTokens   int
	EndID          int32
	PadID          int32
	SamplingConfig sampling.Config
}

// ForwardInput is one slot's contribution to a Forward call: the logits
// produced by the engine for each of that slot's live beams, plus (for
// beam-search slots) this step's cache indirection.
type ForwardInput struct {
	Logits           [][]float32
	CacheIndirection []int32
}

// ForwardResult is one slot's output from a Forward call.
type ForwardResult struct {
	Slot     int
	Output   decoder.Output
	Finished bool
}

// Scheduler is the Decoder Batch Scheduler. It owns MaxBatchSize slots,
// each independently idle/in-flight/finished, and drives one decoding step
// across every in-flight slot per Forward call.
type Scheduler struct {
	cfg     Config
	backend ml.Backend

	mainStream ml.Stream
	slots      []*slot

	mu       sync.Mutex
	poisoned error
}

// NewScheduler allocates a Scheduler against backend with no slots set up
// yet; call Setup before submitting requests.
func NewScheduler(backend ml.Backend) *Scheduler {
	return &Scheduler{backend: backend}
}

// Setup allocates the Scheduler's fixed pool of slots and their streams,
// mirroring GptDecoderBatch::setup's per-slot mStreams/mEvents/mDecoders
// allocation. It must be called exactly once before any other method.
func (s *Scheduler) Setup(cfg Config) error {
	if cfg.MaxBatchSize <= 0 {
		return &PreconditionViolation{Reason: "MaxBatchSize must be positive"}
	}
	if cfg.MaxBeamWidth <= 0 {
		cfg.MaxBeamWidth = max(int(envconfig.MaxBeamWidth()), 1)
	}

	s.cfg = cfg
	s.mainStream = s.backend.NewStream()
	s.slots = make([]*slot, cfg.MaxBatchSize)
	for i := range s.slots {
		s.slots[i] = &slot{
			state:   SlotIdle,
			stream:  s.backend.NewStream(),
			decoder: decoder.NewDecoder(cfg.MaxSeqLen, cfg.VocabSize),
		}
	}
	return nil
}

func (s *Scheduler) checkPoisoned() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}

func (s *Scheduler) poison(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned == nil {
		s.poisoned = err
	}
}

// NewRequest assigns req to slot batchIdx, which must currently be idle,
// mirroring GptDecoderBatch::newRequest. The caller is responsible for
// choosing a free slot (see FreeSlots).
func (s *Scheduler) NewRequest(batchIdx int, req Request) error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}
	if batchIdx < 0 || batchIdx >= len(s.slots) {
		return &PreconditionViolation{Reason: fmt.Sprintf("batch index %d out of range [0,%d)", batchIdx, len(s.slots))}
	}

	s.mu.Lock()
	sl := s.slots[batchIdx]
	if sl.state != SlotIdle {
		s.mu.Unlock()
		return &PreconditionViolation{Reason: fmt.Sprintf("slot %d is %s, not idle", batchIdx, sl.state)}
	}
	sl.state = SlotInFlight
	s.mu.Unlock()

	if req.SamplingConfig.BeamWidth > s.cfg.MaxBeamWidth {
		sl.state = SlotIdle
		return &ConfigConflict{Reason: fmt.Sprintf("beam width %d exceeds configured max %d", req.SamplingConfig.BeamWidth, s.cfg.MaxBeamWidth)}
	}
	if len(req.InputIDs)+req.MaxNewTokens > s.cfg.MaxSeqLen {
		sl.state = SlotIdle
		return &PreconditionViolation{Reason: "input length + max new tokens exceeds configured max sequence length"}
	}

	if err := sl.decoder.Setup(decoder.Request{
		InputIDs:       req.InputIDs,
		MaxNewTokens:   req.MaxNewTokens,
		EndID:          req.EndID,
		PadID:          req.PadID,
		SamplingConfig: req.SamplingConfig,
	}); err != nil {
		sl.state = SlotIdle
		return err
	}

	sl.requestID = req.RequestID
	return nil
}

// NewBatch splits a slice of requests across the scheduler's free slots,
// one NewRequest call per request, mirroring GptDecoderBatch::newBatch's
// fan-out from a batched GenerationInput into per-request newRequest
// calls. It returns the slot index chosen for each request, in order.
func (s *Scheduler) NewBatch(reqs []Request) ([]int, error) {
	free := s.FreeSlots()
	if len(free) < len(reqs) {
		return nil, &PreconditionViolation{Reason: fmt.Sprintf("only %d free slots for %d requests", len(free), len(reqs))}
	}

	assigned := make([]int, len(reqs))
	for i, req := range reqs {
		slotIdx := free[i]
		if err := s.NewRequest(slotIdx, req); err != nil {
			return nil, err
		}
		assigned[i] = slotIdx
	}
	return assigned, nil
}

// FreeSlots returns the indices of every currently idle slot.
func (s *Scheduler) FreeSlots() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var free []int
	for i, sl := range s.slots {
		if sl.state == SlotIdle {
			free = append(free, i)
		}
	}
	return free
}

// Forward advances every slot named in inputs by one decoding step. It
// enqueues each slot's step on that slot's own stream after recording a
// start event on the main stream, waits for every slot's completion event
// on the main stream, and synchronizes exactly once -- the single host
// synchronization point per forward() call required by the concurrency
// model, mirroring GptDecoderBatch::forward's
// mEventStart/.../mEventStop + cudaEventSynchronize sequence.
func (s *Scheduler) Forward(inputs map[int]ForwardInput) ([]ForwardResult, error) {
	if err := s.checkPoisoned(); err != nil {
		return nil, err
	}

	for slotIdx, in := range inputs {
		if slotIdx < 0 || slotIdx >= len(s.slots) {
			return nil, &PreconditionViolation{Reason: fmt.Sprintf("batch index %d out of range", slotIdx)}
		}
		sl := s.slots[slotIdx]
		if sl.state == SlotInFlight && sl.decoder.BeamWidth() > 1 && len(in.CacheIndirection) == 0 {
			return nil, ErrPartialCacheIndirection
		}
	}

	startEvent := s.mainStream.Record()

	var wg sync.WaitGroup
	for slotIdx, in := range inputs {
		sl := s.slots[slotIdx]
		if sl.state != SlotInFlight {
			continue
		}

		startEvent.WaitOn(sl.stream)

		wg.Add(1)
		idx, input := slotIdx, in
		sl.stream.Enqueue(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.poison(&DeviceFault{Slot: idx, Err: fmt.Errorf("panic: %v", r)})
				}
			}()
			out := sl.decoder.ForwardAsync(decoder.Input{
				Logits:           input.Logits,
				CacheIndirection: input.CacheIndirection,
			})
			sl.lastOutput = out
		})

		doneEvent := sl.stream.Record()
		doneEvent.WaitOn(s.mainStream)
	}

	s.mainStream.Synchronize()
	wg.Wait()

	if err := s.checkPoisoned(); err != nil {
		return nil, err
	}

	results := make([]ForwardResult, 0, len(inputs))
	for slotIdx := range inputs {
		sl := s.slots[slotIdx]

		s.mu.Lock()
		inFlight := sl.state == SlotInFlight
		s.mu.Unlock()
		if !inFlight {
			continue
		}

		finished := sl.decoder.Finished()
		if finished {
			s.mu.Lock()
			sl.state = SlotFinished
			s.mu.Unlock()
		}
		results = append(results, ForwardResult{Slot: slotIdx, Output: sl.lastOutput, Finished: finished})
	}
	return results, nil
}

// PostProcessRequest finalizes slot batchIdx's output sequence and frees
// the slot, mirroring GptDecoderBatch::postProcessRequest followed by the
// slot-release half of getFinalOutputIds. Among the beams gatherTree
// reconstructs, it returns the one BeamScores ranks highest -- the
// winner-selection half of the original's gatherTree, kept separate from
// reconstruction itself (see PostProcessRequestAllBeams).
func (s *Scheduler) PostProcessRequest(batchIdx int) ([]int32, error) {
	rows, _, err := s.postProcessRequest(batchIdx)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// PostProcessRequestAllBeams finalizes slot batchIdx and returns every
// reconstructed beam's sequence, ranked best-first by BeamScores, matching
// the [batch, beamWidth, maxSeqLength] output shape a caller that wants
// more than the single best hypothesis needs.
func (s *Scheduler) PostProcessRequestAllBeams(batchIdx int) ([][]int32, error) {
	rows, _, err := s.postProcessRequest(batchIdx)
	return rows, err
}

func (s *Scheduler) postProcessRequest(batchIdx int) ([][]int32, []float32, error) {
	if batchIdx < 0 || batchIdx >= len(s.slots) {
		return nil, nil, &PreconditionViolation{Reason: "batch index out of range"}
	}
	sl := s.slots[batchIdx]

	s.mu.Lock()
	if sl.state == SlotIdle {
		s.mu.Unlock()
		return nil, nil, &PreconditionViolation{Reason: fmt.Sprintf("slot %d is idle, nothing to finalize", batchIdx)}
	}
	s.mu.Unlock()

	rows := sl.decoder.GatherTree()
	scores := sl.decoder.BeamScores()
	rankBeamsByScore(rows, scores)

	s.mu.Lock()
	sl.state = SlotIdle
	sl.requestID = 0
	s.mu.Unlock()
	return rows, scores, nil
}

// rankBeamsByScore reorders rows (and scores along with them) so the
// highest-scoring beam is first, the selection step the original engine's
// gatherTree performs internally and this module instead leaves to the
// caller of GatherTree/BeamScores. beamWidth is small enough that a
// selection sort is the simplest fit.
func rankBeamsByScore(rows [][]int32, scores []float32) {
	for i := range rows {
		best := i
		for j := i + 1; j < len(rows); j++ {
			if scores[j] > scores[best] {
				best = j
			}
		}
		rows[i], rows[best] = rows[best], rows[i]
		scores[i], scores[best] = scores[best], scores[i]
	}
}

// GetFinalOutputIds finalizes every finished slot and returns each one's
// reconstructed output sequence keyed by slot index, mirroring
// GptDecoderBatch::getFinalOutputIds's loop over every batch index.
func (s *Scheduler) GetFinalOutputIds() (map[int][]int32, error) {
	out := make(map[int][]int32)
	for i, sl := range s.slots {
		if sl.state != SlotFinished {
			continue
		}
		ids, err := s.PostProcessRequest(i)
		if err != nil {
			return nil, err
		}
		out[i] = ids
	}
	return out, nil
}

// SlotStateOf reports the current SlotState of batchIdx.
func (s *Scheduler) SlotStateOf(batchIdx int) SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[batchIdx].state
}

// Histories returns the current per-beam token history for slot batchIdx,
// the input an engine needs to produce this step's logits before the next
// Forward call. Histories are only read between Forward calls by the
// session driver's single-threaded step loop, so it is safe to read the
// decoder's beam rows without holding mu for the duration of the copy; mu
// only guards against a concurrent PostProcessRequest freeing the slot out
// from under this read.
func (s *Scheduler) Histories(batchIdx int) [][]int32 {
	s.mu.Lock()
	sl := s.slots[batchIdx]
	width := sl.decoder.BeamWidth()
	s.mu.Unlock()

	out := make([][]int32, width)
	for b := 0; b < width; b++ {
		out[b] = sl.decoder.History(b)
	}
	return out
}

// BeamWidth reports slot batchIdx's configured beam width.
func (s *Scheduler) BeamWidth(batchIdx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[batchIdx].decoder.BeamWidth()
}
