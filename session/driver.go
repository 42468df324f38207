// Package session implements the Session Driver: the library-level entry
// point that owns a Scheduler and an engine, and drives requests through
// repeated Forward calls until every slot finishes.
//
// A loop that gathers whatever sequences are ready, forwards the batch, and
// distributes results back out per-sequence, generalized from an implicit
// engine call to an explicit refengine.Model.Logits call per step, and from
// an HTTP-facing response channel to a plain Go callback, since this module
// is a library, not a server.
package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/trtllm-go/runtime/ml"
	"github.com/trtllm-go/runtime/refengine"
	"github.com/trtllm-go/runtime/sampling"
	"github.com/trtllm-go/runtime/scheduler"
)

// Config fixes the Driver's scheduling capacity.
type Config struct {
	MaxBatchSize int
	MaxBeamWidth int
	MaxSeqLen    int

	// GraphCapture enables the capture/replay input-buffer reuse
	// GenerateBatch's step loop performs when the active-slot set stays
	// fixed across steps, the Go analogue of GptSession's CUDA-graph mode.
	GraphCapture bool
}

// graphState is the host-side analogue of GptSession::CudaGraphExecutor:
// it captures the Forward input container once for a given set of active
// slots and replays (reuses, mutating in place) it across steps as long as
// that set doesn't change. A real CUDA graph memoizes device kernel
// launches; this module has no kernel layer to memoize, so what's captured
// here is the host-side map allocation itself, avoiding the per-step
// make(map) GenerateBatch otherwise pays for every decoding step. The set
// of active slots changes exactly when a request finishes mid-batch (one
// of the few events gptSession.h's isCudaGraphMode check also treats as
// requiring a fresh capture, alongside a changed batch shape), which is
// exactly when capture() below is triggered again.
type graphState struct {
	slots  map[int]bool
	inputs map[int]scheduler.ForwardInput
}

func (g *graphState) matches(remaining map[int]int) bool {
	if g.slots == nil || len(g.slots) != len(remaining) {
		return false
	}
	for slot := range remaining {
		if !g.slots[slot] {
			return false
		}
	}
	return true
}

func (g *graphState) capture(remaining map[int]int) {
	g.slots = make(map[int]bool, len(remaining))
	g.inputs = make(map[int]scheduler.ForwardInput, len(remaining))
	for slot := range remaining {
		g.slots[slot] = true
	}
}

// Request is one generation request submitted to Generate/GenerateBatch.
type Request struct {
	InputIDs       []int32
	MaxNewTokens   int
	EndID          int32
	PadID          int32
	SamplingConfig sampling.Config

	// OnToken, if set, is invoked after every decoding step with that
	// step's chosen token ids for each beam, the step index, and whether
	// this was the final step.
	OnToken func(outputIDs []int32, step int, finished bool)
}

// Result is the outcome of one completed request.
type Result struct {
	OutputIDs []int32
	Steps     int
}

// Driver is the Session Driver.
type Driver struct {
	sched *scheduler.Scheduler
	model *refengine.Model
	cfg   Config
}

// NewDriver returns a Driver bound to engine, with scheduling capacity
// fixed by cfg.
func NewDriver(engine *refengine.Backend, cfg Config) (*Driver, error) {
	sched := scheduler.NewScheduler(engine)
	if err := sched.Setup(scheduler.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxBeamWidth: cfg.MaxBeamWidth,
		MaxSeqLen:    cfg.MaxSeqLen,
		VocabSize:    engine.Descriptor().VocabSize,
	}); err != nil {
		return nil, err
	}
	return &Driver{sched: sched, model: refengine.NewModel(engine.Descriptor()), cfg: cfg}, nil
}

// Generate runs a single request to completion, blocking until it
// finishes, ctx is canceled, or a DeviceFault poisons the scheduler.
func (d *Driver) Generate(ctx context.Context, req Request) (Result, error) {
	results, err := d.GenerateBatch(ctx, []Request{req})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// GenerateBatch runs a set of requests concurrently through the scheduler,
// the same "gather ready work, forward, distribute" loop as a server's
// main run loop, but over an explicit request list rather than a
// continuously arriving stream.
func (d *Driver) GenerateBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	slots, err := d.sched.NewBatch(toSchedulerRequests(reqs))
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(reqs))
	remaining := make(map[int]int) // slot -> request index
	for i, slot := range slots {
		remaining[slot] = i
	}

	var graph graphState
	for step := 0; len(remaining) > 0; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var inputs map[int]scheduler.ForwardInput
		if d.cfg.GraphCapture {
			if !graph.matches(remaining) {
				graph.capture(remaining)
			}
			inputs = graph.inputs
		} else {
			inputs = make(map[int]scheduler.ForwardInput, len(remaining))
		}
		for slot := range remaining {
			histories := d.sched.Histories(slot)
			inputs[slot] = scheduler.ForwardInput{
				Logits: d.model.LogitsForBeams(histories),
			}
		}

		stepResults, err := d.sched.Forward(inputs)
		if err != nil {
			return nil, err
		}

		for _, r := range stepResults {
			reqIdx, ok := remaining[r.Slot]
			if !ok {
				continue
			}
			if cb := reqs[reqIdx].OnToken; cb != nil {
				cb(r.Output.NewTokens, step, r.Finished)
			}
			if r.Finished {
				ids, err := d.sched.PostProcessRequest(r.Slot)
				if err != nil {
					return nil, err
				}
				results[reqIdx] = Result{OutputIDs: ids, Steps: step + 1}
				delete(remaining, r.Slot)
			}
		}
	}

	return results, nil
}

func toSchedulerRequests(reqs []Request) []scheduler.Request {
	out := make([]scheduler.Request, len(reqs))
	for i, r := range reqs {
		out[i] = scheduler.Request{
			RequestID:      uint64(i + 1),
			InputIDs:       r.InputIDs,
			MaxNewTokens:   r.MaxNewTokens,
			EndID:          r.EndID,
			PadID:          r.PadID,
			SamplingConfig: r.SamplingConfig,
		}
	}
	return out
}

// Concurrent wraps Generate for fire-and-forget callers that want each
// request driven on its own goroutine while still sharing one Driver (and
// therefore one Scheduler and its fixed slot pool). It admits at most
// MaxBatchSize requests at a time, the same bound a weighted semaphore
// enforces before a sequence is allowed to contend for a slot, so excess
// callers queue on the semaphore instead of spraying PreconditionViolation
// errors at NewRequest.
func (d *Driver) Concurrent(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	errs := make([]error, len(reqs))

	sem := semaphore.NewWeighted(int64(max(d.cfg.MaxBatchSize, 1)))

	var wg sync.WaitGroup
	for i, r := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, r Request) {
			defer wg.Done()
			defer sem.Release(1)
			res, err := d.Generate(ctx, r)
			results[i], errs[i] = res, err
		}(i, r)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("session: concurrent generate: %w", err)
		}
	}
	return results, nil
}

var _ ml.Backend = (*refengine.Backend)(nil)
