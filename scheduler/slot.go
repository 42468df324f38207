package scheduler

import (
	"github.com/trtllm-go/runtime/decoder"
	"github.com/trtllm-go/runtime/ml"
)

// SlotState is the lifecycle of one batch index in the Decoder Batch
// Scheduler: idle, in-flight, or finished.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotInFlight
	SlotFinished
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotInFlight:
		return "in-flight"
	case SlotFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// slot is the Scheduler's private bookkeeping for one batch index: its
// state, its dedicated stream, and the Single-Slot Decoder instance that
// owns its sequence history. Grounded on GptDecoderBatch's parallel
// mStreams/mEvents/mDecoders/mFinished arrays, folded into one struct per
// index instead of four parallel slices.
type slot struct {
	state      SlotState
	stream     ml.Stream
	decoder    *decoder.Decoder
	requestID  uint64
	lastOutput decoder.Output
}
