package scheduler

import "fmt"

// PreconditionViolation reports a caller error that a cheap check at the
// Scheduler boundary catches before any stream work is enqueued: an
// invalid batch index, a request into an occupied slot, and similar.
type PreconditionViolation struct {
	Reason string
}

func (e *PreconditionViolation) Error() string {
	return fmt.Sprintf("scheduler: precondition violation: %s", e.Reason)
}

// DeviceFault reports a failure surfaced from the engine boundary (a
// Stream's enqueued work panicking, or a Context/backend call returning an
// error) that the Scheduler cannot recover from for the affected slot. A
// Scheduler that observes one poisons itself (see Scheduler.poisoned).
type DeviceFault struct {
	Slot int
	Err  error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("scheduler: device fault on slot %d: %v", e.Slot, e.Err)
}

func (e *DeviceFault) Unwrap() error { return e.Err }

// ConfigConflict reports a request or engine configuration that cannot be
// satisfied, such as a beam width exceeding the scheduler's configured
// maxBeamWidth. A batch-level sampling vector with a bad broadcast length
// is reported separately, by sampling.ErrConfigConflict.
type ConfigConflict struct {
	Reason string
}

func (e *ConfigConflict) Error() string {
	return fmt.Sprintf("scheduler: config conflict: %s", e.Reason)
}

// ErrPartialCacheIndirection is returned by Forward when exactly one of
// the source/target cache-indirection buffers is supplied for a beam-search
// slot; the original engine requires both or neither (see
// GptDecoderBatch::forward's check on srcCacheIndirection/tgtCacheIndirection).
var ErrPartialCacheIndirection = &ConfigConflict{Reason: "cache indirection must be specified for both source and target, or neither"}
