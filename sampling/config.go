// Package sampling implements the Sampling Config: per-slot decoding knobs
// broadcast from batch-level vectors the same way TensorRT-LLM's
// GptDecoderBatch does in extractSamplingConfig (runtime/gptDecoderBatch.cpp):
// a batch vector of length 1 broadcasts its single value to every slot;
// a longer batch vector is indexed by slot, and a slot index past its end
// is a configuration conflict that this package reports.
package sampling

import "fmt"

// Optional represents a knob that may be left unset, so the decoder can
// fall back to an engine or model default instead of a Go zero value.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns a set Optional wrapping v.
func Some[T any](v T) Optional[T] { return Optional[T]{value: v, set: true} }

// Get returns the wrapped value and whether it was set.
func (o Optional[T]) Get() (T, bool) { return o.value, o.set }

// GetOr returns the wrapped value, or fallback if unset.
func (o Optional[T]) GetOr(fallback T) T {
	if o.set {
		return o.value
	}
	return fallback
}

// Config is the fully-resolved, per-slot sampling configuration consumed by
// the Single-Slot Decoder.
type Config struct {
	BeamWidth int

	Temperature        Optional[float32]
	TopK               Optional[int32]
	TopP               Optional[float32]
	RepetitionPenalty   Optional[float32]
	PresencePenalty     Optional[float32]
	MinLength           Optional[int32]
	RandomSeed          Optional[uint64]
	BeamSearchDiversity float32
	LengthPenalty       float32
}

// BatchConfig is the batch-wide sampling configuration a caller submits for
// a newBatch call, holding each knob as either a single broadcast value or
// one value per request.
type BatchConfig struct {
	BeamWidth int

	Temperature         []float32
	TopK                []int32
	TopP                []float32
	RepetitionPenalty   []float32
	PresencePenalty     []float32
	MinLength           []int32
	RandomSeed          []uint64
	BeamSearchDiversity float32
	LengthPenalty       float32
}

// ExtractForSlot resolves the per-slot Config for batchIdx out of a batch
// configuration, applying broadcast-of-1 semantics to every vector field:
// a length-1 vector broadcasts to all slots, a longer vector is indexed by
// batchIdx, and a vector too short to hold batchIdx is a configuration
// conflict.
func ExtractForSlot(batch BatchConfig, batchIdx int) (Config, error) {
	cfg := Config{
		BeamWidth:           batch.BeamWidth,
		BeamSearchDiversity: batch.BeamSearchDiversity,
		LengthPenalty:       batch.LengthPenalty,
	}

	var err error
	if cfg.Temperature, err = extractF32(batch.Temperature, batchIdx); err != nil {
		return Config{}, fmt.Errorf("temperature: %w", err)
	}
	if cfg.TopP, err = extractF32(batch.TopP, batchIdx); err != nil {
		return Config{}, fmt.Errorf("topP: %w", err)
	}
	if cfg.RepetitionPenalty, err = extractF32(batch.RepetitionPenalty, batchIdx); err != nil {
		return Config{}, fmt.Errorf("repetitionPenalty: %w", err)
	}
	if cfg.PresencePenalty, err = extractF32(batch.PresencePenalty, batchIdx); err != nil {
		return Config{}, fmt.Errorf("presencePenalty: %w", err)
	}
	if cfg.TopK, err = extractI32(batch.TopK, batchIdx); err != nil {
		return Config{}, fmt.Errorf("topK: %w", err)
	}
	if cfg.MinLength, err = extractI32(batch.MinLength, batchIdx); err != nil {
		return Config{}, fmt.Errorf("minLength: %w", err)
	}
	if cfg.RandomSeed, err = extractU64(batch.RandomSeed, batchIdx); err != nil {
		return Config{}, fmt.Errorf("randomSeed: %w", err)
	}

	return cfg, nil
}

// ErrConfigConflict is returned when a batch-level sampling vector is
// longer than 1 (so not a broadcast) but too short to hold the slot index.
type ErrConfigConflict struct {
	Len, BatchIdx int
}

func (e ErrConfigConflict) Error() string {
	return fmt.Sprintf("sampling: batch vector of length %d cannot address slot %d (must be length 1 or > slot index)", e.Len, e.BatchIdx)
}

func extractF32(v []float32, idx int) (Optional[float32], error) {
	if len(v) == 0 {
		return Optional[float32]{}, nil
	}
	if len(v) == 1 {
		return Some(v[0]), nil
	}
	if idx >= len(v) {
		return Optional[float32]{}, ErrConfigConflict{Len: len(v), BatchIdx: idx}
	}
	return Some(v[idx]), nil
}

func extractI32(v []int32, idx int) (Optional[int32], error) {
	if len(v) == 0 {
		return Optional[int32]{}, nil
	}
	if len(v) == 1 {
		return Some(v[0]), nil
	}
	if idx >= len(v) {
		return Optional[int32]{}, ErrConfigConflict{Len: len(v), BatchIdx: idx}
	}
	return Some(v[idx]), nil
}

func extractU64(v []uint64, idx int) (Optional[uint64], error) {
	if len(v) == 0 {
		return Optional[uint64]{}, nil
	}
	if len(v) == 1 {
		return Some(v[0]), nil
	}
	if idx >= len(v) {
		return Optional[uint64]{}, ErrConfigConflict{Len: len(v), BatchIdx: idx}
	}
	return Some(v[idx]), nil
}
