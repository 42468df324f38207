// Package kvcache implements the KV Cache View: the addressing contract
// between the Attention Step Dispatcher and the physical key/value storage
// for every decoding slot.
//
// The free-cell bookkeeping, the causal-mask construction, and the Get/Put
// tensor-view carving follow a free-cell-list cache's usual shape,
// generalized here from one monolithic cache into two addressing
// strategies behind one View interface — Linear (contiguous per-sequence
// storage) and Paged (fixed-size block storage addressed through a page
// table) — plus a quantization axis (kvcache.Quant) orthogonal to the
// addressing strategy.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/trtllm-go/runtime/ml"
)

// ErrCacheFull is returned when a View has no free storage left for an
// incoming batch.
var ErrCacheFull = errors.New("kvcache: no free cells for batch")

// ErrNotSupported is returned by operations a particular View
// implementation declines to support (e.g. position-shifting on a View
// with no shift function configured).
var ErrNotSupported = errors.New("kvcache: operation not supported")

// Quant selects the element representation used for stored keys/values,
// independent of whether the View is Linear or Paged.
type Quant int

const (
	QuantNone Quant = iota // store at ml.DTypeF16 / ml.DTypeF32, no requantization
	QuantInt8
	QuantFP8
)

// DType returns the storage element type for q, given the compute dtype
// that would otherwise be used.
func (q Quant) DType(compute ml.DType) ml.DType {
	switch q {
	case QuantInt8:
		return ml.DTypeI8
	case QuantFP8:
		return ml.DTypeFP8
	default:
		return compute
	}
}

// ShiftFunc applies a position shift (e.g. reapplying RoPE at a new
// position) to a window of cached keys for one layer. Implementations that
// do not support shifting (Remove with a non-tail range) should pass nil,
// which makes Remove return ErrNotSupported for those ranges.
type ShiftFunc func(ctx ml.Context, layer int, key ml.Tensor, offsets ml.Tensor) (ml.Tensor, error)

// CausalOptions disables the causal mask for a subset of batch indices,
// used by the Attention Step Dispatcher when computing logits for tokens
// that should attend to the full context regardless of position (e.g.
// draft verification windows).
type CausalOptions struct {
	Except []int
}

// View is the KV Cache View contract: given a decoding slot's sequence id
// and a forward-pass batch, it exposes the (sequenceIdx, layer, timestep,
// head, dim) history as tensors the Attention Step Dispatcher can read, and
// accepts newly computed keys/values to store.
type View interface {
	// StartForward prepares the view for a new forward pass over batch,
	// allocating storage for each (sequence, position) pair. When reserve
	// is true no cache metadata is mutated; the view only returns the
	// worst-case mask shape, used by engine warm-up passes.
	StartForward(ctx ml.Context, batch Batch, reserve bool) error

	// SetLayer selects which transformer layer subsequent Get/Put calls
	// address.
	SetLayer(layer int)

	// SetCausal overrides the causal mask for the in-flight forward pass.
	SetCausal(ctx ml.Context, opts CausalOptions)

	// Get returns the cached keys, values, and attention mask for the
	// current layer and forward pass.
	Get(ctx ml.Context) (key, value, mask ml.Tensor)

	// Put stores newly computed keys/values for the current layer at the
	// locations chosen by StartForward.
	Put(ctx ml.Context, key, value ml.Tensor)

	// CopyPrefix makes dstSeq share the first length positions of srcSeq's
	// cached history, used when forking a sequence (e.g. parallel sampling
	// from a shared prompt).
	CopyPrefix(srcSeq, dstSeq int, length int32)

	// CanResume reports whether seq's cached history still covers position
	// pos, i.e. whether decoding can continue without recomputing context.
	CanResume(seq int, pos int32) bool

	// Remove evicts cached positions [beginIndex, endIndex) for seq,
	// shifting later positions down by the removed span.
	Remove(seq int, beginIndex, endIndex int32) error

	Close()
}

// Batch is the minimal per-token addressing input a View needs: which
// sequence and position each entry of a forward pass belongs to.
type Batch struct {
	Positions []int32
	Sequences []int
}

func fullCapacityError(cells, batch int) error {
	return fmt.Errorf("%w (cells: %d batch: %d)", ErrCacheFull, cells, batch)
}
