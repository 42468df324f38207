// Package attention implements the Attention Step Dispatcher: it picks,
// per forward pass, between context (prefill) attention and generation
// (single-step decode) attention, and within each, between a fused
// ScaledDotProductAttention fast path and a manual per-head-group stride
// loop over one of three head-sharing regimes (single-KV-head, grouped,
// full multi-head).
//
// The manual stride loop is grounded on MultiHeadSDPAAuto in
// ajroetker-go-highway's nn package (other_examples/ajroetker-go-highway__sdpa.go):
// headsPerKVHead := numHeads / numKVHeads, with each query head mapped to
// kvHead := h / headsPerKVHead. The fused fast path and tensor-graph shape
// of the computation follow ml.ScaledDotProductAttention's doc comment.
package attention

import (
	"math"

	"github.com/trtllm-go/runtime/envconfig"
	"github.com/trtllm-go/runtime/ml"
)

// multiBlockSize is the KV-length chunk width multiBlockKQ splits the
// generation-attention score matmul into when MultiBlockGeneration is
// enabled, mirroring the block granularity GptAttentionPlugin's
// multi_block_mode splits a long KV cache into during decode.
const multiBlockSize = 64

// multiBlockKQ computes k.MulmatFullPrec(ctx, q) in kvLen chunks of
// multiBlockSize and concatenates the partial score blocks back together.
// The result is identical to a single matmul over the full kv range; only
// the computation's shape changes, matching multi_block_mode's property of
// being a scheduling optimization rather than a numeric one.
func multiBlockKQ(ctx ml.Context, k, q ml.Tensor) ml.Tensor {
	kvLen := k.Dim(1)
	if kvLen <= multiBlockSize {
		return k.MulmatFullPrec(ctx, q)
	}

	var kq ml.Tensor
	for lo := 0; lo < kvLen; lo += multiBlockSize {
		hi := min(lo+multiBlockSize, kvLen)
		block := k.Slice(ctx, 1, lo, hi, 1)
		partial := block.MulmatFullPrec(ctx, q)
		if kq == nil {
			kq = partial
		} else {
			kq = kq.Concat(ctx, partial, 0)
		}
	}
	return kq
}

// Dispatcher selects and runs the attention computation for one
// transformer layer, given the engine descriptor that fixes the
// head-sharing regime and positional-encoding scheme for the whole model.
type Dispatcher struct {
	desc ml.Descriptor
	sdpa ml.ScaledDotProductAttention // nil if the backend has no fused kernel
}

// NewDispatcher returns a Dispatcher for desc. backend is probed for the
// ml.ScaledDotProductAttention fast path; it is fine for backend to not
// implement it.
func NewDispatcher(desc ml.Descriptor, backend ml.Backend) *Dispatcher {
	d := &Dispatcher{desc: desc}
	if sdpa, ok := backend.(ml.ScaledDotProductAttention); ok {
		d.sdpa = sdpa
	}
	return d
}

func (d *Dispatcher) scale() float64 {
	return 1.0 / math.Sqrt(float64(d.desc.HeadSize))
}

// Context computes prefill attention over a full prompt window: query,
// key, value are [headSize, numHeads or numKVHeads, seqLen], mask is
// [seqLen, seqLen] (or nil for no masking, though the scheduler always
// supplies a causal mask for context steps).
//
// When the engine requests context-FMHA, its DType is 16-bit, and the
// backend implements the fused kernel, this takes the fast path; otherwise
// it falls through to the manual stride loop across the configured
// head-sharing regime.
func (d *Dispatcher) Context(ctx ml.Context, query, key, value, mask ml.Tensor) ml.Tensor {
	if d.desc.UseContextFMHA && d.desc.DType.Is16Bit() && d.sdpa != nil {
		return d.sdpa.ScaledDotProductAttention(ctx, query, key, value, mask, d.scale())
	}
	return d.stridedAttention(ctx, query, key, value, mask, false)
}

// Generation computes single-step decode attention: query is
// [headSize, numHeads, 1] (one new token), key/value are the full cached
// history [headSize, numKVHeads, cachedLen]. The fused fast path is rarely
// profitable at seqLen==1, so this always takes the manual stride loop,
// matching the original engine's practice of reserving FMHA for context
// steps only. When TRTLLM_MULTI_BLOCK_GENERATION is set, the KV side of
// the score matmul is split into blocks the way multi_block_mode splits a
// long decode context across thread blocks.
func (d *Dispatcher) Generation(ctx ml.Context, query, key, value, mask ml.Tensor) ml.Tensor {
	return d.stridedAttention(ctx, query, key, value, mask, envconfig.MultiBlockGeneration())
}

// stridedAttention implements the ScaledDotProductAttention doc-comment
// computation by hand, broadcasting KV heads up to the query head count
// under the grouped or single-KV-head regimes before the batched matmul,
// the tensor-graph equivalent of MultiHeadSDPAAuto's explicit
// kvHead := h / headsPerKVHead indexing.
func (d *Dispatcher) stridedAttention(ctx ml.Context, query, key, value, mask ml.Tensor, multiBlock bool) ml.Tensor {
	numHeads := d.desc.NumHeads
	numKVHeads := d.desc.NumKVHeads

	switch d.desc.HeadSharing() {
	case ml.HeadSharingGrouped, ml.HeadSharingSingleHead:
		// Repeat each KV head in place (not the whole head axis) so that
		// query head h lines up with KV head h / headsPerKVHead.
		headsPerKVHead := numHeads / numKVHeads
		key = key.Reshape(ctx, key.Dim(0), 1, numKVHeads, key.Dim(2)*key.Dim(3)).
			Repeat(ctx, 1, headsPerKVHead).
			Reshape(ctx, key.Dim(0), numHeads, key.Dim(2), key.Dim(3))
		value = value.Reshape(ctx, value.Dim(0), 1, numKVHeads, value.Dim(2)*value.Dim(3)).
			Repeat(ctx, 1, headsPerKVHead).
			Reshape(ctx, value.Dim(0), numHeads, value.Dim(2), value.Dim(3))
	case ml.HeadSharingMultiHead:
		// numKVHeads == numHeads, no broadcast needed.
	}

	q := query.Permute(ctx, 0, 2, 1, 3)
	k := key.Permute(ctx, 0, 2, 1, 3)
	v := value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)

	var kq ml.Tensor
	if multiBlock {
		kq = multiBlockKQ(ctx, k, q)
	} else {
		kq = k.MulmatFullPrec(ctx, q)
	}
	kq = kq.Scale(ctx, d.scale())
	if mask != nil {
		kq = kq.Add(ctx, mask)
	}
	if d.desc.PosEncoding == ml.PosEncodingALiBi {
		kq = kq.Add(ctx, ALiBiBias(ctx, k.Dim(1), q.Dim(1), numHeads))
	}
	kq = kq.Softmax(ctx)

	kqv := v.Mulmat(ctx, kq)
	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
}
