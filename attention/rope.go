package attention

import (
	"math"

	"github.com/trtllm-go/runtime/ml"
)

// ApplyPositionEncoding injects positional information into query/key
// tensors before the attention step, per the engine descriptor's
// PosEncoding. It is a no-op for ml.PosEncodingNone and for ALiBi, which
// biases attention scores rather than the query/key tensors themselves
// (see ALiBiBias below).
func (d *Dispatcher) ApplyPositionEncoding(ctx ml.Context, t ml.Tensor, positions ml.Tensor, ropeBase float32) ml.Tensor {
	if d.desc.PosEncoding != ml.PosEncodingRoPE {
		return t
	}
	return rotateHalf(ctx, t, positions, ropeBase, d.desc.HeadSize)
}

// rotateHalf applies the standard rotate-half RoPE formulation: split the
// head dimension into two halves, rotate by the per-position angle, and
// recombine. headDim must be even.
func rotateHalf(ctx ml.Context, t ml.Tensor, positions ml.Tensor, base float32, headDim int) ml.Tensor {
	half := headDim / 2

	x1 := t.Slice(ctx, 0, 0, half, 1)
	x2 := t.Slice(ctx, 0, half, headDim, 1)

	cos, sin := rotaryAngles(ctx, positions, base, half)

	// [x1*cos - x2*sin, x2*cos + x1*sin]
	rotated1 := x1.Mul(ctx, cos).Sub(ctx, x2.Mul(ctx, sin))
	rotated2 := x2.Mul(ctx, cos).Add(ctx, x1.Mul(ctx, sin))

	return rotated1.Concat(ctx, rotated2, 0)
}

// rotaryAngles returns the per-position, per-frequency cos/sin tensors
// shared by every head at a given set of positions. base is the RoPE theta
// (commonly 10000); dim is headDim/2.
func rotaryAngles(ctx ml.Context, positions ml.Tensor, base float32, dim int) (cos, sin ml.Tensor) {
	freqs := make([]float32, dim)
	for i := 0; i < dim; i++ {
		exponent := float64(2*i) / float64(2*dim)
		freqs[i] = float32(math.Pow(float64(base), -exponent))
	}

	pos := positions.Floats()
	data := make([]float32, dim*len(pos))
	for p, v := range pos {
		for i, f := range freqs {
			data[p*dim+i] = v * f
		}
	}
	angles := ctx.FromFloats(data, dim, 1, len(pos))
	return angles.Cos(ctx), angles.Sin(ctx)
}

// ALiBiSlopes returns the per-head ALiBi bias slopes for a model with
// numHeads attention heads, following the geometric-sequence construction
// from the ALiBi paper: slope(h) = 2^(-8*(h+1)/numHeads).
func ALiBiSlopes(numHeads int) []float32 {
	slopes := make([]float32, numHeads)
	for h := 0; h < numHeads; h++ {
		exponent := -8.0 * float64(h+1) / float64(numHeads)
		slopes[h] = float32(math.Pow(2, exponent))
	}
	return slopes
}

// ALiBiBias returns the additive [kvLen, qLen, numHeads] score bias that
// stridedAttention adds to kq ahead of softmax when PosEncoding is
// PosEncodingALiBi, mirroring how DecoderXQARunner folds the ALiBi slope
// into the unnormalized attention scores rather than into Q/K. The last
// query position is aligned with the last key position, so this is correct
// both for a full prefill (kvLen == qLen) and a single-token decode step
// (qLen == 1, kvLen == cached history length).
func ALiBiBias(ctx ml.Context, kvLen, qLen, numHeads int) ml.Tensor {
	slopes := ALiBiSlopes(numHeads)
	offset := kvLen - qLen

	data := make([]float32, kvLen*qLen*numHeads)
	for h := 0; h < numHeads; h++ {
		base := h * kvLen * qLen
		for q := 0; q < qLen; q++ {
			qPos := q + offset
			row := base + q*kvLen
			for kv := 0; kv < kvLen; kv++ {
				data[row+kv] = -slopes[h] * float32(qPos-kv)
			}
		}
	}
	return ctx.FromFloats(data, kvLen, qLen, numHeads)
}
