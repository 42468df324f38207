package refengine

import (
	"context"

	"github.com/trtllm-go/runtime/ml"
)

// Backend is a deterministic, CPU-only ml.Backend. It has no model
// weights; Model (model.go) stands in for the compiled engine's logits
// computation, deterministic by construction so tests can assert exact
// output sequences instead of tolerance-based float comparisons.
type Backend struct {
	desc       ml.Descriptor
	algoCache  *ml.AlgoCache
	mainStream ml.Stream
}

// NewBackend returns a Backend described by desc.
func NewBackend(desc ml.Descriptor) *Backend {
	return &Backend{
		desc:       desc,
		algoCache:  ml.NewAlgoCache(),
		mainStream: ml.NewGoroutineStream(),
	}
}

func (b *Backend) Close() {}

func (b *Backend) Load(ctx context.Context) error { return nil }

func (b *Backend) Descriptor() ml.Descriptor { return b.desc }

func (b *Backend) NewContext() ml.Context { return newContext(b.mainStream) }

func (b *Backend) NewStream() ml.Stream { return ml.NewGoroutineStream() }

func (b *Backend) AlgoCache() *ml.AlgoCache { return b.algoCache }

// ScaledDotProductAttention implements the fused attention fast path so
// the Attention Step Dispatcher's context-FMHA branch has something real
// to call; the computation is identical to the manual stride loop, since
// this engine has no specialized kernel to be faster than the naive form.
func (b *Backend) ScaledDotProductAttention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) ml.Tensor {
	q := query.Permute(ctx, 0, 2, 1, 3)
	k := key.Permute(ctx, 0, 2, 1, 3)
	v := value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)

	kq := k.MulmatFullPrec(ctx, q)
	kq = kq.Scale(ctx, scale)
	if mask != nil {
		kq = kq.Add(ctx, mask)
	}
	kq = kq.Softmax(ctx)

	kqv := v.Mulmat(ctx, kq)
	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
}
