// Package refengine is a deterministic, CPU-only implementation of the
// ml.Backend/ml.Context/ml.Tensor contracts, used only by this module's own
// tests and its CLI demo. It is not a performance target: every tensor
// operation materializes its result eagerly rather than building a lazy
// graph, the opposite of what a real engine would do, but it gives the
// Decoder Batch Scheduler and Attention Step Dispatcher something real to
// execute against without a GPU.
//
// Follows the ml.Context/ml.Tensor contract shape (ml/context.go) and
// other_examples/hashneo-nano-vllm-go__tensor_model_runner.go's minimal
// host-side model-runner pattern: own your tensors as flat slices, expose
// shape/stride bookkeeping, compute synchronously.
package refengine

import (
	"fmt"
	"math"

	"github.com/trtllm-go/runtime/ml"
)

// Tensor is a dense, row-major (dim 0 fastest-varying) float32 or int32
// buffer, following the Dim(0)-is-innermost convention used throughout
// kvcache and the attention dispatcher.
type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
	idata []int32
}

func newFloatTensor(dtype ml.DType, shape []int) *Tensor {
	n := numel(shape)
	return &Tensor{dtype: dtype, shape: append([]int(nil), shape...), data: make([]float32, n)}
}

func newIntTensor(shape []int) *Tensor {
	n := numel(shape)
	return &Tensor{dtype: ml.DTypeI32, shape: append([]int(nil), shape...), idata: make([]int32, n)}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Dim(n int) int {
	if n >= len(t.shape) {
		return 1
	}
	return t.shape[n]
}

func (t *Tensor) Stride(n int) int {
	s := 1
	for i := 0; i < n && i < len(t.shape); i++ {
		s *= t.shape[i]
	}
	return s
}

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }
func (t *Tensor) DType() ml.DType { return t.dtype }

func (t *Tensor) Floats() []float32 {
	if t.data != nil {
		return t.data
	}
	out := make([]float32, len(t.idata))
	for i, v := range t.idata {
		out[i] = float32(v)
	}
	return out
}

func (t *Tensor) Ints() []int32 {
	if t.idata != nil {
		return t.idata
	}
	out := make([]int32, len(t.data))
	for i, v := range t.data {
		out[i] = int32(v)
	}
	return out
}

func (t *Tensor) elementwise(ctx ml.Context, t2 ml.Tensor, op func(a, b float32) float32) ml.Tensor {
	o2 := t2.(*Tensor)
	out := newFloatTensor(t.dtype, t.shape)
	b := o2.Floats()
	for i, a := range t.Floats() {
		out.data[i] = op(a, b[i%len(b)])
	}
	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(ctx, t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(ctx, t2, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.elementwise(ctx, t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newFloatTensor(t.dtype, t.shape)
	for i, a := range t.Floats() {
		out.data[i] = a * float32(s)
	}
	return out
}

// Mulmat treats both tensors as [k, m] x [k, n] (dim0 = contraction axis,
// ggml convention) and returns [m, n] batched over any remaining
// dimensions, which is all the attention dispatcher and decoder need.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.mulmat(t2)
}

func (t *Tensor) MulmatFullPrec(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.mulmat(t2)
}

func (t *Tensor) mulmat(t2 ml.Tensor) ml.Tensor {
	o2 := t2.(*Tensor)
	k := t.Dim(0)
	m := t.Dim(1)
	n := o2.Dim(1)
	batch := numel(t.shape) / max(k*m, 1)

	out := newFloatTensor(ml.DTypeF32, []int{m, n, batch})
	a := t.Floats()
	b := o2.Floats()
	for bt := 0; bt < batch; bt++ {
		aOff := bt * k * m
		bOff := bt * k * n
		oOff := bt * m * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for kk := 0; kk < k; kk++ {
					sum += a[aOff+kk+i*k] * b[bOff+kk+j*k]
				}
				out.data[oOff+i+j*m] = sum
			}
		}
	}
	return out
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	out := newFloatTensor(t.dtype, t.shape)
	rowLen := t.Dim(0)
	rows := numel(t.shape) / max(rowLen, 1)
	for r := 0; r < rows; r++ {
		off := r * rowLen
		maxv := t.data[off]
		for i := 1; i < rowLen; i++ {
			if t.data[off+i] > maxv {
				maxv = t.data[off+i]
			}
		}
		var sum float32
		for i := 0; i < rowLen; i++ {
			e := float32(math.Exp(float64(t.data[off+i] - maxv)))
			out.data[off+i] = e
			sum += e
		}
		if sum == 0 {
			sum = 1
		}
		for i := 0; i < rowLen; i++ {
			out.data[off+i] /= sum
		}
	}
	return out
}

func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	w := weight.(*Tensor)
	out := newFloatTensor(t.dtype, t.shape)
	rowLen := t.Dim(0)
	rows := numel(t.shape) / max(rowLen, 1)
	for r := 0; r < rows; r++ {
		off := r * rowLen
		var ss float32
		for i := 0; i < rowLen; i++ {
			ss += t.data[off+i] * t.data[off+i]
		}
		scale := float32(1.0 / math.Sqrt(float64(ss/float32(rowLen)+eps)))
		for i := 0; i < rowLen; i++ {
			out.data[off+i] = t.data[off+i] * scale * w.data[i%len(w.data)]
		}
	}
	return out
}

func (t *Tensor) Sin(ctx ml.Context) ml.Tensor { return t.unary(math.Sin) }
func (t *Tensor) Cos(ctx ml.Context) ml.Tensor { return t.unary(math.Cos) }

func (t *Tensor) unary(fn func(float64) float64) ml.Tensor {
	out := newFloatTensor(t.dtype, t.shape)
	for i, v := range t.Floats() {
		out.data[i] = float32(fn(float64(v)))
	}
	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if numel(shape) != numel(t.shape) {
		panic(fmt.Sprintf("refengine: reshape %v -> %v changes element count", t.shape, shape))
	}
	out := &Tensor{dtype: t.dtype, shape: append([]int(nil), shape...), data: t.data, idata: t.idata}
	return out
}

// View returns a tensor of the given shape that aliases t's elements
// starting at offset (in elements), so writes through either one are seen
// by the other.
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	n := numel(shape)
	out := &Tensor{dtype: t.dtype, shape: append([]int(nil), shape...)}
	if t.data != nil {
		out.data = t.data[offset : offset+n : offset+n]
	} else {
		out.idata = t.idata[offset : offset+n : offset+n]
	}
	return out
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	oldShape := t.shape
	newShape := make([]int, len(order))
	for i, d := range order {
		newShape[d] = dimOr1(oldShape, i)
	}
	out := newFloatTensor(t.dtype, newShape)
	src := t.Floats()

	total := numel(newShape)
	idx := make([]int, len(newShape))
	for lin := 0; lin < total; lin++ {
		unravel(lin, newShape, idx)
		srcIdx := make([]int, len(oldShape))
		for i, d := range order {
			if i < len(srcIdx) {
				srcIdx[i] = idx[d]
			}
		}
		srcLin := ravel(srcIdx, oldShape)
		out.data[lin] = src[srcLin]
	}
	return out
}

func dimOr1(shape []int, n int) int {
	if n >= len(shape) {
		return 1
	}
	return shape[n]
}

func unravel(lin int, shape []int, idx []int) {
	for i := range shape {
		idx[i] = lin % shape[i]
		lin /= shape[i]
	}
}

func ravel(idx []int, shape []int) int {
	lin := 0
	stride := 1
	for i := range shape {
		lin += idx[i] * stride
		stride *= shape[i]
	}
	return lin
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	out := newFloatTensor(t.dtype, t.shape)
	copy(out.data, t.Floats())
	return out
}

func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	newShape := append([]int(nil), t.shape...)
	for len(newShape) <= dim {
		newShape = append(newShape, 1)
	}
	newShape[dim] *= n
	out := newFloatTensor(t.dtype, newShape)
	src := t.Floats()

	total := numel(newShape)
	idx := make([]int, len(newShape))
	for lin := 0; lin < total; lin++ {
		unravel(lin, newShape, idx)
		srcIdx := append([]int(nil), idx...)
		srcIdx[dim] = idx[dim] % dimOr1(t.shape, dim)
		srcLin := ravel(srcIdx, t.shape)
		out.data[lin] = src[srcLin]
	}
	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	o2 := t2.(*Tensor)
	newShape := append([]int(nil), t.shape...)
	newShape[dim] = dimOr1(t.shape, dim) + dimOr1(o2.shape, dim)

	out := newFloatTensor(t.dtype, newShape)
	a, b := t.Floats(), o2.Floats()

	total := numel(newShape)
	idx := make([]int, len(newShape))
	for lin := 0; lin < total; lin++ {
		unravel(lin, newShape, idx)
		if idx[dim] < dimOr1(t.shape, dim) {
			out.data[lin] = a[ravel(idx, t.shape)]
		} else {
			srcIdx := append([]int(nil), idx...)
			srcIdx[dim] -= dimOr1(t.shape, dim)
			out.data[lin] = b[ravel(srcIdx, o2.shape)]
		}
	}
	return out
}

// Rows gathers rows of t (along the outermost dimension) named by idxs.
func (t *Tensor) Rows(ctx ml.Context, idxs ml.Tensor) ml.Tensor {
	ids := idxs.(*Tensor).Ints()
	rowLen := t.Dim(0)
	out := newFloatTensor(t.dtype, []int{rowLen, len(ids)})
	src := t.Floats()
	for i, id := range ids {
		copy(out.data[i*rowLen:(i+1)*rowLen], src[int(id)*rowLen:(int(id)+1)*rowLen])
	}
	return out
}

// SetRows scatters rows of src into t in place at the flat row indices
// named by idxs and returns t, used by kvcache.Linear/Paged's Put.
func (t *Tensor) SetRows(ctx ml.Context, src ml.Tensor, idxs ml.Tensor) ml.Tensor {
	s := src.(*Tensor)
	ids := idxs.(*Tensor).Ints()
	rowLen := t.Dim(0)
	dst := t.Floats()
	sData := s.Floats()
	sRowLen := s.Dim(0)

	for i, id := range ids {
		copy(dst[int(id)*rowLen:int(id)*rowLen+rowLen], sData[i*sRowLen:i*sRowLen+sRowLen])
	}
	return t
}

func (t *Tensor) Copy(ctx ml.Context, src ml.Tensor) ml.Tensor {
	s := src.(*Tensor)
	copy(t.Floats(), s.Floats())
	return t
}

func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	newShape := append([]int(nil), t.shape...)
	newShape[dim] = (high - low + step - 1) / step

	out := newFloatTensor(t.dtype, newShape)
	src := t.Floats()
	total := numel(newShape)
	idx := make([]int, len(newShape))
	for lin := 0; lin < total; lin++ {
		unravel(lin, newShape, idx)
		srcIdx := append([]int(nil), idx...)
		srcIdx[dim] = low + idx[dim]*step
		out.data[lin] = src[ravel(srcIdx, t.shape)]
	}
	return out
}

func (t *Tensor) TopK(ctx ml.Context, k int) ml.Tensor {
	data := append([]float32(nil), t.Floats()...)
	idx := make([]int32, len(data))
	for i := range idx {
		idx[i] = int32(i)
	}
	for i := 0; i < k && i < len(data); i++ {
		best := i
		for j := i + 1; j < len(data); j++ {
			if data[j] > data[best] {
				best = j
			}
		}
		data[i], data[best] = data[best], data[i]
		idx[i], idx[best] = idx[best], idx[i]
	}
	if k > len(idx) {
		k = len(idx)
	}
	out := newIntTensor([]int{k})
	copy(out.idata, idx[:k])
	return out
}

func (t *Tensor) Argsort(ctx ml.Context) ml.Tensor {
	data := t.Floats()
	idx := make([]int32, len(data))
	for i := range idx {
		idx[i] = int32(i)
	}
	for i := 0; i < len(idx); i++ {
		for j := i + 1; j < len(idx); j++ {
			if data[idx[j]] > data[idx[i]] {
				idx[i], idx[j] = idx[j], idx[i]
			}
		}
	}
	out := newIntTensor([]int{len(idx)})
	copy(out.idata, idx)
	return out
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := newFloatTensor(dtype, t.shape)
	copy(out.data, t.Floats())
	return out
}
