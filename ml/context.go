// context.go - tensor and execution-context contracts.
//
// Trimmed from a much larger ggml-backed interface down to the operations
// the decoder, attention dispatcher, and KV cache actually need. Everything
// here is a contract; the reference engine (package refengine) is the only
// implementation in this module.
package ml

// Context represents an execution context for tensor operations. A Context
// is cheap to create and is typically scoped to one decoder step or one
// batch forward pass.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	Forward(...Tensor) Context

	// Compute runs the graph rooted at the given outputs synchronously on
	// the Context's Stream.
	Compute(...Tensor)

	// ComputeWithNotify behaves like Compute but invokes notify once the
	// graph has been handed to the Stream, before execution completes.
	ComputeWithNotify(notify func(), outputs ...Tensor)

	// Stream returns the asynchronous stream this Context schedules work
	// onto. Contexts created via NewContext share the backend's main
	// stream unless bound to a per-slot stream with WithStream.
	Stream() Stream

	// WithStream returns a Context bound to the given stream, reusing this
	// Context's allocator.
	WithStream(Stream) Context

	Close()
}

// Tensor represents a multi-dimensional array with the operations needed to
// express attention, normalization, and sampling.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Mulmat(ctx Context, t2 Tensor) Tensor
	MulmatFullPrec(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	Sin(ctx Context) Tensor
	Cos(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	// View returns a non-copying slice of the tensor starting at offset
	// (in elements) with the given shape. Used for carving per-slot
	// regions out of joint buffers and addressing KV cache pages.
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor
	// Repeat repeats the tensor n times along dimension dim, used to
	// broadcast KV heads up to the query head count under grouped-query
	// attention.
	Repeat(ctx Context, dim, n int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Rows(ctx Context, idxs Tensor) Tensor
	SetRows(ctx Context, src Tensor, idxs Tensor) Tensor
	Copy(ctx Context, src Tensor) Tensor

	Slice(ctx Context, dim, low, high, step int) Tensor

	TopK(ctx Context, k int) Tensor
	Argsort(ctx Context) Tensor

	Cast(ctx Context, dtype DType) Tensor
}

// ScaledDotProductAttention implements a fused attention operation
// equivalent to, for a tensor named query:
//
//	query = query.Permute(ctx, 0, 2, 1, 3)
//	key   = key.Permute(ctx, 0, 2, 1, 3)
//	value = value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)
//	kq := key.MulmatFullPrec(ctx, query)
//	kq = kq.Scale(ctx, scale)
//	if mask != nil {
//		kq = kq.Add(ctx, mask)
//	}
//	kq = kq.Softmax(ctx)
//	kqv := value.Mulmat(ctx, kq)
//	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
//
// Backends implementing this interface are used by the Attention Step
// Dispatcher's fused fast path whenever context-FMHA is enabled and the
// slot qualifies (see attention.Dispatcher).
type ScaledDotProductAttention interface {
	ScaledDotProductAttention(ctx Context, query, key, value, mask Tensor, scale float64) Tensor
}
