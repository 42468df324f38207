package refengine

import "github.com/trtllm-go/runtime/ml"

// Context is refengine's ml.Context: since every Tensor op above executes
// eagerly, Forward/Compute have nothing to schedule and exist only to
// satisfy the interface other packages are written against.
type Context struct {
	stream ml.Stream
}

func newContext(stream ml.Stream) *Context {
	return &Context{stream: stream}
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	if dtype == ml.DTypeI32 {
		return newIntTensor(shape)
	}
	return newFloatTensor(dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Empty(dtype, shape...)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newFloatTensor(ml.DTypeF32, shape)
	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newIntTensor(shape)
	copy(t.idata, s)
	return t
}

func (c *Context) Forward(...ml.Tensor) ml.Context { return c }

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) ComputeWithNotify(notify func(), outputs ...ml.Tensor) {
	notify()
}

func (c *Context) Stream() ml.Stream { return c.stream }

func (c *Context) WithStream(s ml.Stream) ml.Context {
	return &Context{stream: s}
}

func (c *Context) Close() {}
