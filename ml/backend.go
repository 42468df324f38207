// backend.go - engine-boundary contract.
//
// Stripped of gguf/file-loading concerns and given a Descriptor in place of
// a model-file-derived config struct, so this module never depends on a
// model file format.
package ml

import "context"

// Descriptor describes the shape of a compiled engine well enough for the
// scheduler and attention dispatcher to allocate buffers and pick a stride
// pattern. It replaces a real engine-plan file, which this module does not
// parse.
type Descriptor struct {
	NumLayers    int
	NumHeads     int
	NumKVHeads   int
	HeadSize     int
	VocabSize    int
	MaxBatchSize int
	MaxBeamWidth int
	MaxSeqLen    int

	// UseContextFMHA requests the fused ScaledDotProductAttention fast
	// path for context (prefill) attention when the backend supports it.
	// The dispatcher only takes this path when DType is also 16-bit,
	// matching mEnableContextFMHA's dtype guard in GptSession.
	UseContextFMHA bool

	// DType is the activation/KV element type the engine was built for.
	// Fused attention kernels in real engines are 16-bit only; DTypeF32
	// and narrower integer/FP8 types always fall back to the strided path.
	DType DType

	// PosEncoding selects RoPE, ALiBi, or no positional encoding.
	PosEncoding PosEncoding

	// VocabPadded is the vocabulary size padded up to the engine's
	// tensor-parallel-friendly multiple, mirroring GptModelConfig's
	// vocabSizePadded. It may exceed VocabSize; logits beyond VocabSize
	// are padding columns the sampler must never select.
	VocabPadded int

	// PackedInput selects the ragged/packed input layout (all sequences'
	// tokens concatenated into one flat buffer, no padding) over the
	// dense [batch, maxInputLen] layout, mirroring GptModelConfig::usePackedInput.
	PackedInput bool

	// PagedKvCache reports whether this engine was built against the
	// paged KV-cache addressing contract rather than the linear one,
	// mirroring GptModelConfig::usePagedKvCache.
	PagedKvCache bool

	// AttentionPluginEnabled mirrors GptModelConfig::useGptAttentionPlugin:
	// whether the engine was built with the fused attention plugin at all.
	// The attention dispatcher does not read this flag; it picks its fused
	// path from UseContextFMHA, DType and the backend alone.
	AttentionPluginEnabled bool
}

// HeadSharing classifies this descriptor's head-count ratio.
func (d Descriptor) HeadSharing() HeadSharing {
	return Classify(d.NumHeads, d.NumKVHeads)
}

// Backend represents a compiled inference engine.
type Backend interface {
	Close()

	// Load prepares the backend for execution; for the reference engine
	// this is a no-op, for a real engine it would map device memory.
	Load(ctx context.Context) error

	Descriptor() Descriptor

	// NewContext returns a Context bound to the backend's main stream.
	NewContext() Context

	// NewStream allocates a new asynchronous stream, used by the
	// scheduler to give each batch slot its own stream.
	NewStream() Stream

	// AlgoCache returns the backend-wide matrix-multiplication algorithm
	// cache. All Contexts created by this backend share the same cache.
	AlgoCache() *AlgoCache
}
