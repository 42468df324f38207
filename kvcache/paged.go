package kvcache

import (
	"fmt"
	"slices"

	"github.com/trtllm-go/runtime/ml"
)

// Paged is a KV Cache View backed by fixed-size blocks drawn from a shared
// pool, addressed per sequence through a block table — the (sequenceIdx,
// timestep) -> address half of the addressing contract resolves through an
// extra indirection absent from Linear. Free storage is tracked as a list
// of whole blocks, handed out on demand as a sequence grows, with the
// block-table/BlockManager allocation discipline of the nano-vllm-go
// reference scheduler.
type Paged struct {
	blockSize int
	numBlocks int
	quant     Quant

	backend ml.Backend
	ctxs    map[int]ml.Context
	keys    map[int]ml.Tensor
	values  map[int]ml.Tensor

	freeBlocks []int
	tables     map[int][]int // seq -> ordered block ids
	seqLen     map[int]int32

	curLayer     int
	curBatchSize int
	curSequences []int
	curPositions []int32
	curBlockIdx  ml.Tensor // per-token flat storage index, len == batch
	curMask      ml.Tensor
	curMaxLen    int
	opts         CausalOptions
}

// NewPaged returns a Paged view with numBlocks blocks of blockSize tokens
// each, addressed through a per-sequence block table.
func NewPaged(backend ml.Backend, quant Quant, numBlocks, blockSize int) *Paged {
	free := make([]int, numBlocks)
	for i := range free {
		free[i] = numBlocks - 1 - i // pop from the tail, lowest ids handed out first
	}
	return &Paged{
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		quant:      quant,
		backend:    backend,
		ctxs:       make(map[int]ml.Context),
		keys:       make(map[int]ml.Tensor),
		values:     make(map[int]ml.Tensor),
		freeBlocks: free,
		tables:     make(map[int][]int),
		seqLen:     make(map[int]int32),
	}
}

func (c *Paged) blocksNeeded(tokens int32) int {
	return (int(tokens) + c.blockSize - 1) / c.blockSize
}

func (c *Paged) ensureCapacity(seq int, tokens int32) error {
	need := c.blocksNeeded(tokens) - len(c.tables[seq])
	if need <= 0 {
		return nil
	}
	if len(c.freeBlocks) < need {
		return fmt.Errorf("%w (free blocks: %d need: %d)", ErrCacheFull, len(c.freeBlocks), need)
	}
	for i := 0; i < need; i++ {
		last := len(c.freeBlocks) - 1
		block := c.freeBlocks[last]
		c.freeBlocks = c.freeBlocks[:last]
		c.tables[seq] = append(c.tables[seq], block)
	}
	return nil
}

// address maps a (sequence, timestep) pair to a flat index into the
// per-layer [blockSize*numBlocks] storage tensor — the Paged half of the
// KV Cache View addressing contract.
func (c *Paged) address(seq int, timestep int32) int {
	table := c.tables[seq]
	block := table[int(timestep)/c.blockSize]
	return block*c.blockSize + int(timestep)%c.blockSize
}

func (c *Paged) StartForward(ctx ml.Context, batch Batch, reserve bool) error {
	c.curBatchSize = len(batch.Positions)
	c.curSequences = batch.Sequences
	c.curPositions = batch.Positions
	c.opts.Except = nil

	idx := make([]int32, c.curBatchSize)

	if !reserve {
		for i, pos := range batch.Positions {
			seq := batch.Sequences[i]
			if err := c.ensureCapacity(seq, pos+1); err != nil {
				return err
			}
			idx[i] = int32(c.address(seq, pos))
			if pos+1 > c.seqLen[seq] {
				c.seqLen[seq] = pos + 1
			}
		}
	} else {
		for i := range idx {
			idx[i] = int32(i % (c.numBlocks * c.blockSize))
		}
	}

	maxLen := 0
	for _, seq := range batch.Sequences {
		if int(c.seqLen[seq]) > maxLen {
			maxLen = int(c.seqLen[seq])
		}
	}
	if maxLen == 0 {
		maxLen = 1
	}
	c.curMaxLen = maxLen

	c.curBlockIdx = ctx.FromInts(idx, len(idx))
	c.curMask = c.buildMask(ctx)
	return nil
}

func (c *Paged) buildMask(ctx ml.Context) ml.Tensor {
	mask := make([]float32, c.curBatchSize*c.curMaxLen)
	for i := range c.curBatchSize {
		seq := c.curSequences[i]
		enabled := !slices.Contains(c.opts.Except, i)
		for t := 0; t < c.curMaxLen; t++ {
			if (enabled && int32(t) > c.curPositions[i]) || t >= int(c.seqLen[seq]) {
				mask[i*c.curMaxLen+t] = negInf
			}
		}
	}
	return ctx.FromFloats(mask, c.curMaxLen, c.curBatchSize)
}

func (c *Paged) SetLayer(layer int) { c.curLayer = layer }

func (c *Paged) SetCausal(ctx ml.Context, opts CausalOptions) {
	c.opts = opts
	if ctx != nil {
		c.curMask = c.buildMask(ctx)
	}
}

func (c *Paged) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	key := c.keys[c.curLayer]
	value := c.values[c.curLayer]
	return key, value, c.curMask
}

func (c *Paged) Put(ctx ml.Context, key, value ml.Tensor) {
	kHeadDim := key.Dim(0)
	vHeadDim := value.Dim(0)
	numKVHeads := key.Dim(1)
	batchSize := key.Dim(2)
	storage := c.numBlocks * c.blockSize

	storeDType := c.quant.DType(key.DType())

	if _, ok := c.ctxs[c.curLayer]; !ok {
		c.ctxs[c.curLayer] = c.backend.NewContext()
	}
	layerCtx := c.ctxs[c.curLayer]

	if _, ok := c.keys[c.curLayer]; !ok {
		c.keys[c.curLayer] = layerCtx.Zeros(storeDType, kHeadDim, numKVHeads, storage)
	}
	if _, ok := c.values[c.curLayer]; !ok {
		c.values[c.curLayer] = layerCtx.Zeros(storeDType, vHeadDim, numKVHeads, storage)
	}

	if storeDType != key.DType() {
		key = key.Cast(ctx, storeDType)
		value = value.Cast(ctx, storeDType)
	}

	key = key.Reshape(ctx, kHeadDim*numKVHeads, batchSize)
	keyCache := c.keys[c.curLayer].Reshape(ctx, kHeadDim*numKVHeads, storage)
	ctx.Forward(keyCache.SetRows(ctx, key, c.curBlockIdx))

	value = value.Reshape(ctx, vHeadDim*numKVHeads, batchSize)
	valueCache := c.values[c.curLayer].Reshape(ctx, vHeadDim*numKVHeads, storage)
	ctx.Forward(valueCache.SetRows(ctx, value, c.curBlockIdx))
}

func (c *Paged) CopyPrefix(srcSeq, dstSeq int, length int32) {
	need := c.blocksNeeded(length)
	table := append([]int(nil), c.tables[srcSeq][:min(need, len(c.tables[srcSeq]))]...)
	c.tables[dstSeq] = table
	c.seqLen[dstSeq] = length
}

func (c *Paged) CanResume(seq int, pos int32) bool {
	_, ok := c.tables[seq]
	return ok
}

func (c *Paged) Remove(seq int, beginIndex, endIndex int32) error {
	if beginIndex == 0 && endIndex == maxPos {
		c.freeBlocks = append(c.freeBlocks, c.tables[seq]...)
		delete(c.tables, seq)
		delete(c.seqLen, seq)
		return nil
	}
	// Paged storage only supports evicting a sequence's full tail; a
	// partial mid-sequence removal would require compacting block
	// contents, which this view does not do.
	if endIndex != maxPos {
		return ErrNotSupported
	}
	keep := c.blocksNeeded(beginIndex)
	if keep < len(c.tables[seq]) {
		freed := c.tables[seq][keep:]
		c.freeBlocks = append(c.freeBlocks, freed...)
		c.tables[seq] = c.tables[seq][:keep]
	}
	c.seqLen[seq] = beginIndex
	return nil
}

func (c *Paged) Close() {
	for _, ctx := range c.ctxs {
		ctx.Close()
	}
}
