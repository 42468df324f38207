package kvcache

import (
	"slices"

	"github.com/trtllm-go/runtime/ml"
)

// Linear is a KV Cache View backed by one contiguous storage region per
// layer. Unlike Paged, there is no block-table indirection: every resident
// sequence owns one fixed-size contiguous span of maxSeqLen cells for its
// entire lifetime, and address() resolves a (sequence, timestep) pair
// directly against that span rather than through a per-sequence table.
type Linear struct {
	maxSeqLen int
	maxSlots  int
	maxBatch  int
	quant     Quant
	shiftFn   ShiftFunc

	backend ml.Backend
	ctxs    map[int]ml.Context
	keys    map[int]ml.Tensor
	values  map[int]ml.Tensor

	freeSlots []int
	slotOf    map[int]int
	seqLen    map[int]int32

	curLayer     int
	curBatchSize int
	curSequences []int
	curPositions []int32
	curLoc       ml.Tensor
	curMask      ml.Tensor
	curMaxLen    int
	opts         CausalOptions
}

// NewLinear returns a Linear view with room for maxSequences concurrently
// resident sequences of up to maxSeqLen tokens each, backed by backend.
func NewLinear(backend ml.Backend, quant Quant, maxSequences, maxSeqLen, maxBatch int, shift ShiftFunc) *Linear {
	free := make([]int, maxSequences)
	for i := range free {
		free[i] = maxSequences - 1 - i // pop from the tail, lowest ids handed out first
	}
	return &Linear{
		maxSeqLen: maxSeqLen,
		maxSlots:  maxSequences,
		maxBatch:  maxBatch,
		quant:     quant,
		shiftFn:   shift,
		backend:   backend,
		ctxs:      make(map[int]ml.Context),
		keys:      make(map[int]ml.Tensor),
		values:    make(map[int]ml.Tensor),
		freeSlots: free,
		slotOf:    make(map[int]int),
		seqLen:    make(map[int]int32),
	}
}

// ensureSlot assigns seq a fresh contiguous span if it does not already own
// one, the Linear counterpart to Paged.ensureCapacity.
func (c *Linear) ensureSlot(seq int) error {
	if _, ok := c.slotOf[seq]; ok {
		return nil
	}
	if len(c.freeSlots) == 0 {
		return fullCapacityError(c.maxSlots, len(c.slotOf)+1)
	}
	last := len(c.freeSlots) - 1
	slot := c.freeSlots[last]
	c.freeSlots = c.freeSlots[:last]
	c.slotOf[seq] = slot
	return nil
}

// address maps a (sequence, timestep) pair to a flat index into the
// per-layer [maxSlots*maxSeqLen] storage tensor — the Linear half of the
// KV Cache View addressing contract, directly analogous to Paged.address
// but without its block-table indirection.
func (c *Linear) address(seq int, timestep int32) int {
	return c.slotOf[seq]*c.maxSeqLen + int(timestep)
}

func (c *Linear) StartForward(ctx ml.Context, batch Batch, reserve bool) error {
	c.curBatchSize = len(batch.Positions)
	c.curSequences = batch.Sequences
	c.curPositions = batch.Positions
	c.opts.Except = nil

	idx := make([]int32, c.curBatchSize)

	if !reserve {
		for i, pos := range batch.Positions {
			seq := batch.Sequences[i]
			if err := c.ensureSlot(seq); err != nil {
				return err
			}
			idx[i] = int32(c.address(seq, pos))
			if pos+1 > c.seqLen[seq] {
				c.seqLen[seq] = pos + 1
			}
		}
	} else {
		for i := range idx {
			idx[i] = int32(i % (c.maxSlots * c.maxSeqLen))
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

	c.curLoc = ctx.FromInts(idx, len(idx))
	c.curMask = c.buildMask(ctx)
	return nil
}

func (c *Linear) buildMask(ctx ml.Context) ml.Tensor {
	mask := make([]float32, c.curBatchSize*c.curMaxLen)
	for i := range c.curBatchSize {
		seq := c.curSequences[i]
		enabled := !slices.Contains(c.opts.Except, i)
		for t := range c.curMaxLen {
			blocked := t >= int(c.seqLen[seq]) || (enabled && int32(t) > c.curPositions[i])
			if blocked {
				mask[i*c.curMaxLen+t] = negInf
			}
		}
	}
	return ctx.FromFloats(mask, c.curMaxLen, c.curBatchSize)
}

func (c *Linear) SetLayer(layer int) { c.curLayer = layer }

func (c *Linear) SetCausal(ctx ml.Context, opts CausalOptions) {
	c.opts = opts
	if ctx != nil {
		c.curMask = c.buildMask(ctx)
	}
}

func (c *Linear) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	return c.keys[c.curLayer], c.values[c.curLayer], c.curMask
}

func (c *Linear) Put(ctx ml.Context, key, value ml.Tensor) {
	kHeadDim := key.Dim(0)
	vHeadDim := value.Dim(0)
	numKVHeads := key.Dim(1)
	batchSize := key.Dim(2)
	storage := c.maxSlots * c.maxSeqLen

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
	ctx.Forward(keyCache.SetRows(ctx, key, c.curLoc))

	value = value.Reshape(ctx, vHeadDim*numKVHeads, batchSize)
	valueCache := c.values[c.curLayer].Reshape(ctx, vHeadDim*numKVHeads, storage)
	ctx.Forward(valueCache.SetRows(ctx, value, c.curLoc))
}

// CopyPrefix makes dstSeq's first length cells hold a copy of srcSeq's.
// Because Linear has no block-table indirection, sharing history physically
// copies every already-materialized layer's data from srcSeq's span into
// dstSeq's span, unlike Paged's CopyPrefix, which only aliases table
// entries.
func (c *Linear) CopyPrefix(srcSeq, dstSeq int, length int32) {
	if err := c.ensureSlot(dstSeq); err != nil {
		return
	}
	srcSlot, ok := c.slotOf[srcSeq]
	if !ok {
		return
	}
	dstSlot := c.slotOf[dstSeq]

	ctx := c.backend.NewContext()
	defer ctx.Close()

	for layer, key := range c.keys {
		value := c.values[layer]
		c.copyRegion(ctx, key, srcSlot, dstSlot, length)
		c.copyRegion(ctx, value, srcSlot, dstSlot, length)
	}
	ctx.Compute()

	c.seqLen[dstSeq] = length
}

// copyRegion copies the first length cells of srcSlot's span into dstSlot's
// span of storage, one layer's key or value tensor at a time.
func (c *Linear) copyRegion(ctx ml.Context, storage ml.Tensor, srcSlot, dstSlot int, length int32) {
	if storage == nil || length <= 0 {
		return
	}
	headDim := storage.Dim(0)
	numKVHeads := storage.Dim(1)
	rowSize := storage.Stride(2)

	src := storage.View(ctx, rowSize*srcSlot*c.maxSeqLen, headDim, numKVHeads, int(length))
	dst := storage.View(ctx, rowSize*dstSlot*c.maxSeqLen, headDim, numKVHeads, int(length))
	ctx.Forward(dst.Copy(ctx, src))
}

func (c *Linear) CanResume(seq int, pos int32) bool {
	_, ok := c.slotOf[seq]
	return ok
}

func (c *Linear) Remove(seq int, beginIndex, endIndex int32) error {
	slot, ok := c.slotOf[seq]
	if !ok {
		return nil
	}

	if beginIndex == 0 && endIndex == maxPos {
		delete(c.slotOf, seq)
		delete(c.seqLen, seq)
		c.freeSlots = append(c.freeSlots, slot)
		return nil
	}

	// Dropping a tail needs no data movement; everything before
	// beginIndex is already contiguous from the span's start.
	if endIndex == maxPos {
		c.seqLen[seq] = beginIndex
		return nil
	}

	// An interior span needs the tail shifted down to stay contiguous,
	// which only a configured ShiftFunc can do (e.g. re-deriving RoPE at
	// the new positions).
	offset := beginIndex - endIndex
	if err := c.shift(seq, endIndex, offset); err != nil {
		return err
	}
	c.seqLen[seq] += offset
	return nil
}

// shift moves seq's cells at or after beginIndex offset positions earlier,
// re-deriving each key through shiftFn and copying each value, in windows
// of at most maxBatch cells.
func (c *Linear) shift(seq int, beginIndex, offset int32) error {
	if c.shiftFn == nil {
		return ErrNotSupported
	}

	slot, ok := c.slotOf[seq]
	if !ok {
		return nil
	}
	length := c.seqLen[seq] - beginIndex
	if length <= 0 {
		return nil
	}

	for start := beginIndex; start < beginIndex+length; start += int32(c.maxBatch) {
		size := min(int(beginIndex+length-start), c.maxBatch)

		offsets := make([]int32, size)
		for i := range offsets {
			offsets[i] = offset
		}

		ctx := c.backend.NewContext()
		kShift := ctx.FromInts(offsets, len(offsets))

		base := slot*c.maxSeqLen + int(start)
		for layer, key := range c.keys {
			if key == nil {
				continue
			}
			kHeadDim := key.Dim(0)
			numKVHeads := key.Dim(1)
			rowSize := key.Stride(2)

			window := key.View(ctx, rowSize*base, kHeadDim, numKVHeads, size)
			roped, err := c.shiftFn(ctx, layer, window, kShift)
			if err != nil {
				ctx.Close()
				return err
			}
			dst := key.View(ctx, rowSize*(base+int(offset)), kHeadDim, numKVHeads, size)
			ctx.Forward(dst.Copy(ctx, roped))

			if value := c.values[layer]; value != nil {
				vRowSize := value.Stride(2)
				vSrc := value.View(ctx, vRowSize*base, value.Dim(0), value.Dim(1), size)
				vDst := value.View(ctx, vRowSize*(base+int(offset)), value.Dim(0), value.Dim(1), size)
				ctx.Forward(vDst.Copy(ctx, vSrc))
			}
		}

		ctx.Compute()
		ctx.Close()
	}
	return nil
}

func (c *Linear) Close() {
	for _, ctx := range c.ctxs {
		ctx.Close()
	}
}

const negInf = float32(-1 << 30)
const maxPos = int32(1<<31 - 1)
