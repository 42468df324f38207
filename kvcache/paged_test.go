package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaged_PutThenGetRoundtrips(t *testing.T) {
	backend := newTestBackend()
	view := NewPaged(backend, QuantNone, 4, 2) // 4 blocks of 2 tokens each
	defer view.Close()

	ctx := backend.NewContext()
	batch := Batch{Positions: []int32{0, 0}, Sequences: []int{0, 1}}
	require.NoError(t, view.StartForward(ctx, batch, false))
	view.SetLayer(0)

	key := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 1, 2)
	value := ctx.FromFloats([]float32{5, 6, 7, 8}, 2, 1, 2)
	view.Put(ctx, key, value)

	gotKey, gotValue, mask := view.Get(ctx)
	assert.NotNil(t, mask)
	assert.Equal(t, 1, gotKey.Dim(1))
	assert.Equal(t, 1, gotValue.Dim(1))
}

func TestPaged_AllocatesAdditionalBlocksAcrossBoundary(t *testing.T) {
	backend := newTestBackend()
	view := NewPaged(backend, QuantNone, 4, 2) // blockSize 2, so token index 2 needs a second block
	defer view.Close()

	ctx := backend.NewContext()
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{0}, Sequences: []int{0}}, false))
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{1}, Sequences: []int{0}}, false))
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{2}, Sequences: []int{0}}, false))

	assert.Len(t, view.tables[0], 2, "third token should have pulled a second block")
}

func TestPaged_StartForwardFailsWhenBlocksExhausted(t *testing.T) {
	backend := newTestBackend()
	view := NewPaged(backend, QuantNone, 1, 2) // only 1 block total
	defer view.Close()

	ctx := backend.NewContext()
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{0}, Sequences: []int{0}}, false))

	err := view.StartForward(ctx, Batch{Positions: []int32{0}, Sequences: []int{1}}, false)
	assert.ErrorIs(t, err, ErrCacheFull)
}

func TestPaged_RemoveFullSequenceFreesAllBlocks(t *testing.T) {
	backend := newTestBackend()
	view := NewPaged(backend, QuantNone, 2, 2)
	defer view.Close()

	ctx := backend.NewContext()
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{0}, Sequences: []int{0}}, false))
	assert.True(t, view.CanResume(0, 0))
	assert.Len(t, view.freeBlocks, 1)

	require.NoError(t, view.Remove(0, 0, maxPos))
	assert.False(t, view.CanResume(0, 0))
	assert.Len(t, view.freeBlocks, 2)
}

func TestPaged_RemovePartialTailKeepsLeadingBlocks(t *testing.T) {
	backend := newTestBackend()
	view := NewPaged(backend, QuantNone, 4, 2)
	defer view.Close()

	ctx := backend.NewContext()
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{0}, Sequences: []int{0}}, false))
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{1}, Sequences: []int{0}}, false))
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{2}, Sequences: []int{0}}, false))
	require.Len(t, view.tables[0], 2)

	require.NoError(t, view.Remove(0, 1, maxPos)) // keep only token 0's block
	assert.Len(t, view.tables[0], 1)
}

func TestPaged_RemoveMidSequenceIsUnsupported(t *testing.T) {
	backend := newTestBackend()
	view := NewPaged(backend, QuantNone, 4, 2)
	defer view.Close()

	ctx := backend.NewContext()
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{0, 1, 2}, Sequences: []int{0, 0, 0}}, false))

	err := view.Remove(0, 0, 1)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestPaged_CopyPrefixSharesLeadingBlocks(t *testing.T) {
	backend := newTestBackend()
	view := NewPaged(backend, QuantNone, 4, 2)
	defer view.Close()

	ctx := backend.NewContext()
	require.NoError(t, view.StartForward(ctx, Batch{Positions: []int32{0, 1}, Sequences: []int{0, 0}}, false))

	view.CopyPrefix(0, 1, 2)
	assert.Equal(t, view.tables[0], view.tables[1])
	assert.True(t, view.CanResume(1, 0))
}
