// types.go - core value types shared by every tensor/engine contract.
package ml

// DType is the element type of a Tensor.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeI8
	DTypeFP8
)

// Size returns the element size in bytes, or 0 for DTypeOther.
func (d DType) Size() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8, DTypeFP8:
		return 1
	default:
		return 0
	}
}

// Is16Bit reports whether d is a 16-bit floating-point type, the dtype
// class the fused context-attention kernels require.
func (d DType) Is16Bit() bool {
	return d == DTypeF16 || d == DTypeBF16
}

// PosEncoding selects how positional information is injected into the
// attention scores.
type PosEncoding int

const (
	PosEncodingNone PosEncoding = iota
	PosEncodingRoPE
	PosEncodingALiBi
)

// HeadSharing classifies the ratio between query heads and KV heads that
// the Attention Step Dispatcher must stride over.
type HeadSharing int

const (
	HeadSharingMultiHead  HeadSharing = iota // numKVHeads == numHeads
	HeadSharingGrouped                       // 1 < numKVHeads < numHeads
	HeadSharingSingleHead                    // numKVHeads == 1 (MQA)
)

// Classify returns the head-sharing regime for the given head counts.
func Classify(numHeads, numKVHeads int) HeadSharing {
	switch {
	case numKVHeads == 1:
		return HeadSharingSingleHead
	case numKVHeads == numHeads:
		return HeadSharingMultiHead
	default:
		return HeadSharingGrouped
	}
}
