// Package nf4 implements 4-bit NormalFloat block quantization with optional
// double quantization of the per-block scales.
package nf4

import (
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"

	"nano-qlora-go/tensor"
)

// ErrCodecSize reports quantization requested with an invalid block size or an
// empty tensor.
var ErrCodecSize = errors.New("nf4: invalid codec size")

// Codebook holds the 16 NF4 levels: quantiles of the standard normal
// distribution clipped to [-1, 1]. Index 7 is exactly zero.
var Codebook = [16]float32{
	-1.0000, -0.6962, -0.5251, -0.3949, -0.2844, -0.1848, -0.0911, 0.0000,
	0.0796, 0.1609, 0.2461, 0.3379, 0.4407, 0.5626, 0.7230, 1.0000,
}

// DefaultBlockSize is the block size used when quantizing model weights.
const DefaultBlockSize = 64

// superBlock groups 4 consecutive blocks for double quantization.
const superBlock = 4

const scaleFloor = 1e-8

// QuantizedTensor is the packed NF4 representation of a float32 tensor.
// Immutable after creation.
type QuantizedTensor struct {
	Packed      []byte            // two 4-bit indices per byte, low nibble first
	Scales      []float16.Float16 // one per block
	Scales2     []uint8           // one per super-block when DoubleQuant
	ScaleMax    float32           // second-level quantization constant
	Shape       []int
	BlockSize   int
	DoubleQuant bool

	acct *tensor.Accountant
}

// Size returns the element count of the original tensor.
func (q *QuantizedTensor) Size() int {
	size := 1
	for _, dim := range q.Shape {
		size *= dim
	}
	return size
}

// NumBytes returns the packed storage size, payload plus scales.
func (q *QuantizedTensor) NumBytes() int64 {
	return int64(len(q.Packed)) + int64(len(q.Scales))*2 + int64(len(q.Scales2))
}

// Release deregisters the packed bytes from the accountant.
func (q *QuantizedTensor) Release() {
	if q.acct == nil {
		return
	}
	q.acct.Unregister(tensor.ModelWeights, q.NumBytes())
	q.acct = nil
}

// nearestIndex returns the codebook index closest to the normalized value.
func nearestIndex(x float32) int {
	best := 0
	bestDist := float32(math.Abs(float64(x - Codebook[0])))
	for j := 1; j < 16; j++ {
		d := float32(math.Abs(float64(x - Codebook[j])))
		if d < bestDist {
			best = j
			bestDist = d
		}
	}
	return best
}

// Quantize converts a float32 tensor to packed NF4. Blocks are contiguous runs
// of blockSize elements over the flat sequence; the last block may be short.
// With doubleQuant, every 4 block scales are re-quantized against their shared
// absmax and an 8-bit super-block scale is stored alongside.
func Quantize(t *tensor.Tensor, blockSize int, doubleQuant bool) (*QuantizedTensor, error) {
	return QuantizeTagged(nil, t, blockSize, doubleQuant)
}

// QuantizeTagged is Quantize with the packed result registered under the
// accountant's model_weights category.
func QuantizeTagged(acct *tensor.Accountant, t *tensor.Tensor, blockSize int, doubleQuant bool) (*QuantizedTensor, error) {
	n := t.Size()
	if n == 0 || len(t.Shape) == 0 {
		return nil, fmt.Errorf("%w: empty tensor", ErrCodecSize)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrCodecSize, blockSize)
	}

	numBlocks := (n + blockSize - 1) / blockSize

	q := &QuantizedTensor{
		Packed:      make([]byte, (n+1)/2),
		Scales:      make([]float16.Float16, numBlocks),
		Shape:       append([]int(nil), t.Shape...),
		BlockSize:   blockSize,
		DoubleQuant: doubleQuant,
	}

	blockScales := make([]float32, numBlocks)
	for b := 0; b < numBlocks; b++ {
		start := b * blockSize
		end := start + blockSize
		if end > n {
			end = n
		}

		s := float32(0)
		for i := start; i < end; i++ {
			v := t.Data[i]
			if v < 0 {
				v = -v
			}
			if v > s {
				s = v
			}
		}
		if s < scaleFloor {
			s = scaleFloor
		}
		blockScales[b] = s

		for i := start; i < end; i++ {
			idx := nearestIndex(t.Data[i] / s)
			if i%2 == 0 {
				q.Packed[i/2] |= byte(idx)
			} else {
				q.Packed[i/2] |= byte(idx) << 4
			}
		}
	}

	if doubleQuant {
		numSuper := (numBlocks + superBlock - 1) / superBlock
		q.Scales2 = make([]uint8, numSuper)

		// The 8-bit super-block scales quantize against a per-tensor
		// constant so small-magnitude super-blocks keep their resolution.
		for _, s := range blockScales {
			if s > q.ScaleMax {
				q.ScaleMax = s
			}
		}

		for sb := 0; sb < numSuper; sb++ {
			start := sb * superBlock
			end := start + superBlock
			if end > numBlocks {
				end = numBlocks
			}

			maxScale := float32(0)
			for b := start; b < end; b++ {
				if blockScales[b] > maxScale {
					maxScale = blockScales[b]
				}
			}

			stored := 127 * maxScale / q.ScaleMax
			if stored < 1 {
				stored = 1
			} else if stored > 127 {
				stored = 127
			}
			q.Scales2[sb] = uint8(stored + 0.5)

			sHat := float32(q.Scales2[sb]) * q.ScaleMax / (127 * 127)
			for b := start; b < end; b++ {
				q.Scales[b] = float16.Fromfloat32(blockScales[b] / sHat)
			}
		}
	} else {
		for b := 0; b < numBlocks; b++ {
			q.Scales[b] = float16.Fromfloat32(blockScales[b])
		}
	}

	if acct != nil {
		acct.Register(tensor.ModelWeights, q.NumBytes())
		q.acct = acct
	}

	return q, nil
}

// Dequantize reconstructs a float32 tensor of the original shape.
func (q *QuantizedTensor) Dequantize() *tensor.Tensor {
	n := q.Size()
	out := tensor.New(q.Shape...)

	for g := 0; g < n; g++ {
		b := g / q.BlockSize

		var idx byte
		if g%2 == 0 {
			idx = q.Packed[g/2] & 0x0F
		} else {
			idx = (q.Packed[g/2] >> 4) & 0x0F
		}
		out.Data[g] = Codebook[idx] * q.effectiveScale(b)
	}

	return out
}

// effectiveScale resolves a block's scale, folding in the super-block level
// when double quantization is enabled.
func (q *QuantizedTensor) effectiveScale(block int) float32 {
	scale := q.Scales[block].Float32()
	if q.DoubleQuant {
		scale *= float32(q.Scales2[block/superBlock]) * q.ScaleMax / (127 * 127)
	}
	return scale
}

// DequantizeRow reconstructs a single row of a 2D quantized tensor into dst.
// Used by the embedding gather so a token lookup never materializes the whole
// table.
func (q *QuantizedTensor) DequantizeRow(row int, dst []float32) {
	if len(q.Shape) != 2 {
		panic("DequantizeRow requires a 2D quantized tensor")
	}
	cols := q.Shape[1]
	if len(dst) < cols {
		panic("DequantizeRow: dst too short")
	}

	for j := 0; j < cols; j++ {
		g := row*cols + j

		var idx byte
		if g%2 == 0 {
			idx = q.Packed[g/2] & 0x0F
		} else {
			idx = (q.Packed[g/2] >> 4) & 0x0F
		}
		dst[j] = Codebook[idx] * q.effectiveScale(g/q.BlockSize)
	}
}
