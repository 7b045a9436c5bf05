package tensor

import (
	"fmt"
	"math"
)

// MatMul performs matrix multiplication: [m,k] x [k,n] -> [m,n]
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := New(m, n)

	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a.Data[i*k+p]
			if av == 0 {
				continue
			}
			row := result.Data[i*n : (i+1)*n]
			brow := b.Data[p*n : (p+1)*n]
			for j := 0; j < n; j++ {
				row[j] += av * brow[j]
			}
		}
	}

	return result
}

// MatMulTransposeB computes a x b^T: [m,k] x [n,k] -> [m,n] without
// materializing the transpose.
func MatMulTransposeB(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMulTransposeB requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[1] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]^T", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[0]
	result := New(m, n)

	for i := 0; i < m; i++ {
		arow := a.Data[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			brow := b.Data[j*k : (j+1)*k]
			sum := float32(0)
			for p := 0; p < k; p++ {
				sum += arow[p] * brow[p]
			}
			result.Data[i*n+j] = sum
		}
	}

	return result
}

// Transpose swaps dimensions of a 2D tensor.
func Transpose(t *Tensor) *Tensor {
	if len(t.Shape) != 2 {
		panic("Transpose requires 2D tensor")
	}
	m, n := t.Shape[0], t.Shape[1]
	result := New(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			result.Data[j*m+i] = t.Data[i*n+j]
		}
	}
	return result
}

// Add performs element-wise addition.
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := New(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	for i := range a.Data {
		a.Data[i] += b.Data[i]
	}
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, factor float32) *Tensor {
	result := New(t.Shape...)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * factor
	}
	return result
}

// ScaleInPlace multiplies all elements by a scalar in place.
func ScaleInPlace(t *Tensor, factor float32) {
	for i := range t.Data {
		t.Data[i] *= factor
	}
}

// Mul performs element-wise (Hadamard) product.
func Mul(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := New(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] * b.Data[i]
	}
	return result
}

// Softmax applies softmax along the last dimension.
func Softmax(t *Tensor) *Tensor {
	result := New(t.Shape...)

	cols := t.Shape[len(t.Shape)-1]
	rows := t.Size() / cols

	for i := 0; i < rows; i++ {
		offset := i * cols

		maxVal := t.Data[offset]
		for j := 1; j < cols; j++ {
			if t.Data[offset+j] > maxVal {
				maxVal = t.Data[offset+j]
			}
		}

		sum := float32(0)
		for j := 0; j < cols; j++ {
			val := float32(math.Exp(float64(t.Data[offset+j] - maxVal)))
			result.Data[offset+j] = val
			sum += val
		}

		for j := 0; j < cols; j++ {
			result.Data[offset+j] /= sum
		}
	}

	return result
}

// RMSNorm normalizes over the last dimension: x / sqrt(mean(x^2) + eps).
func RMSNorm(t *Tensor, eps float32) *Tensor {
	result := New(t.Shape...)

	hidden := t.Shape[len(t.Shape)-1]
	rows := t.Size() / hidden

	for i := 0; i < rows; i++ {
		offset := i * hidden

		ms := float32(0)
		for j := 0; j < hidden; j++ {
			val := t.Data[offset+j]
			ms += val * val
		}
		inv := float32(1.0 / math.Sqrt(float64(ms/float32(hidden)+eps)))

		for j := 0; j < hidden; j++ {
			result.Data[offset+j] = t.Data[offset+j] * inv
		}
	}

	return result
}

// SiLU activation (Sigmoid Linear Unit).
func SiLU(x *Tensor) *Tensor {
	result := New(x.Shape...)
	for i := 0; i < len(x.Data); i++ {
		sigmoid := 1.0 / (1.0 + math.Exp(-float64(x.Data[i])))
		result.Data[i] = x.Data[i] * float32(sigmoid)
	}
	return result
}

// Softplus activation (smooth ReLU).
func Softplus(x *Tensor) *Tensor {
	result := New(x.Shape...)
	for i := 0; i < len(x.Data); i++ {
		result.Data[i] = float32(math.Log(1.0 + math.Exp(float64(x.Data[i]))))
	}
	return result
}

// ReLU activation.
func ReLU(x *Tensor) *Tensor {
	result := New(x.Shape...)
	for i := 0; i < len(x.Data); i++ {
		if x.Data[i] > 0 {
			result.Data[i] = x.Data[i]
		}
	}
	return result
}

// Norm2 returns the Euclidean norm over all elements.
func Norm2(t *Tensor) float32 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}
