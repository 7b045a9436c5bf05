package tensor

import (
	"fmt"
)

// Category tags a tensor for the memory accountant.
type Category int

const (
	ModelWeights Category = iota
	Activations
	OptimizerStates
	Gradients
	Temporary
)

// String returns the accountant report name for the category.
func (c Category) String() string {
	switch c {
	case ModelWeights:
		return "model_weights"
	case Activations:
		return "activations"
	case OptimizerStates:
		return "optimizer_states"
	case Gradients:
		return "gradients"
	case Temporary:
		return "temporary"
	}
	return "unknown"
}

// Tensor represents a dense multi-dimensional float32 array. Views created by
// Reshape and Slice share the underlying storage and are not registered with
// the accountant; only the owning tensor releases its bytes.
type Tensor struct {
	Data  []float32
	Shape []int

	cat  Category
	acct *Accountant
	view bool
}

// New creates an unaccounted tensor with the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: shape,
		cat:   Temporary,
	}
}

// NewTagged creates a tensor registered with the accountant under the given
// category. A nil accountant behaves like New.
func NewTagged(acct *Accountant, cat Category, shape ...int) *Tensor {
	t := New(shape...)
	t.cat = cat
	if acct != nil {
		acct.Register(cat, t.NumBytes())
		t.acct = acct
	}
	return t
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return New(shape...)
}

// Ones creates a tensor filled with 1.
func Ones(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t
}

// FromSlice creates a tensor that adopts the given backing slice.
func FromSlice(data []float32, shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(data) {
		panic(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Data:  data,
		Shape: shape,
		cat:   Temporary,
	}
}

// Size returns total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// NumBytes returns the storage size of the tensor in bytes.
func (t *Tensor) NumBytes() int64 {
	return int64(t.Size()) * 4
}

// Category returns the accounting category the tensor was created under.
func (t *Tensor) Category() Category {
	return t.cat
}

// Release deregisters the tensor's bytes from the accountant. Views are a
// no-op; their storage belongs to the owning tensor.
func (t *Tensor) Release() {
	if t.view || t.acct == nil {
		return
	}
	t.acct.Unregister(t.cat, t.NumBytes())
	t.acct = nil
}

// Adopt registers the tensor's bytes under the accountant and makes the
// receiver the owning handle. Operators that assemble a result through
// reshape views hand the finished tensor off this way; the adopting handle
// must be the storage's only owner.
func (t *Tensor) Adopt(acct *Accountant, cat Category) *Tensor {
	if acct == nil {
		return t
	}
	acct.Register(cat, t.NumBytes())
	t.acct = acct
	t.cat = cat
	t.view = false
	return t
}

// At returns element at given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// Set sets element at given indices.
func (t *Tensor) Set(val float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Reshape returns a view with a different shape over the same data.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape: size mismatch %d vs %d", newSize, t.Size()))
	}
	return &Tensor{
		Data:  t.Data,
		Shape: shape,
		cat:   t.cat,
		view:  true,
	}
}

// Slice extracts a view along the first dimension.
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}

	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := make([]int, len(t.Shape))
	newShape[0] = end - start
	copy(newShape[1:], t.Shape[1:])

	return &Tensor{
		Data:  t.Data[start*stride : end*stride],
		Shape: newShape,
		cat:   t.cat,
		view:  true,
	}
}

// SliceLastDim copies out a range of the last dimension.
func (t *Tensor) SliceLastDim(start, end int) *Tensor {
	if len(t.Shape) == 0 {
		return t
	}

	lastDim := t.Shape[len(t.Shape)-1]
	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	newShape[len(newShape)-1] = end - start

	result := New(newShape...)

	totalBefore := 1
	for i := 0; i < len(t.Shape)-1; i++ {
		totalBefore *= t.Shape[i]
	}

	for i := 0; i < totalBefore; i++ {
		srcOffset := i * lastDim
		dstOffset := i * (end - start)
		copy(result.Data[dstOffset:dstOffset+(end-start)], t.Data[srcOffset+start:srcOffset+end])
	}

	return result
}

// Clone returns a deep copy sharing nothing with the receiver.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// SameShape reports whether two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
