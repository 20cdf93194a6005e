// Package tensor implements the small dense tensor the
// optimizer needs: dtype-aware storage, device placement
// labels, and element access.
//
// Reduced-precision tensors store their elements at that
// precision, so every write is rounded exactly as it would
// be on an accelerator.
package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType is an element type.
type DType int

const (
	Float32 DType = iota
	Float16
	Int32
)

// IsFloat reports whether the dtype is a floating-point
// type.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float16
}

// Size returns the size of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	default:
		return 4
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Device is where a tensor's storage lives.
type Device int

const (
	CUDA Device = iota
	CPU
)

func (d Device) String() string {
	switch d {
	case CUDA:
		return "cuda"
	case CPU:
		return "cpu"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// Shape is the size of each dimension.
type Shape []int

// NumElements returns the product of the dimensions.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i, d := range s {
		if other[i] != d {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	return append(Shape{}, s...)
}

// A Tensor is a dense, row-major array.
// Exactly one of the storage slices is in use, selected
// by the dtype.
type Tensor struct {
	shape  Shape
	dtype  DType
	device Device

	f32 []float32
	f16 []float16.Float16
	i32 []int32
}

// New creates a zero-filled tensor.
func New(shape Shape, dtype DType, device Device) *Tensor {
	t := &Tensor{shape: shape.Clone(), dtype: dtype, device: device}
	n := shape.NumElements()
	switch dtype {
	case Float32:
		t.f32 = make([]float32, n)
	case Float16:
		t.f16 = make([]float16.Float16, n)
	case Int32:
		t.i32 = make([]int32, n)
	default:
		panic(fmt.Sprintf("unsupported dtype: %s", dtype))
	}
	return t
}

// FromFloat32 creates a tensor from values, rounding them
// to dtype.
func FromFloat32(values []float32, shape Shape, dtype DType, device Device) *Tensor {
	if shape.NumElements() != len(values) {
		panic(fmt.Sprintf("shape %v does not hold %d values", shape, len(values)))
	}
	t := New(shape, dtype, device)
	for i, v := range values {
		t.Set(i, v)
	}
	return t
}

// Full creates a tensor with every element set to value.
func Full(shape Shape, value float32, dtype DType, device Device) *Tensor {
	t := New(shape, dtype, device)
	t.Fill(value)
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// DType returns the element type.
func (t *Tensor) DType() DType {
	return t.dtype
}

// Device returns the storage device.
func (t *Tensor) Device() Device {
	return t.device
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return t.shape.NumElements()
}

// At returns element i of the flattened tensor.
func (t *Tensor) At(i int) float32 {
	switch t.dtype {
	case Float32:
		return t.f32[i]
	case Float16:
		return t.f16[i].Float32()
	default:
		return float32(t.i32[i])
	}
}

// Set writes element i of the flattened tensor, rounding
// v to the tensor's dtype.
// Values outside the float16 range become ±Inf.
func (t *Tensor) Set(i int, v float32) {
	switch t.dtype {
	case Float32:
		t.f32[i] = v
	case Float16:
		t.f16[i] = float16.Fromfloat32(v)
	default:
		t.i32[i] = int32(math.Round(float64(v)))
	}
}

// Float32s returns a float32 copy of the elements.
func (t *Tensor) Float32s() []float32 {
	res := make([]float32, t.Len())
	for i := range res {
		res[i] = t.At(i)
	}
	return res
}

// Float64s returns a float64 copy of the elements.
func (t *Tensor) Float64s() []float64 {
	res := make([]float64, t.Len())
	for i := range res {
		res[i] = float64(t.At(i))
	}
	return res
}

// To returns a copy of t converted to dtype and placed on
// device.
// The result never aliases t.
func (t *Tensor) To(dtype DType, device Device) *Tensor {
	res := New(t.shape, dtype, device)
	if dtype == t.dtype {
		switch dtype {
		case Float32:
			copy(res.f32, t.f32)
		case Float16:
			copy(res.f16, t.f16)
		case Int32:
			copy(res.i32, t.i32)
		}
		return res
	}
	for i := 0; i < t.Len(); i++ {
		res.Set(i, t.At(i))
	}
	return res
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return t.To(t.dtype, t.device)
}

// Reshape returns a copy of t with a new shape holding
// the same number of elements.
func (t *Tensor) Reshape(shape Shape) *Tensor {
	if shape.NumElements() != t.Len() {
		panic(fmt.Sprintf("cannot reshape %v to %v", t.shape, shape))
	}
	res := t.Clone()
	res.shape = shape.Clone()
	return res
}

// Flatten returns a one-dimensional copy of t.
func (t *Tensor) Flatten() *Tensor {
	return t.Reshape(Shape{t.Len()})
}

// CopyFrom overwrites t's elements with src's, converting
// to t's dtype.
func (t *Tensor) CopyFrom(src *Tensor) {
	if src.Len() != t.Len() {
		panic(fmt.Sprintf("cannot copy %d elements into %d", src.Len(), t.Len()))
	}
	for i := 0; i < t.Len(); i++ {
		t.Set(i, src.At(i))
	}
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := 0; i < t.Len(); i++ {
		t.Set(i, v)
	}
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) {
	for i := 0; i < t.Len(); i++ {
		t.Set(i, t.At(i)*s)
	}
}

// AddScaled adds s*other to t in place.
func (t *Tensor) AddScaled(s float32, other *Tensor) {
	if other.Len() != t.Len() {
		panic(fmt.Sprintf("cannot add %d elements to %d", other.Len(), t.Len()))
	}
	for i := 0; i < t.Len(); i++ {
		t.Set(i, t.At(i)+s*other.At(i))
	}
}

// HasInfOrNaN reports whether any element is ±Inf or NaN.
// Integer tensors never do.
func (t *Tensor) HasInfOrNaN() bool {
	switch t.dtype {
	case Float32:
		for _, x := range t.f32 {
			if math.IsInf(float64(x), 0) || math.IsNaN(float64(x)) {
				return true
			}
		}
	case Float16:
		for _, x := range t.f16 {
			if x.IsInf(0) || x.IsNaN() {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two tensors have the same shape,
// dtype and elements.
// NaN elements are never equal.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.dtype != other.dtype || !t.shape.Equal(other.shape) {
		return false
	}
	for i := 0; i < t.Len(); i++ {
		if t.At(i) != other.At(i) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %s, %v, %v)", t.dtype, t.device, t.shape, t.Float32s())
}
