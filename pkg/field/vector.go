// Package field provides the state type of the bundled problems: a dense
// real vector backed by gonum.
package field

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/openpint/openpint/pkg/engine"
)

// Vector is a dense state vector. The zero value is empty and only valid
// as the target of UnmarshalBinary or CopyFrom.
type Vector struct {
	vec *mat.VecDense
}

var _ engine.State = (*Vector)(nil)

// NewVector returns a zero vector of length n.
func NewVector(n int) *Vector {
	if n <= 0 {
		panic(fmt.Sprintf("field: vector length must be positive, got %d", n))
	}
	return &Vector{vec: mat.NewVecDense(n, nil)}
}

// FromSlice returns a vector holding a copy of data.
func FromSlice(data []float64) *Vector {
	v := NewVector(len(data))
	copy(v.vec.RawVector().Data, data)
	return v
}

// Scalar returns a vector of length one.
func Scalar(x float64) *Vector {
	return FromSlice([]float64{x})
}

// As returns s as a *Vector and panics when s is another state type.
func As(s engine.State) *Vector {
	v, ok := s.(*Vector)
	if !ok {
		panic(fmt.Sprintf("field: expected *field.Vector, got %T", s))
	}
	return v
}

// Len returns the vector length, 0 for an empty vector.
func (v *Vector) Len() int {
	if v.vec == nil {
		return 0
	}
	return v.vec.Len()
}

// At returns element i.
func (v *Vector) At(i int) float64 {
	return v.vec.AtVec(i)
}

// Set sets element i.
func (v *Vector) Set(i int, x float64) {
	v.vec.SetVec(i, x)
}

// Data returns the backing slice. Writes go to the vector.
func (v *Vector) Data() []float64 {
	if v.vec == nil {
		return nil
	}
	return v.vec.RawVector().Data
}

// Dense returns the gonum vector.
func (v *Vector) Dense() *mat.VecDense {
	return v.vec
}

// Copy returns a deep copy.
func (v *Vector) Copy() engine.State {
	out := &Vector{}
	if v.vec != nil {
		out.vec = mat.VecDenseCopyOf(v.vec)
	}
	return out
}

// CopyFrom overwrites v with src, resizing when v is empty.
func (v *Vector) CopyFrom(src engine.State) {
	s := As(src)
	if v.vec == nil || v.vec.Len() != s.Len() {
		v.vec = mat.VecDenseCopyOf(s.vec)
		return
	}
	v.vec.CopyVec(s.vec)
}

// Axpy adds a*x to v.
func (v *Vector) Axpy(a float64, x engine.State) {
	v.vec.AddScaledVec(v.vec, a, As(x).vec)
}

// Scale multiplies v by a.
func (v *Vector) Scale(a float64) {
	v.vec.ScaleVec(a, v.vec)
}

// Norm returns the max-abs norm.
func (v *Vector) Norm() float64 {
	if v.Len() == 0 {
		return 0
	}
	return mat.Norm(v.vec, math.Inf(1))
}

// MarshalBinary encodes v in gonum's binary vector format.
func (v *Vector) MarshalBinary() ([]byte, error) {
	if v.vec == nil {
		return nil, fmt.Errorf("field: marshal empty vector")
	}
	return v.vec.MarshalBinary()
}

// UnmarshalBinary decodes data into v, reusing storage of equal length.
func (v *Vector) UnmarshalBinary(data []byte) error {
	var d mat.VecDense
	if err := d.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("field: %w", err)
	}
	if v.vec != nil && v.vec.Len() == d.Len() {
		v.vec.CopyVec(&d)
		return nil
	}
	v.vec = &d
	return nil
}

// String formats short vectors in full and long ones by length and norm.
func (v *Vector) String() string {
	switch n := v.Len(); {
	case n == 0:
		return "[]"
	case n <= 8:
		return fmt.Sprint(v.Data())
	default:
		return fmt.Sprintf("vector(len=%d, norm=%g)", n, v.Norm())
	}
}
