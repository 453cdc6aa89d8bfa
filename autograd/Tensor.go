package autograd

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"
)

var errShapeMismatch = errors.New("shape mismatch")
var errZeroMask = errors.New("mask sums to zero along the time axis")

// IsShapeMismatch returns whether an error reports that tensor shapes
// were incompatible, either with each other or with the rank
// convention expected by an operation.
func IsShapeMismatch(err error) bool {
	return errors.Is(err, errShapeMismatch)
}

// Tensor is a dense, row-major tensor of graph nodes. It exists so
// that per-timestep quantities such as log-probabilities and pointwise
// KL divergences can be manipulated with shape checking while staying
// differentiable.
//
// The convention throughout this module is time-major: rank-2 tensors
// are [T, B] and rank-3 tensors are [T, B, A], where T is the horizon,
// B the number of episodes, and A the action dimensionality.
type Tensor struct {
	shape []int
	nodes []*Node
}

// NewTensor returns a tensor of the given shape with every element set
// to the constant 0.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = Const(0)
	}
	return &Tensor{shape: append([]int{}, shape...), nodes: nodes}
}

// FromDense lifts a dense float64 tensor into a tensor of constant
// nodes. No gradient flows into the lifted values.
func FromDense(t *tensor.Dense) (*Tensor, error) {
	data, ok := t.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("fromDense: expected float64 backing, got %T",
			t.Data())
	}
	nodes := make([]*Node, len(data))
	for i, v := range data {
		nodes[i] = Const(v)
	}
	shape := append([]int{}, []int(t.Shape())...)
	return &Tensor{shape: shape, nodes: nodes}, nil
}

// Shape returns the dimensions of the tensor
func (t *Tensor) Shape() []int {
	return t.shape
}

// Dims returns the rank of the tensor
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Len returns the total number of elements in the tensor
func (t *Tensor) Len() int {
	return len(t.nodes)
}

// At returns the node at flat (row-major) index i
func (t *Tensor) At(i int) *Node {
	return t.nodes[i]
}

// Set sets the node at flat (row-major) index i
func (t *Tensor) Set(i int, n *Node) {
	t.nodes[i] = n
}

// sameShape returns whether two tensors have identical shapes
func sameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// apply builds a new tensor from an elementwise binary operation
func apply(op func(a, b *Node) *Node, x, y *Tensor, name string) (*Tensor,
	error) {
	if !sameShape(x, y) {
		return nil, fmt.Errorf("%v: %w \n\twant(%v)\n\thave(%v)", name,
			errShapeMismatch, x.shape, y.shape)
	}
	out := &Tensor{
		shape: append([]int{}, x.shape...),
		nodes: make([]*Node, len(x.nodes)),
	}
	for i := range x.nodes {
		out.nodes[i] = op(x.nodes[i], y.nodes[i])
	}
	return out, nil
}

// Add returns the elementwise sum of t and other
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	return apply(Add, t, other, "add")
}

// Sub returns the elementwise difference of t and other
func (t *Tensor) Sub(other *Tensor) (*Tensor, error) {
	return apply(Sub, t, other, "sub")
}

// Mul returns the elementwise product of t and other
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	return apply(Mul, t, other, "mul")
}

// Exp returns the elementwise exponential of t
func (t *Tensor) Exp() *Tensor {
	out := &Tensor{
		shape: append([]int{}, t.shape...),
		nodes: make([]*Node, len(t.nodes)),
	}
	for i, n := range t.nodes {
		out.nodes[i] = Exp(n)
	}
	return out
}

// Detach returns a tensor of constants holding the same values as t
func (t *Tensor) Detach() *Tensor {
	out := &Tensor{
		shape: append([]int{}, t.shape...),
		nodes: make([]*Node, len(t.nodes)),
	}
	for i, n := range t.nodes {
		out.nodes[i] = n.Detach()
	}
	return out
}

// SumLast sums a rank-3 tensor over its trailing axis, returning a
// rank-2 tensor. Per-action-dimension log-probabilities are combined
// into per-timestep log-probabilities this way before exponentiating.
func (t *Tensor) SumLast() (*Tensor, error) {
	if len(t.shape) != 3 {
		return nil, fmt.Errorf("sumLast: %w: expected rank 3, got rank %v",
			errShapeMismatch, len(t.shape))
	}
	rows, cols, last := t.shape[0], t.shape[1], t.shape[2]
	out := &Tensor{
		shape: []int{rows, cols},
		nodes: make([]*Node, rows*cols),
	}
	for i := 0; i < rows*cols; i++ {
		total := t.nodes[i*last]
		for k := 1; k < last; k++ {
			total = Add(total, t.nodes[i*last+k])
		}
		out.nodes[i] = total
	}
	return out, nil
}

// WeightedMean computes the weighted mean of x along the time axis
// with the validity mask as weights, then averages the per-episode
// (and, for rank-3 input, per-action-dimension) results into a scalar.
//
// x must be rank 2 [T, B] or rank 3 [T, B, A]; mask must be rank 2
// [T, B] and is broadcast over the trailing axis of a rank-3 x. Any
// other rank is a contract violation and returns a shape error rather
// than a silently wrong value.
func WeightedMean(x, mask *Tensor) (*Node, error) {
	if mask.Dims() != 2 {
		return nil, fmt.Errorf("weightedMean: %w: mask must be rank 2, "+
			"got rank %v", errShapeMismatch, mask.Dims())
	}

	switch x.Dims() {
	case 2:
		if !sameShape(x, mask) {
			return nil, fmt.Errorf("weightedMean: %w \n\twant(%v)\n\thave(%v)",
				errShapeMismatch, mask.shape, x.shape)
		}
		rows, cols := x.shape[0], x.shape[1]
		perCol := make([]*Node, cols)
		for b := 0; b < cols; b++ {
			num := Const(0)
			den := Const(0)
			for t := 0; t < rows; t++ {
				i := t*cols + b
				num = Add(num, Mul(x.nodes[i], mask.nodes[i]))
				den = Add(den, mask.nodes[i])
			}
			if den.Value() == 0 {
				return nil, fmt.Errorf("weightedMean: episode %v: %w", b,
					errZeroMask)
			}
			perCol[b] = Div(num, den)
		}
		return Mean(perCol), nil

	case 3:
		if x.shape[0] != mask.shape[0] || x.shape[1] != mask.shape[1] {
			return nil, fmt.Errorf("weightedMean: %w \n\twant(%v)\n\thave(%v)",
				errShapeMismatch, mask.shape, x.shape[:2])
		}
		rows, cols, last := x.shape[0], x.shape[1], x.shape[2]
		perCol := make([]*Node, 0, cols*last)
		for b := 0; b < cols; b++ {
			for a := 0; a < last; a++ {
				num := Const(0)
				den := Const(0)
				for t := 0; t < rows; t++ {
					m := mask.nodes[t*cols+b]
					num = Add(num, Mul(x.nodes[(t*cols+b)*last+a], m))
					den = Add(den, m)
				}
				if den.Value() == 0 {
					return nil, fmt.Errorf("weightedMean: episode %v: %w", b,
						errZeroMask)
				}
				perCol = append(perCol, Div(num, den))
			}
		}
		return Mean(perCol), nil

	default:
		return nil, fmt.Errorf("weightedMean: %w: expected rank 2 or 3, "+
			"got rank %v", errShapeMismatch, x.Dims())
	}
}
