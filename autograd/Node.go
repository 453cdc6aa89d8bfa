// Package autograd implements a small reverse-mode automatic
// differentiation engine over scalar nodes. Gradients returned by Grad
// are themselves nodes in the computation graph, so they can be
// differentiated again. This is what allows a Hessian-vector product
// to be computed as the gradient of a gradient-vector dot product.
//
// Values are computed eagerly when nodes are constructed, so a node's
// Value is always available without running a separate forward pass.
package autograd

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// opType denotes the operation that produced a node
type opType int

const (
	opLeaf opType = iota
	opAdd
	opSub
	opMul
	opDiv
	opNeg
	opExp
	opLog
	opScale
)

var errNonLeaf = errors.New("node is not a leaf")

// Node is a single scalar in a computation graph. Leaf nodes hold
// parameters or constants; interior nodes record the operation and
// operands that produced them.
type Node struct {
	value float64
	op    opType
	a, b  *Node
	c     float64 // Constant factor for opScale
}

// NewVar returns a new leaf node holding value v. Leaf values may
// later be overwritten with SetValue, which is how a policy's stored
// parameters are mutated in place by a trust-region update.
func NewVar(v float64) *Node {
	return &Node{value: v, op: opLeaf}
}

// Const returns a new constant leaf node. Constants and variables are
// structurally identical; the distinction is only which nodes a caller
// asks Grad to differentiate with respect to.
func Const(v float64) *Node {
	return &Node{value: v, op: opLeaf}
}

// Value returns the scalar value of the node
func (n *Node) Value() float64 {
	return n.value
}

// SetValue overwrites the value of a leaf node. Interior nodes cache
// the value computed from their operands and cannot be overwritten.
// Graphs built before a SetValue call keep their old cached values;
// callers are expected to rebuild graphs after mutating leaves.
func (n *Node) SetValue(v float64) error {
	if n.op != opLeaf {
		return fmt.Errorf("setValue: %w", errNonLeaf)
	}
	n.value = v
	return nil
}

// Detach returns a new constant leaf with the same value as n. The
// returned node has no history, so no gradient flows through it.
func (n *Node) Detach() *Node {
	return Const(n.value)
}

// Add returns a node representing a + b
func Add(a, b *Node) *Node {
	return &Node{value: a.value + b.value, op: opAdd, a: a, b: b}
}

// Sub returns a node representing a - b
func Sub(a, b *Node) *Node {
	return &Node{value: a.value - b.value, op: opSub, a: a, b: b}
}

// Mul returns a node representing a * b
func Mul(a, b *Node) *Node {
	return &Node{value: a.value * b.value, op: opMul, a: a, b: b}
}

// Div returns a node representing a / b
func Div(a, b *Node) *Node {
	return &Node{value: a.value / b.value, op: opDiv, a: a, b: b}
}

// Neg returns a node representing -a
func Neg(a *Node) *Node {
	return &Node{value: -a.value, op: opNeg, a: a}
}

// Exp returns a node representing e^a
func Exp(a *Node) *Node {
	return &Node{value: math.Exp(a.value), op: opExp, a: a}
}

// Log returns a node representing the natural logarithm of a
func Log(a *Node) *Node {
	return &Node{value: math.Log(a.value), op: opLog, a: a}
}

// Scale returns a node representing a * c for a constant c
func Scale(a *Node, c float64) *Node {
	return &Node{value: a.value * c, op: opScale, a: a, c: c}
}

// AddConst returns a node representing a + c for a constant c
func AddConst(a *Node, c float64) *Node {
	return Add(a, Const(c))
}

// Square returns a node representing a * a
func Square(a *Node) *Node {
	return Mul(a, a)
}

// Sum returns a node representing the sum of all nodes in xs. Sum of
// an empty slice is the constant 0.
func Sum(xs []*Node) *Node {
	if len(xs) == 0 {
		return Const(0)
	}
	total := xs[0]
	for _, x := range xs[1:] {
		total = Add(total, x)
	}
	return total
}

// Mean returns a node representing the arithmetic mean of xs
func Mean(xs []*Node) *Node {
	if len(xs) == 0 {
		return Const(0)
	}
	return Scale(Sum(xs), 1.0/float64(len(xs)))
}

// Dot returns a node representing the dot product of the nodes xs with
// the constant vector v. The result remains differentiable with
// respect to xs, which is how a gradient-vector product is formed for
// double-backward differentiation.
func Dot(xs []*Node, v *mat.VecDense) (*Node, error) {
	if len(xs) != v.Len() {
		return nil, fmt.Errorf("dot: length mismatch \n\twant(%v)\n\thave(%v)",
			len(xs), v.Len())
	}
	if len(xs) == 0 {
		return Const(0), nil
	}
	total := Scale(xs[0], v.AtVec(0))
	for i := 1; i < len(xs); i++ {
		total = Add(total, Scale(xs[i], v.AtVec(i)))
	}
	return total, nil
}

// topoSort returns the nodes reachable from y in topological order,
// operands before the nodes that consume them.
func topoSort(y *Node) []*Node {
	var order []*Node
	visited := make(map[*Node]bool)

	// Iterative DFS; graphs can be deep enough that recursion is
	// not safe.
	type frame struct {
		node     *Node
		expanded bool
	}
	stack := []frame{{y, false}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.expanded {
			order = append(order, f.node)
			continue
		}
		if visited[f.node] {
			continue
		}
		visited[f.node] = true

		stack = append(stack, frame{f.node, true})
		if f.node.a != nil {
			stack = append(stack, frame{f.node.a, false})
		}
		if f.node.b != nil {
			stack = append(stack, frame{f.node.b, false})
		}
	}
	return order
}

// Grad computes the gradient of y with respect to each node in xs by
// reverse accumulation. The returned gradients are graph nodes built
// from differentiable operations, so they may be differentiated again
// (the equivalent of create_graph in other autodiff systems). A node
// in xs that y does not depend on receives the constant 0.
func Grad(y *Node, xs []*Node) []*Node {
	order := topoSort(y)

	grads := make(map[*Node]*Node, len(order))
	grads[y] = Const(1)

	accumulate := func(n *Node, g *Node) {
		if existing, ok := grads[n]; ok {
			grads[n] = Add(existing, g)
		} else {
			grads[n] = g
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		g, ok := grads[n]
		if !ok {
			continue
		}

		switch n.op {
		case opLeaf:
			// Nothing to propagate

		case opAdd:
			accumulate(n.a, g)
			accumulate(n.b, g)

		case opSub:
			accumulate(n.a, g)
			accumulate(n.b, Neg(g))

		case opMul:
			accumulate(n.a, Mul(g, n.b))
			accumulate(n.b, Mul(g, n.a))

		case opDiv:
			// d(a/b)/da = 1/b, d(a/b)/db = -(a/b)/b
			accumulate(n.a, Div(g, n.b))
			accumulate(n.b, Neg(Div(Mul(g, n), n.b)))

		case opNeg:
			accumulate(n.a, Neg(g))

		case opExp:
			accumulate(n.a, Mul(g, n))

		case opLog:
			accumulate(n.a, Div(g, n.a))

		case opScale:
			accumulate(n.a, Scale(g, n.c))
		}
	}

	out := make([]*Node, len(xs))
	for i, x := range xs {
		if g, ok := grads[x]; ok {
			out[i] = g
		} else {
			out[i] = Const(0)
		}
	}
	return out
}

// FlatGrad computes the gradient of y with respect to xs and returns
// its values as a flat vector, in the order of xs.
func FlatGrad(y *Node, xs []*Node) *mat.VecDense {
	grads := Grad(y, xs)
	return ParamsToVector(grads)
}

// ParamsToVector flattens the values of an ordered parameter slice
// into a single vector. The ordering of the slice is preserved, so
// ParamsToVector and VectorToParams are exact inverses.
func ParamsToVector(params []*Node) *mat.VecDense {
	data := make([]float64, len(params))
	for i, p := range params {
		data[i] = p.value
	}
	return mat.NewVecDense(len(params), data)
}

// VectorToParams writes the elements of v into the leaf nodes params,
// in order. It is the inverse of ParamsToVector.
func VectorToParams(v *mat.VecDense, params []*Node) error {
	if v.Len() != len(params) {
		return fmt.Errorf("vectorToParams: length mismatch "+
			"\n\twant(%v)\n\thave(%v)", len(params), v.Len())
	}
	for i, p := range params {
		if err := p.SetValue(v.AtVec(i)); err != nil {
			return fmt.Errorf("vectorToParams: parameter %d: %v", i, err)
		}
	}
	return nil
}
