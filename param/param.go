// Package param defines trainable parameters.
//
// A Parameter is either Plain, holding its whole value in
// its working tensor, or Sharded, in which case its true
// value lives in a ShardedTensor and only the local shard
// is resident on this process.
package param

import (
	"fmt"

	"github.com/unixpickle/zero-optim/tensor"
)

// Kind distinguishes the two parameter variants.
type Kind int

const (
	Plain Kind = iota
	Sharded
)

func (k Kind) String() string {
	if k == Sharded {
		return "sharded"
	}
	return "plain"
}

// A Parameter is a trainable tensor together with its
// gradient.
//
// Data is the working copy a training loop runs forward
// and backward through. Grad is nil until a backward pass
// produces a gradient.
type Parameter struct {
	name  string
	kind  Kind
	data  *tensor.Tensor
	grad  *tensor.Tensor
	shard *ShardedTensor
}

// NewPlain creates a plain parameter.
func NewPlain(name string, data *tensor.Tensor) *Parameter {
	return &Parameter{name: name, kind: Plain, data: data}
}

// NewSharded creates a sharded parameter whose working
// data is the resident payload of s.
func NewSharded(name string, s *ShardedTensor) *Parameter {
	return &Parameter{
		name:  name,
		kind:  Sharded,
		data:  s.Payload(s.Device()),
		shard: s,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Kind returns the parameter variant.
func (p *Parameter) Kind() Kind {
	return p.kind
}

// Data returns the working tensor.
func (p *Parameter) Data() *tensor.Tensor {
	return p.data
}

// SetData replaces the working tensor.
func (p *Parameter) SetData(t *tensor.Tensor) {
	p.data = t
}

// Grad returns the gradient, or nil if there is none.
func (p *Parameter) Grad() *tensor.Tensor {
	return p.grad
}

// SetGrad replaces the gradient.
func (p *Parameter) SetGrad(g *tensor.Tensor) {
	p.grad = g
}

// AccumulateGrad adds g into the gradient, allocating it
// with g's dtype on first use.
func (p *Parameter) AccumulateGrad(g *tensor.Tensor) {
	if p.grad == nil {
		p.grad = g.Clone()
		return
	}
	p.grad.AddScaled(1, g)
}

// ZeroGrad drops the gradient.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

// Shard returns the shard store of a Sharded parameter,
// or nil for a Plain one.
func (p *Parameter) Shard() *ShardedTensor {
	return p.shard
}

// Payload returns a copy of the parameter's resident
// value on device, in its storage dtype.
// For Plain parameters this is the working data itself.
func (p *Parameter) Payload(device tensor.Device) *tensor.Tensor {
	if p.kind == Sharded {
		return p.shard.Payload(device)
	}
	return p.data.To(p.data.DType(), device)
}

// SetPayload stores t as the parameter's resident value,
// converting it to the storage dtype.
func (p *Parameter) SetPayload(t *tensor.Tensor) {
	if p.kind == Sharded {
		p.shard.SetPayload(t)
		return
	}
	if p.data.Len() != t.Len() {
		panic(fmt.Sprintf("parameter %s: payload has %d elements, want %d", p.name, t.Len(), p.data.Len()))
	}
	p.data = t.To(p.data.DType(), p.data.Device())
}

func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(%s, %s, %v)", p.name, p.kind, p.data.Shape())
}
