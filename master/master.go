// Package master keeps full-precision copies of trainable
// parameters.
package master

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/zero-optim/optim"
	"github.com/unixpickle/zero-optim/param"
	"github.com/unixpickle/zero-optim/tensor"
)

// ErrNotSharded is returned when a Sharded parameter's
// shard store does not hold a shard.
var ErrNotSharded = errors.New("sharded parameter is not sharded")

// A Store maps each working parameter to its master copy.
//
// Master copies are float32 for floating-point parameters.
// Other dtypes are copied unconverted.
// For sharded parameters the master copy covers only the
// resident shard.
type Store struct {
	device  tensor.Device
	masters map[*param.Parameter]*tensor.Tensor
	dtypes  map[*param.Parameter]tensor.DType
}

// NewStore creates master copies of every parameter in
// groups, placed on device.
func NewStore(groups []*optim.ParamGroup, device tensor.Device) (*Store, error) {
	s := &Store{
		device:  device,
		masters: map[*param.Parameter]*tensor.Tensor{},
		dtypes:  map[*param.Parameter]tensor.DType{},
	}
	for _, g := range groups {
		for _, p := range g.Params {
			if _, ok := s.masters[p]; ok {
				continue
			}
			var src *tensor.Tensor
			switch p.Kind() {
			case param.Sharded:
				if p.Shard() == nil || !p.Shard().IsSharded() {
					return nil, errors.Wrapf(ErrNotSharded, "create master for %s", p.Name())
				}
				src = p.Payload(device)
				s.dtypes[p] = p.Shard().DType()
			default:
				src = p.Data()
				s.dtypes[p] = src.DType()
			}
			s.masters[p] = upcast(src, device)
		}
	}
	return s, nil
}

func upcast(t *tensor.Tensor, device tensor.Device) *tensor.Tensor {
	if t.DType().IsFloat() {
		return t.To(tensor.Float32, device)
	}
	return t.To(t.DType(), device)
}

// Device returns the device master copies live on.
func (s *Store) Device() tensor.Device {
	return s.device
}

// Len returns the number of parameters in the store.
func (s *Store) Len() int {
	return len(s.masters)
}

// Get returns the master copy of p.
// It panics if p was not in the store's parameter groups.
func (s *Store) Get(p *param.Parameter) *tensor.Tensor {
	m, ok := s.masters[p]
	if !ok {
		panic(fmt.Sprintf("no master copy for parameter %s", p.Name()))
	}
	return m
}

// Set replaces the master copy of p with a copy of t in
// master precision.
func (s *Store) Set(p *param.Parameter, t *tensor.Tensor) {
	old := s.Get(p)
	if old.Len() != t.Len() {
		panic(fmt.Sprintf("parameter %s: master has %d elements, got %d", p.Name(), old.Len(), t.Len()))
	}
	s.masters[p] = t.To(old.DType(), s.device).Reshape(old.Shape())
}

// WorkingDType returns the dtype p was stored in when the
// store was created.
func (s *Store) WorkingDType(p *param.Parameter) tensor.DType {
	s.Get(p)
	return s.dtypes[p]
}
