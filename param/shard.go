package param

import (
	"fmt"

	"github.com/unixpickle/zero-optim/tensor"
)

// A ShardedTensor is the shard store behind a Sharded
// parameter.
//
// The full tensor is flattened and split into world
// equal chunks, the last one zero-padded; rank r keeps
// chunk r as its payload.
type ShardedTensor struct {
	origShape tensor.Shape
	payload   *tensor.Tensor
	sharded   bool
	rank      int
	world     int
}

// NewShardedTensor wraps a full (not yet sharded) tensor.
func NewShardedTensor(full *tensor.Tensor) *ShardedTensor {
	return &ShardedTensor{
		origShape: full.Shape().Clone(),
		payload:   full.Clone(),
		world:     1,
	}
}

// ShardSize returns the number of elements each of world
// ranks holds for a tensor of numel elements.
func ShardSize(numel, world int) int {
	return (numel + world - 1) / world
}

// Shard keeps only rank's chunk of the payload.
func (s *ShardedTensor) Shard(rank, world int) {
	if s.sharded {
		panic("tensor is already sharded")
	}
	if rank < 0 || rank >= world {
		panic(fmt.Sprintf("rank %d out of range for world size %d", rank, world))
	}
	size := ShardSize(s.payload.Len(), world)
	chunk := tensor.New(tensor.Shape{size}, s.payload.DType(), s.payload.Device())
	for i := 0; i < size; i++ {
		if j := rank*size + i; j < s.payload.Len() {
			chunk.Set(i, s.payload.At(j))
		}
	}
	s.payload = chunk
	s.sharded = true
	s.rank = rank
	s.world = world
}

// Gather replaces the payload with the full tensor
// assembled from every rank's chunk, in rank order.
func (s *ShardedTensor) Gather(chunks []*tensor.Tensor) {
	if !s.sharded {
		panic("tensor is not sharded")
	}
	if len(chunks) != s.world {
		panic(fmt.Sprintf("got %d chunks for world size %d", len(chunks), s.world))
	}
	full := tensor.New(s.origShape, s.payload.DType(), s.payload.Device())
	size := ShardSize(full.Len(), s.world)
	for r, chunk := range chunks {
		for i := 0; i < size; i++ {
			if j := r*size + i; j < full.Len() {
				full.Set(j, chunk.At(i))
			}
		}
	}
	s.payload = full
	s.sharded = false
}

// IsSharded reports whether only a local chunk is
// resident.
func (s *ShardedTensor) IsSharded() bool {
	return s.sharded
}

// Rank returns the rank whose chunk is resident.
func (s *ShardedTensor) Rank() int {
	return s.rank
}

// World returns the number of chunks.
func (s *ShardedTensor) World() int {
	return s.world
}

// OrigShape returns the shape of the full tensor.
func (s *ShardedTensor) OrigShape() tensor.Shape {
	return s.origShape
}

// DType returns the storage dtype.
func (s *ShardedTensor) DType() tensor.DType {
	return s.payload.DType()
}

// Device returns the storage device.
func (s *ShardedTensor) Device() tensor.Device {
	return s.payload.Device()
}

// Payload returns a copy of the resident data on device.
func (s *ShardedTensor) Payload(device tensor.Device) *tensor.Tensor {
	return s.payload.To(s.payload.DType(), device)
}

// SetPayload overwrites the resident data with t,
// rounding it to the storage dtype.
func (s *ShardedTensor) SetPayload(t *tensor.Tensor) {
	if t.Len() != s.payload.Len() {
		panic(fmt.Sprintf("payload has %d elements, want %d", t.Len(), s.payload.Len()))
	}
	s.payload = t.Reshape(s.payload.Shape()).To(s.payload.DType(), s.payload.Device())
}
