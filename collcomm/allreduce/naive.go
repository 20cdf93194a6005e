package allreduce

import "github.com/unixpickle/zero-optim/collcomm"

// A NaiveAllreducer sends every process's vector to every
// other process.
// For the one-element vectors of an overflow flag this is
// a single round of messages.
type NaiveAllreducer struct{}

// Allreduce runs fn() on all of the processes' vectors on
// every process.
func (n NaiveAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) []float64 {
	if c.Size() == 1 {
		return fn(c.Handle, data)
	}

	gathered := make([][]float64, c.Size())
	c.Bcast(data)
	for i := 0; i < c.Size()-1; i++ {
		incoming, source := c.Recv()
		gathered[c.IndexOf(source)] = incoming
	}
	gathered[c.Index()] = data

	return fn(c.Handle, gathered...)
}
