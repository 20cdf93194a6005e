// Package collcomm provides the process-group plumbing
// that collective operations run on.
package collcomm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/unixpickle/zero-optim/simulator"
)

// Comms is one process's view of a process group.
//
// Unlike a raw port, a Comms object can be reused for any
// number of collectives: each collective calls Begin(),
// and every message is tagged with the group ID and the
// collective's sequence number.
// Messages that belong to a later collective are held
// back until that collective starts.
type Comms struct {
	// Handle is the process's handle on the event loop.
	Handle *simulator.Handle

	// Port is the current process's port in this group.
	Port *simulator.Port

	// Ports contains the ports of every process in the
	// group, including the current one, in rank order.
	Ports []*simulator.Port

	// Network connects the processes.
	Network simulator.Network

	// Group identifies the process group.
	// All members must agree on it.
	Group string

	seq     int64
	stashed []*simulator.Message
}

// An Envelope wraps every payload sent through a Comms.
type Envelope struct {
	Group   string
	Seq     int64
	Payload interface{}
}

// NewGroupID creates a fresh process group identifier.
func NewGroupID() string {
	return uuid.NewString()
}

// SpawnComms creates Comms objects for every node in a
// network and calls f for each node in its own Goroutine.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	group := NewGroupID()
	for i := range nodes {
		port := ports[i]
		loop.Go(func(h *simulator.Handle) {
			f(&Comms{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
				Group:   group,
			})
		})
	}
}

// Size gets the number of processes in the group.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Index returns the current process's rank in the group.
func (c *Comms) Index() int {
	return c.IndexOf(c.Port)
}

// IndexOf returns any port's rank in the group.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("port is not a member of the group")
}

// Begin starts a new collective.
// Every member of the group must call Begin the same
// number of times, in the same order relative to its
// sends and receives.
func (c *Comms) Begin() {
	c.seq++
}

// Seq returns the sequence number of the current
// collective.
func (c *Comms) Seq() int64 {
	return c.seq
}

// Bcast sends a vector to every other process.
func (c *Comms) Bcast(vec []float64) {
	messages := make([]*simulator.Message, 0, len(c.Ports)-1)
	for _, port := range c.Ports {
		if port == c.Port {
			continue
		}
		messages = append(messages, c.message(port, vec, vectorSize(vec)))
	}
	c.Network.Send(c.Handle, messages...)
}

// Send sends a vector to one process.
func (c *Comms) Send(dst *simulator.Port, vec []float64) {
	c.SendPayload(dst, vec, vectorSize(vec))
}

// SendPayload sends an arbitrary payload of the given
// size in bytes.
func (c *Comms) SendPayload(dst *simulator.Port, payload interface{}, size float64) {
	c.Network.Send(c.Handle, c.message(dst, payload, size))
}

// Recv receives the next vector of the current collective.
func (c *Comms) Recv() ([]float64, *simulator.Port) {
	payload, source := c.RecvPayload()
	return payload.([]float64), source
}

// RecvPayload receives the next payload of the current
// collective.
func (c *Comms) RecvPayload() (interface{}, *simulator.Port) {
	for i, msg := range c.stashed {
		if msg.Message.(*Envelope).Seq == c.seq {
			c.stashed = append(c.stashed[:i], c.stashed[i+1:]...)
			return msg.Message.(*Envelope).Payload, msg.Source
		}
	}
	for {
		msg := c.Port.Recv(c.Handle)
		env, ok := msg.Message.(*Envelope)
		if !ok {
			panic(fmt.Sprintf("unexpected message type %T", msg.Message))
		}
		if env.Group != c.Group {
			panic(fmt.Sprintf("message for group %s arrived in group %s", env.Group, c.Group))
		}
		switch {
		case env.Seq == c.seq:
			return env.Payload, msg.Source
		case env.Seq > c.seq:
			c.stashed = append(c.stashed, msg)
		default:
			panic(fmt.Sprintf("stale message from collective %d during collective %d", env.Seq, c.seq))
		}
	}
}

func (c *Comms) message(dst *simulator.Port, payload interface{}, size float64) *simulator.Message {
	return &simulator.Message{
		Source:  c.Port,
		Dest:    dst,
		Message: &Envelope{Group: c.Group, Seq: c.seq, Payload: payload},
		Size:    size,
	}
}

func vectorSize(vec []float64) float64 {
	return float64(len(vec) * 8)
}
