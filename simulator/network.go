package simulator

import (
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// A Node is one machine (one training process) on the
// virtual network.
type Node struct {
	unused int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// NewNodes creates n unique Nodes.
func NewNodes(n int) []*Node {
	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = NewNode()
	}
	return nodes
}

// Port creates a new Port on the Node.
//
// A process uses one Port per process group, so traffic
// from different groups never shares a queue.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port is an endpoint on a Node.
type Port struct {
	// The Node to which the Port is attached.
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv blocks until the next message arrives.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between ports.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}

	// Size is the payload size in bytes.
	Size float64
}

// A Network moves messages between ports.
type Network interface {
	// Send schedules the messages for delivery on their
	// destinations' Incoming streams.
	//
	// This is a non-blocking operation.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork delivers every message after a random
// delay in [0, 1), so messages between the same pair of
// ports may be reordered.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64())
	}
}

// A FabricNetwork models the interconnect of a training
// cluster.
// Messages to a node are serialized through its NIC at
// Rate bytes per unit time, arrive in the order they were
// sent, and each pays up to MaxRandomLatency of jitter.
//
// Nodes can be taken down with SetDown, which drops their
// in-flight and future traffic.
type FabricNetwork struct {
	Rate             float64
	MaxRandomLatency float64

	lock      sync.Mutex
	nextTimes map[*Node]float64
	downNodes map[*Node]bool
	timers    map[*Node][]*Timer
}

// NewFabricNetwork creates a FabricNetwork.
func NewFabricNetwork(rate, maxRandomLatency float64) *FabricNetwork {
	return &FabricNetwork{
		Rate:             rate,
		MaxRandomLatency: maxRandomLatency,
		nextTimes:        map[*Node]float64{},
		downNodes:        map[*Node]bool{},
		timers:           map[*Node][]*Timer{},
	}
}

// Send queues the messages behind any traffic already
// headed for each destination.
func (f *FabricNetwork) Send(h *Handle, msgs ...*Message) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.dropFired(h)

	now := h.Time()
	for _, msg := range msgs {
		src, dst := msg.Source.Node, msg.Dest.Node
		if f.downNodes[src] || f.downNodes[dst] {
			continue
		}
		delay := rand.Float64()*f.MaxRandomLatency + msg.Size/f.Rate
		if busyUntil, ok := f.nextTimes[dst]; ok && busyUntil > now {
			delay += busyUntil - now
		}
		f.nextTimes[dst] = now + delay

		timer := h.Schedule(msg.Dest.Incoming, msg, delay)
		f.timers[dst] = append(f.timers[dst], timer)
		f.timers[src] = append(f.timers[src], timer)
	}
}

// SetDown marks a node as failed (or recovered).
// Taking a node down cancels all of its pending traffic.
func (f *FabricNetwork) SetDown(h *Handle, node *Node, down bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.downNodes[node] = down
	if !down {
		return
	}

	delete(f.nextTimes, node)
	f.dropFired(h)
	canceled := map[*Timer]bool{}
	for _, t := range f.timers[node] {
		canceled[t] = true
		h.Cancel(t)
	}
	delete(f.timers, node)
	f.filterTimers(func(t *Timer) bool {
		return !canceled[t]
	})
}

func (f *FabricNetwork) dropFired(h *Handle) {
	now := h.Time()
	f.filterTimers(func(t *Timer) bool {
		return t.Time() >= now
	})
}

func (f *FabricNetwork) filterTimers(keep func(t *Timer) bool) {
	for node, timers := range f.timers {
		for i := 0; i < len(timers); i++ {
			if !keep(timers[i]) {
				essentials.UnorderedDelete(&timers, i)
				i--
			}
		}
		f.timers[node] = timers
	}
}
