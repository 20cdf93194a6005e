package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFabricNetworkOrdering(t *testing.T) {
	loop := NewEventLoop()
	nodes := NewNodes(2)
	src, dst := nodes[0].Port(loop), nodes[1].Port(loop)
	network := NewFabricNetwork(10.0, 0.5)

	const numMessages = 50
	loop.Go(func(h *Handle) {
		for i := 0; i < numMessages; i++ {
			network.Send(h, &Message{Source: src, Dest: dst, Message: i, Size: 8})
		}
	})
	loop.Go(func(h *Handle) {
		for i := 0; i < numMessages; i++ {
			assert.Equal(t, i, dst.Recv(h).Message)
		}
	})

	require.NoError(t, loop.Run())

	// Every message occupies the NIC for Size/Rate.
	assert.GreaterOrEqual(t, loop.Time(), numMessages*8/10.0)
}

func TestFabricNetworkDownNode(t *testing.T) {
	loop := NewEventLoop()
	nodes := NewNodes(2)
	src, dst := nodes[0].Port(loop), nodes[1].Port(loop)
	network := NewFabricNetwork(1.0, 0)

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: src, Dest: dst, Message: "lost", Size: 4})
		network.SetDown(h, nodes[1], true)
		network.Send(h, &Message{Source: src, Dest: dst, Message: "also lost", Size: 4})
		h.Sleep(10)
		network.SetDown(h, nodes[1], false)
		network.Send(h, &Message{Source: src, Dest: dst, Message: "delivered", Size: 4})
	})
	loop.Go(func(h *Handle) {
		assert.Equal(t, "delivered", dst.Recv(h).Message)
	})

	require.NoError(t, loop.Run())
	assert.Equal(t, 14.0, loop.Time())
}

func TestRandomNetworkDelivers(t *testing.T) {
	loop := NewEventLoop()
	nodes := NewNodes(3)
	ports := make([]*Port, len(nodes))
	for i, n := range nodes {
		ports[i] = n.Port(loop)
	}

	received := make([]int, len(ports))
	for i := range ports {
		idx := i
		loop.Go(func(h *Handle) {
			var msgs []*Message
			for _, p := range ports {
				if p != ports[idx] {
					msgs = append(msgs, &Message{Source: ports[idx], Dest: p, Message: idx})
				}
			}
			RandomNetwork{}.Send(h, msgs...)
			for j := 0; j < len(ports)-1; j++ {
				received[idx] += ports[idx].Recv(h).Message.(int)
			}
		})
	}

	require.NoError(t, loop.Run())
	assert.Equal(t, []int{3, 2, 1}, received)
}
