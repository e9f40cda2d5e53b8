package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ConnectDisconnect(t *testing.T) {
	hub := New(&MockConnFactory{})
	connected := make(chan Conn, 1)
	disconnected := make(chan Conn, 1)
	hub.OnConnect(func(c Conn) { connected <- c })
	hub.OnDisconnect(func(c Conn) { disconnected <- c })
	hub.Start()
	defer hub.Close()

	c := NewMockConn("a", hub)
	hub.Connect(c)

	select {
	case got := <-connected:
		require.Equal(t, c, got)
	case <-time.After(baseTimeout):
		require.Fail(t, "timeout waiting for connect callback")
	}

	require.Eventually(t, func() bool {
		return c.reading.Load() && c.writing.Load()
	}, baseTimeout, 10*time.Millisecond, "conn loops did not start")

	hub.Disconnect(c)

	select {
	case got := <-disconnected:
		require.Equal(t, c, got)
	case <-time.After(baseTimeout):
		require.Fail(t, "timeout waiting for disconnect callback")
	}

	require.Eventually(t, func() bool {
		return !c.reading.Load() && !c.writing.Load()
	}, baseTimeout, 10*time.Millisecond, "conn loops did not exit")

	// disconnecting again is a no-op
	hub.Disconnect(c)
}

func Test_Send(t *testing.T) {
	hub := New(&MockConnFactory{})
	connected := make(chan Conn, 2)
	hub.OnConnect(func(c Conn) { connected <- c })
	hub.Start()
	defer hub.Close()

	c1 := NewMockConn("a", hub)
	c2 := NewMockConn("b", hub)
	hub.Connect(c1)
	hub.Connect(c2)
	<-connected
	<-connected

	hub.Send(&OutPacket{Type: "greeting", Payload: "hi"}, "a")

	require.Eventually(t, func() bool {
		return len(c1.OutPackets()) == 1
	}, baseTimeout, 10*time.Millisecond)
	assert.Empty(t, c2.OutPackets())

	// unknown ids are skipped
	hub.Send(&OutPacket{Type: "greeting"}, "missing")
}

func Test_SendToBlockedConn(t *testing.T) {
	hub := New(&MockConnFactory{})
	connected := make(chan Conn, 1)
	disconnected := make(chan Conn, 1)
	hub.OnConnect(func(c Conn) { connected <- c })
	hub.OnDisconnect(func(c Conn) { disconnected <- c })
	hub.Start()
	defer hub.Close()

	c := NewBlockedMockConn("a", hub)
	hub.Connect(c)
	<-connected

	hub.Send(&OutPacket{Type: "greeting"}, "a")

	select {
	case got := <-disconnected:
		require.Equal(t, c, got)
	case <-time.After(baseTimeout):
		require.Fail(t, "blocked conn was not dropped")
	}
}

func Test_PacketFlow(t *testing.T) {
	hub := New(&MockConnFactory{})
	connected := make(chan Conn, 1)
	received := make(chan *InPacket, 1)
	hub.OnConnect(func(c Conn) { connected <- c })
	hub.OnPacket(func(p *InPacket) { received <- p })
	hub.Start()
	defer hub.Close()

	c := NewMockConn("a", hub)
	hub.Connect(c)
	<-connected

	hub.pass(&InPacket{ConnID: "a", Type: "greeting"})

	select {
	case p := <-received:
		require.Equal(t, "a", p.ConnID)
		require.Equal(t, "greeting", p.Type)
	case <-time.After(baseTimeout):
		require.Fail(t, "timeout waiting for packet callback")
	}
}

func TestClose(t *testing.T) {
	t.Run("close_cleans_up_all_resources", func(t *testing.T) {
		hub := New(&MockConnFactory{})
		connected := make(chan Conn, 1)
		hub.OnConnect(func(c Conn) { connected <- c })
		hub.Start()

		c := NewMockConn("a", hub)
		hub.Connect(c)
		<-connected

		hub.Close()

		assert.False(t, c.reading.Load())
		assert.False(t, c.writing.Load())
		assert.Len(t, hub.conns, 0)

		hub.mu.RLock()
		assert.Equal(t, StateClosed, hub.state)
		hub.mu.RUnlock()

		// closing twice is a no-op
		hub.Close()
	})

	t.Run("close_with_slow_conn_respects_timeout", func(t *testing.T) {
		hub := New(&MockConnFactory{})
		hub.closeTimeout = 100 * time.Millisecond
		connected := make(chan Conn, 1)
		hub.OnConnect(func(c Conn) { connected <- c })
		hub.Start()

		c := NewMockConn("a", hub)
		c.closeDelay = time.Second
		hub.Connect(c)
		<-connected

		start := time.Now()
		hub.Close()
		assert.LessOrEqual(t, time.Since(start), hub.closeTimeout+50*time.Millisecond)
	})

	t.Run("connect_after_close_closes_the_conn", func(t *testing.T) {
		hub := New(&MockConnFactory{})
		hub.Start()
		hub.Close()

		c := NewMockConn("a", hub)
		hub.Connect(c)
		select {
		case <-c.done:
		case <-time.After(baseTimeout):
			require.Fail(t, "conn was not closed")
		}
	})
}
