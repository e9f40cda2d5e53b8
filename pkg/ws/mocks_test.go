package ws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type MockConn struct {
	id   string
	out  chan *OutPacket
	done chan struct{}
	hub  Hub

	mu         sync.Mutex
	outPackets []*OutPacket

	reading    atomic.Bool
	writing    atomic.Bool
	closeDelay time.Duration
	closeOnce  sync.Once
	drain      bool
}

func NewMockConn(id string, hub Hub) *MockConn {
	return &MockConn{
		id:    id,
		out:   make(chan *OutPacket, 16),
		done:  make(chan struct{}),
		hub:   hub,
		drain: true,
	}
}

// NewBlockedMockConn never drains its send channel, so the first delivery
// attempt blocks.
func NewBlockedMockConn(id string, hub Hub) *MockConn {
	c := NewMockConn(id, hub)
	c.out = make(chan *OutPacket)
	c.drain = false
	return c
}

func (c *MockConn) pass() chan<- *OutPacket {
	return c.out
}

func (c *MockConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *MockConn) ID() string {
	return c.id
}

func (c *MockConn) readLoop() {
	c.reading.Store(true)
	defer c.reading.Store(false)
	<-c.done
}

func (c *MockConn) writeLoop() {
	c.writing.Store(true)
	defer c.writing.Store(false)
	if !c.drain {
		<-c.done
		return
	}
	for {
		select {
		case p := <-c.out:
			c.mu.Lock()
			c.outPackets = append(c.outPackets, p)
			c.mu.Unlock()
		case <-c.done:
			if c.closeDelay > 0 {
				time.Sleep(c.closeDelay)
			}
			return
		}
	}
}

// OutPackets snapshots the packets the hub delivered so far.
func (c *MockConn) OutPackets() []*OutPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*OutPacket, len(c.outPackets))
	copy(out, c.outPackets)
	return out
}

type MockConnFactory struct {
	shouldFail bool
	nextID     atomic.Int64
}

func (f *MockConnFactory) NewConn(w http.ResponseWriter, r *http.Request, hub Hub) (Conn, bool) {
	if f.shouldFail {
		return nil, false
	}
	id := f.nextID.Add(1)
	return NewMockConn(string(rune('0'+id)), hub), true
}

const baseTimeout = 2 * time.Second

func waitOrTimeout(timeout time.Duration, f func()) bool {
	done := make(chan struct{})
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
