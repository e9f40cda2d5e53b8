package ws

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

type HubState int

const (
	StateClosed HubState = iota
	StateClosing
	StateRunning
)

type ConnHub struct {
	conns map[string]Conn

	connectChan    chan Conn
	disconnectChan chan Conn
	// in carries inbound packets from every connection to the hub goroutine.
	// Packet callbacks run on that goroutine, so handling is serialized.
	in chan *InPacket
	// exit signals the hub goroutine to stop accepting and return.
	exit chan struct{}

	logger *slog.Logger

	onConnect    func(Conn)
	onDisconnect func(Conn)
	onPacket     func(*InPacket)

	baseCtx context.Context

	wg sync.WaitGroup

	connFactory ConnFactory

	closeTimeout time.Duration

	state HubState
	mu    sync.RWMutex
}

func New(cf ConnFactory, opts ...HubOption) *ConnHub {
	hub := &ConnHub{
		conns:          make(map[string]Conn),
		connectChan:    make(chan Conn),
		disconnectChan: make(chan Conn),
		in:             make(chan *InPacket),
		exit:           make(chan struct{}),
		logger:         slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		baseCtx:        context.Background(),
		closeTimeout:   time.Second * 10,
		connFactory:    cf,
		state:          StateClosed,
	}

	for _, opt := range opts {
		opt(hub)
	}

	return hub
}

type HubOption func(*ConnHub)

func WithLogger(logger *slog.Logger) HubOption {
	return func(h *ConnHub) {
		h.logger = logger
	}
}

func WithBaseContext(ctx context.Context) HubOption {
	return func(h *ConnHub) {
		h.baseCtx = ctx
	}
}

func (hub *ConnHub) Start() {
	hub.wg.Add(1)
	go func() {
		defer func() {
			hub.wg.Done()
			hub.logger.Info("hub stopped")
		}()
		hub.start()
	}()
	hub.logger.Info("hub started")
}

func (hub *ConnHub) start() {
	hub.mu.Lock()
	hub.state = StateRunning
	hub.mu.Unlock()
	defer func() {
		hub.mu.Lock()
		hub.state = StateClosed
		hub.mu.Unlock()
	}()
	for {
		select {
		case <-hub.exit:
			return
		case c := <-hub.connectChan:
			hub.connect(c)
		case c := <-hub.disconnectChan:
			hub.disconnect(c)
		case packet := <-hub.in:
			if hub.onPacket != nil {
				hub.onPacket(packet)
			}
		}
	}
}

func (hub *ConnHub) OnPacket(f func(*InPacket)) {
	hub.onPacket = f
}

func (hub *ConnHub) OnConnect(f func(Conn)) {
	hub.onConnect = f
}

func (hub *ConnHub) OnDisconnect(f func(Conn)) {
	hub.onDisconnect = f
}

// Close starts closing the hub:
//  1. Deregister every connection, signalling its handler goroutines to exit.
//  2. Signal the hub goroutine to exit.
//
// It waits for the clean up to complete or until the close timeout.
func (hub *ConnHub) Close() {
	hub.mu.Lock()
	if hub.state != StateRunning {
		hub.mu.Unlock()
		return
	}
	hub.state = StateClosing
	hub.mu.Unlock()

	hub.logger.Info("closing connections...")
	hub.mu.RLock()
	open := make([]Conn, 0, len(hub.conns))
	for _, c := range hub.conns {
		open = append(open, c)
	}
	hub.mu.RUnlock()
	for _, c := range open {
		hub.disconnect(c)
	}
	hub.logger.Info("exiting hub...")
	close(hub.exit)

	timer := time.NewTimer(hub.closeTimeout)
	defer timer.Stop()
	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	select {
	case <-timer.C:
		hub.logger.Info("hub closed with timeout")
	case <-done:
		hub.logger.Info("hub closed gracefully")
	}
}

func (hub *ConnHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, ok := hub.connFactory.NewConn(w, r, hub)
	if !ok {
		return
	}
	hub.Connect(conn)
}

func (hub *ConnHub) startConn(conn Conn) {
	hub.wg.Add(1)
	go func() {
		defer hub.wg.Done()
		conn.readLoop()
	}()

	hub.wg.Add(1)
	go func() {
		defer hub.wg.Done()
		conn.writeLoop()
	}()
}

// sendOrDisconnect sends a packet to a connection. If the connection's send
// channel is blocked, the connection is dropped.
func (hub *ConnHub) sendOrDisconnect(c Conn, p *OutPacket) {
	select {
	case c.pass() <- p:
	default:
		hub.disconnect(c)
	}
}

func (hub *ConnHub) Connect(c Conn) {
	select {
	case hub.connectChan <- c:
	case <-hub.exit:
		c.close()
	}
}

func (hub *ConnHub) Disconnect(c Conn) {
	select {
	case hub.disconnectChan <- c:
	case <-hub.exit:
	}
}

func (hub *ConnHub) pass(packet *InPacket) {
	select {
	case hub.in <- packet:
	case <-hub.exit:
	}
}

// Send delivers a packet to the given connection ids. The lock is released
// before sending: sendOrDisconnect may drop a connection, which takes the
// write lock.
func (hub *ConnHub) Send(p *OutPacket, connIDs ...string) {
	hub.mu.RLock()
	targets := make([]Conn, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := hub.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	hub.mu.RUnlock()
	for _, c := range targets {
		hub.sendOrDisconnect(c, p)
	}
}

func (hub *ConnHub) connect(c Conn) {
	hub.startConn(c)
	hub.mu.Lock()
	hub.conns[c.ID()] = c
	hub.mu.Unlock()
	hub.logger.Info("new connection", slog.String("conn.id", c.ID()))
	if hub.onConnect != nil {
		hub.onConnect(c)
	}
}

func (hub *ConnHub) disconnect(c Conn) {
	hub.mu.Lock()
	_, ok := hub.conns[c.ID()]
	if ok {
		delete(hub.conns, c.ID())
	}
	hub.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	if hub.onDisconnect != nil {
		hub.onDisconnect(c)
	}
}
