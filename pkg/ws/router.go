package ws

import (
	"fmt"
	"log/slog"
)

type PacketHandler func(*InPacket) error

// Router dispatches inbound packets to the handler registered for their type
// discriminator. Handler panics are recovered so one bad frame cannot take
// the hub down.
type Router struct {
	handlers map[string]PacketHandler
	fallback PacketHandler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string]PacketHandler),
		logger:   logger,
	}
}

func (r *Router) On(packetType string, h PacketHandler) {
	if _, ok := r.handlers[packetType]; ok {
		panic(fmt.Sprintf("handler(%s): already exists", packetType))
	}
	r.handlers[packetType] = h
}

// Fallback registers the handler for packet types with no registered handler.
func (r *Router) Fallback(h PacketHandler) {
	r.fallback = h
}

func (r *Router) Dispatch(packet *InPacket) {
	h, ok := r.handlers[packet.Type]
	if !ok {
		if r.fallback == nil {
			r.logger.Error(fmt.Sprintf("handler for %q not found", packet.Type))
			return
		}
		h = r.fallback
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error(fmt.Sprintf("handler(%s): panic: %v", packet.Type, rec))
			}
		}()
		if err := h(packet); err != nil {
			r.logger.Error(fmt.Sprintf("handler(%s): %v", packet.Type, err))
		}
	}()
}
