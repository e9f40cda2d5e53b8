package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/gatherly/chat/pkg/auth"
	"github.com/gatherly/chat/pkg/chat"
	"github.com/gatherly/chat/pkg/ws"
)

// Gateway routes inbound protocol events to their handlers and fans accepted
// events out to every connection subscribed to the same channel. It owns the
// session table and the subscription registry; both are keyed by the full
// (chatType, chatroomId) pair, so an event and a meetup sharing a numeric id
// can never cross-deliver.
type Gateway struct {
	hub    ws.Hub
	router *ws.Router
	store  chat.Store
	auth   auth.Auth
	logger *slog.Logger
	ctx    context.Context

	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[chat.Channel]map[string]struct{}
}

func NewGateway(ctx context.Context, logger *slog.Logger, hub ws.Hub, store chat.Store, a auth.Auth) *Gateway {
	g := &Gateway{
		hub:      hub,
		router:   ws.NewRouter(logger),
		store:    store,
		auth:     a,
		logger:   logger,
		ctx:      ctx,
		sessions: make(map[string]*Session),
		subs:     make(map[chat.Channel]map[string]struct{}),
	}

	g.router.On(EventAuth, g.handleAuth)
	g.router.On(EventSyncHistory, g.handleSyncHistory)
	g.router.On(EventMessageNew, g.handleMessageNew)
	g.router.On(EventMessageReaction, g.handleMessageReaction)
	g.router.On(EventTypingStart, g.handleTyping(EventTypingStart))
	g.router.On(EventTypingStop, g.handleTyping(EventTypingStop))
	g.router.Fallback(g.handleUnknown)

	hub.OnConnect(g.onConnect)
	hub.OnDisconnect(g.onDisconnect)
	hub.OnPacket(g.router.Dispatch)

	return g
}

func (g *Gateway) onConnect(c ws.Conn) {
	g.mu.Lock()
	g.sessions[c.ID()] = newSession(c.ID())
	g.mu.Unlock()
}

func (g *Gateway) onDisconnect(c ws.Conn) {
	g.mu.Lock()
	session, ok := g.sessions[c.ID()]
	if ok {
		for ch := range session.subs {
			delete(g.subs[ch], c.ID())
			if len(g.subs[ch]) == 0 {
				delete(g.subs, ch)
			}
		}
		delete(g.sessions, c.ID())
	}
	g.mu.Unlock()
}

func (g *Gateway) session(connID string) *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions[connID]
}

// subscribers returns the connection ids registered for the channel. When
// excluding, the given connection is left out (typing relay excludes the
// sender; message fan-out does not, since the sender relies on the echo for
// the authoritative id and timestamp).
func (g *Gateway) subscribers(ch chat.Channel, exclude string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.subs[ch]))
	for id := range g.subs[ch] {
		if id == exclude {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (g *Gateway) subscribe(session *Session, ch chat.Channel) {
	g.mu.Lock()
	session.subscribe(ch)
	if g.subs[ch] == nil {
		g.subs[ch] = make(map[string]struct{})
	}
	g.subs[ch][session.ConnID] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) send(connID, eventType string, payload interface{}) {
	g.hub.Send(&ws.OutPacket{Type: eventType, Payload: payload}, connID)
}

func (g *Gateway) sendError(connID string, err error) {
	g.send(connID, EventSystemError, errorPayload(err))
}

var errNotSubscribed = errors.New("channel not subscribed")

// errorPayload maps domain errors to the wire taxonomy. Unrecognized errors
// are reported as internal without leaking their message.
func errorPayload(err error) SystemErrorPayload {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return SystemErrorPayload{Code: CodeAuthentication, Message: "authentication required"}
	case errors.Is(err, chat.ErrMuted),
		errors.Is(err, chat.ErrNotMember),
		errors.Is(err, errNotSubscribed),
		errors.Is(err, chat.ErrRoomExpired):
		return SystemErrorPayload{Code: CodeAuthorization, Message: err.Error()}
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidMessageType),
		errors.Is(err, chat.ErrInvalidReaction),
		errors.Is(err, chat.ErrInvalidRoomType),
		errors.As(err, &verr):
		return SystemErrorPayload{Code: CodeValidation, Message: err.Error()}
	case errors.Is(err, chat.ErrRoomNotFound),
		errors.Is(err, chat.ErrMessageNotFound):
		return SystemErrorPayload{Code: CodeNotFound, Message: err.Error()}
	default:
		return SystemErrorPayload{Code: CodeInternal, Message: "internal error"}
	}
}

func decodePayload(packet *ws.InPacket, v interface{}) error {
	if err := json.Unmarshal(packet.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", packet.Type, err)
	}
	return validate.Struct(v)
}

func (g *Gateway) handleAuth(packet *ws.InPacket) error {
	var payload AuthPayload
	if err := decodePayload(packet, &payload); err != nil {
		g.send(packet.ConnID, EventAuthFailure, AuthFailurePayload{Message: "invalid auth payload"})
		return nil
	}

	authSession, err := g.auth.Session(g.ctx, payload.Token)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			g.logger.Error(fmt.Sprintf("auth.Session: %v", err))
		}
		g.send(packet.ConnID, EventAuthFailure, AuthFailurePayload{Message: "invalid credentials"})
		return nil
	}
	if authSession.Username != payload.Username {
		g.send(packet.ConnID, EventAuthFailure, AuthFailurePayload{Message: "invalid credentials"})
		return nil
	}

	session := g.session(packet.ConnID)
	if session == nil {
		return nil
	}
	g.mu.Lock()
	// Existing subscriptions were access-checked against the previous
	// identity, so a re-auth under a new username starts with none.
	if session.Username != "" && session.Username != authSession.Username {
		for ch := range session.subs {
			delete(g.subs[ch], session.ConnID)
			if len(g.subs[ch]) == 0 {
				delete(g.subs, ch)
			}
		}
		session.subs = make(map[chat.Channel]struct{})
	}
	session.Username = authSession.Username
	g.mu.Unlock()

	g.send(packet.ConnID, EventAuthSuccess, AuthSuccessPayload{Username: session.Username})
	g.logger.Info("connection authenticated",
		slog.String("conn.id", packet.ConnID), slog.String("username", session.Username))
	return nil
}

// authenticated returns the session when the handshake has completed, and
// answers system:error otherwise. The connection stays open either way.
func (g *Gateway) authenticated(packet *ws.InPacket) *Session {
	session := g.session(packet.ConnID)
	if session == nil || !session.Authenticated() {
		g.sendError(packet.ConnID, auth.ErrUnauthenticated)
		return nil
	}
	return session
}

func (g *Gateway) handleSyncHistory(packet *ws.InPacket) error {
	session := g.authenticated(packet)
	if session == nil {
		return nil
	}

	var payload SyncHistoryPayload
	if err := decodePayload(packet, &payload); err != nil {
		g.sendError(packet.ConnID, err)
		return nil
	}

	if err := g.store.CanAccess(g.ctx, payload.Channel, session.Username); err != nil {
		if errors.Is(err, chat.ErrNotMember) || errors.Is(err, chat.ErrRoomNotFound) {
			g.sendError(packet.ConnID, err)
			return nil
		}
		return fmt.Errorf("CanAccess: %w", err)
	}

	messages, err := g.store.Messages(g.ctx, payload.Channel, payload.Limit)
	if err != nil {
		g.sendError(packet.ConnID, err)
		return fmt.Errorf("Messages: %w", err)
	}

	// Register the subscription before replying so no broadcast accepted
	// after this point can be missed. The client buffers live messages that
	// overtake the backfill and de-duplicates by id.
	g.subscribe(session, payload.Channel)

	g.send(packet.ConnID, EventSyncResponse, SyncResponsePayload{
		Channel:  payload.Channel,
		Messages: messages,
	})
	return nil
}

func (g *Gateway) handleMessageNew(packet *ws.InPacket) error {
	session := g.authenticated(packet)
	if session == nil {
		return nil
	}

	var payload MessageNewPayload
	if err := decodePayload(packet, &payload); err != nil {
		g.sendError(packet.ConnID, err)
		return nil
	}

	// Senders must hold a subscription: without one the echo carrying the
	// authoritative id could never reach them.
	g.mu.RLock()
	subscribed := session.subscribed(payload.Channel)
	g.mu.RUnlock()
	if !subscribed {
		g.sendError(packet.ConnID, errNotSubscribed)
		return nil
	}

	msg, err := g.store.AppendMessage(g.ctx, chat.MessageCreateInput{
		Channel: payload.Channel,
		Sender:  session.Username,
		Type:    chat.TextMessage,
		Data:    payload.Data,
		ReplyTo: payload.ReplyTo,
	})
	if err != nil {
		g.sendError(packet.ConnID, err)
		return nil
	}

	// Fan out to every subscriber of the channel, the sender's own
	// connection included: the echo is how the sender learns the
	// authoritative id and timestamp.
	g.hub.Send(&ws.OutPacket{Type: EventMessageNew, Payload: msg},
		g.subscribers(msg.Channel, "")...)
	return nil
}

func (g *Gateway) handleMessageReaction(packet *ws.InPacket) error {
	session := g.authenticated(packet)
	if session == nil {
		return nil
	}

	var payload MessageReactionPayload
	if err := decodePayload(packet, &payload); err != nil {
		g.sendError(packet.ConnID, err)
		return nil
	}

	if err := g.store.CanAccess(g.ctx, payload.Channel, session.Username); err != nil {
		g.sendError(packet.ConnID, err)
		return nil
	}

	reactions, err := g.store.ToggleReaction(g.ctx,
		payload.Channel, payload.MessageID, payload.Emoji, session.Username)
	if err != nil {
		g.sendError(packet.ConnID, err)
		return nil
	}

	g.hub.Send(&ws.OutPacket{Type: EventMessageReaction, Payload: MessageReactionBroadcast{
		Channel:   payload.Channel,
		MessageID: payload.MessageID,
		Reactions: reactions,
	}}, g.subscribers(payload.Channel, "")...)
	return nil
}

// handleTyping relays typing signals to every other subscriber of the
// channel. Nothing is persisted and unsubscribed senders are dropped.
func (g *Gateway) handleTyping(eventType string) ws.PacketHandler {
	return func(packet *ws.InPacket) error {
		session := g.authenticated(packet)
		if session == nil {
			return nil
		}

		var payload TypingPayload
		if err := decodePayload(packet, &payload); err != nil {
			g.sendError(packet.ConnID, err)
			return nil
		}

		g.mu.RLock()
		subscribed := session.subscribed(payload.Channel)
		g.mu.RUnlock()
		if !subscribed {
			return nil
		}

		payload.Username = session.Username
		g.hub.Send(&ws.OutPacket{Type: eventType, Payload: payload},
			g.subscribers(payload.Channel, packet.ConnID)...)
		return nil
	}
}

func (g *Gateway) handleUnknown(packet *ws.InPacket) error {
	g.send(packet.ConnID, EventSystemError, SystemErrorPayload{
		Code:    CodeValidation,
		Message: fmt.Sprintf("unknown event type %q", packet.Type),
	})
	return nil
}
