// Package client is the client half of the chat protocol: it owns exactly
// one websocket per chat session, drives the connect -> authenticate -> sync
// -> active state machine, merges the history backfill with live messages,
// and tracks typing presence. All rendered state is a projection of accepted
// server events; the client never commits a local guess as durable truth.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gatherly/chat/pkg/chat"
	"github.com/gatherly/chat/pkg/protocol"
)

// State is the connection state of a ChatSession.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	SyncingHistory
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case SyncingHistory:
		return "syncing_history"
	case Active:
		return "active"
	}
	return "unknown"
}

var (
	// ErrNotActive is returned when a send is attempted outside the Active
	// state. Sends are dropped, never queued.
	ErrNotActive = errors.New("session is not active")
	// ErrEmptyMessage is returned for empty content before any network call.
	ErrEmptyMessage = errors.New("message data must not be empty")
	// ErrAuthFailed is recorded when the server answers auth:failure.
	ErrAuthFailed = errors.New("authentication failed")
)

// SystemError is a system:error event surfaced by the server. The session
// stays usable after receiving one.
type SystemError struct {
	Code    string
	Message string
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ChatSession owns one physical socket for one subscribed channel. It is
// created on view entry and must be closed on every exit path; Close releases
// the socket and cancels all armed timers. There is no automatic reconnect:
// any transport error transitions the session to Disconnected and leaves
// recovery to the caller.
type ChatSession struct {
	channel  chat.Channel
	username string
	token    string

	logger *slog.Logger
	dialer *websocket.Dialer

	backfillLimit int

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	lastErr error

	// messages is the reconciled, ascending-by-id message list. seen guards
	// it against duplicate delivery across reconnect races.
	messages []chat.Message
	seen     map[int]struct{}
	// pending buffers live messages that arrive before sync:response so
	// they cannot appear to precede history they logically follow.
	pending []chat.Message
	synced  bool

	typing *typingTracker

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*ChatSession)

func WithLogger(logger *slog.Logger) Option {
	return func(c *ChatSession) { c.logger = logger }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *ChatSession) { c.dialer = dialer }
}

// WithBackfillLimit bounds the history window requested on subscribe.
func WithBackfillLimit(n int) Option {
	return func(c *ChatSession) { c.backfillLimit = n }
}

// WithTypingDebounce sets the idle window after which the outgoing typing
// signal stops.
func WithTypingDebounce(d time.Duration) Option {
	return func(c *ChatSession) { c.typing.debounce = d }
}

// WithTypingTTL sets how long a peer's typing indicator survives without a
// fresh typing:start. It covers peers that disconnect without signalling
// stop.
func WithTypingTTL(d time.Duration) Option {
	return func(c *ChatSession) { c.typing.ttl = d }
}

// Open establishes the socket and starts the handshake for one channel. The
// returned session is in the Authenticating state; it advances to Active
// asynchronously as the server answers. Open fails only on transport errors.
func Open(ctx context.Context, url string, ch chat.Channel, username, token string, opts ...Option) (*ChatSession, error) {
	c := &ChatSession{
		channel:  ch,
		username: username,
		token:    token,
		logger:   slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		dialer:   websocket.DefaultDialer,
		state:    Connecting,
		seen:     make(map[int]struct{}),
		done:     make(chan struct{}),
	}
	c.typing = newTypingTracker(c.emitTyping)

	for _, opt := range opts {
		opt(c)
	}

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.lastErr = err
		c.mu.Unlock()
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Authenticating
	c.mu.Unlock()

	if err := c.write(protocol.EventAuth, protocol.AuthPayload{
		Username: username,
		Token:    token,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	go c.readLoop()

	return c, nil
}

func (c *ChatSession) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last transport or system error observed, if any.
func (c *ChatSession) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Messages returns a copy of the reconciled message list in ascending id
// order.
func (c *ChatSession) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Reactions returns the last broadcast reaction state for the message, the
// server's authoritative view. The client never predicts it optimistically.
func (c *ChatSession) Reactions(messageID int) chat.Reactions {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == messageID {
			return c.messages[i].Reactions
		}
	}
	return nil
}

// SendMessage sends a message:new event. The authoritative message, with its
// server-assigned id and timestamp, arrives back through the broadcast echo.
// Sends outside the Active state are dropped with a warning, never queued.
func (c *ChatSession) SendMessage(data string, replyTo *int) error {
	if data == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Active {
		c.logger.Warn("dropping message send", slog.String("state", state.String()))
		return ErrNotActive
	}

	// Sending a message ends the typing signal.
	c.typing.messageSent()

	return c.write(protocol.EventMessageNew, protocol.MessageNewPayload{
		Channel: c.channel,
		Data:    data,
		ReplyTo: replyTo,
	})
}

// ToggleReaction sends a message:reaction event. Rendered reaction state
// only changes when the server broadcasts the recomputed map back.
func (c *ChatSession) ToggleReaction(messageID int, emoji string) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Active {
		c.logger.Warn("dropping reaction send", slog.String("state", state.String()))
		return ErrNotActive
	}
	return c.write(protocol.EventMessageReaction, protocol.MessageReactionPayload{
		Channel:   c.channel,
		MessageID: messageID,
		Emoji:     emoji,
	})
}

// TypedInput records one keystroke: the first emits typing:start, every call
// re-arms the idle timer, and the timer firing emits exactly one
// typing:stop.
func (c *ChatSession) TypedInput() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Active {
		return
	}
	c.typing.typedInput()
}

// TypingUsers returns the peers currently flagged as typing.
func (c *ChatSession) TypingUsers() []string {
	return c.typing.typists()
}

// TypingLabel renders the typing indicator. The verb is derived purely from
// the set's cardinality.
func (c *ChatSession) TypingLabel() string {
	return c.typing.label()
}

// Close releases the socket and cancels every armed timer. It is idempotent
// and must run on every exit path from the chat view. Events that arrive
// after Close are discarded rather than applied to stale state.
func (c *ChatSession) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.typing.close()
		c.mu.Lock()
		c.state = Disconnected
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
}

func (c *ChatSession) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *ChatSession) write(eventType string, payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotActive
	}
	if err := conn.WriteJSON(struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload,omitempty"`
	}{Type: eventType, Payload: payload}); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	return nil
}

func (c *ChatSession) emitTyping(start bool) {
	eventType := protocol.EventTypingStop
	if start {
		eventType = protocol.EventTypingStart
	}
	if err := c.write(eventType, protocol.TypingPayload{Channel: c.channel}); err != nil {
		c.logger.Warn(fmt.Sprintf("emit %s: %v", eventType, err))
	}
}

func (c *ChatSession) readLoop() {
	for {
		var packet struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := c.conn.ReadJSON(&packet); err != nil {
			c.transportError(err)
			return
		}
		if c.closed() {
			return
		}
		c.handle(packet.Type, packet.Payload)
	}
}

// transportError is the single exit for socket failures: the session drops
// to Disconnected and no reconnection is attempted.
func (c *ChatSession) transportError(err error) {
	if c.closed() {
		return
	}
	c.mu.Lock()
	c.state = Disconnected
	c.lastErr = err
	c.mu.Unlock()
	c.typing.close()
	c.logger.Warn(fmt.Sprintf("transport error: %v", err))
}

func (c *ChatSession) handle(eventType string, payload json.RawMessage) {
	switch eventType {
	case protocol.EventAuthSuccess:
		c.handleAuthSuccess()
	case protocol.EventAuthFailure:
		c.handleAuthFailure(payload)
	case protocol.EventSyncResponse:
		c.handleSyncResponse(payload)
	case protocol.EventMessageNew:
		c.handleMessageNew(payload)
	case protocol.EventMessageReaction:
		c.handleMessageReaction(payload)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		c.handleTyping(eventType, payload)
	case protocol.EventSystemError:
		c.handleSystemError(payload)
	default:
		c.logger.Debug("ignoring unknown event", slog.String("type", eventType))
	}
}

func (c *ChatSession) handleAuthSuccess() {
	c.mu.Lock()
	if c.state != Authenticating {
		c.mu.Unlock()
		return
	}
	c.state = SyncingHistory
	c.mu.Unlock()

	if err := c.write(protocol.EventSyncHistory, protocol.SyncHistoryPayload{
		Channel: c.channel,
		Limit:   c.backfillLimit,
	}); err != nil {
		c.transportError(err)
	}
}

func (c *ChatSession) handleAuthFailure(payload json.RawMessage) {
	var p protocol.AuthFailurePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Error(fmt.Sprintf("unmarshal auth:failure: %v", err))
	}
	c.mu.Lock()
	c.lastErr = fmt.Errorf("%w: %s", ErrAuthFailed, p.Message)
	c.mu.Unlock()
}

// handleSyncResponse adopts the backfill: the reverse-chronological window
// is flipped into ascending order, then live messages buffered during the
// sync are appended, de-duplicated by id against the backfilled set.
func (c *ChatSession) handleSyncResponse(payload json.RawMessage) {
	var p protocol.SyncResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Error(fmt.Sprintf("unmarshal sync:response: %v", err))
		return
	}
	if p.Channel != c.channel {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != SyncingHistory {
		return
	}

	c.messages = c.messages[:0]
	clear(c.seen)
	for i := len(p.Messages) - 1; i >= 0; i-- {
		msg := p.Messages[i]
		c.messages = append(c.messages, msg)
		c.seen[msg.ID] = struct{}{}
	}

	for _, msg := range c.pending {
		c.insertLocked(msg)
	}
	c.pending = nil
	c.synced = true
	c.state = Active
}

func (c *ChatSession) handleMessageNew(payload json.RawMessage) {
	var msg chat.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Error(fmt.Sprintf("unmarshal message:new: %v", err))
		return
	}
	if msg.Channel != c.channel {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.synced {
		c.pending = append(c.pending, msg)
		return
	}
	c.insertLocked(msg)
}

// insertLocked places a message into the ascending list, dropping duplicates
// by id so a reconnect racing a pending broadcast cannot produce a duplicate
// visible entry.
func (c *ChatSession) insertLocked(msg chat.Message) {
	if _, ok := c.seen[msg.ID]; ok {
		return
	}
	c.seen[msg.ID] = struct{}{}
	idx, _ := slices.BinarySearchFunc(c.messages, msg, func(a, b chat.Message) int {
		return a.ID - b.ID
	})
	c.messages = slices.Insert(c.messages, idx, msg)
}

func (c *ChatSession) handleMessageReaction(payload json.RawMessage) {
	var p protocol.MessageReactionBroadcast
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Error(fmt.Sprintf("unmarshal message:reaction: %v", err))
		return
	}
	if p.Channel != c.channel {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == p.MessageID {
			c.messages[i].Reactions = p.Reactions
			return
		}
	}
}

func (c *ChatSession) handleTyping(eventType string, payload json.RawMessage) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Error(fmt.Sprintf("unmarshal %s: %v", eventType, err))
		return
	}
	if p.Channel != c.channel || p.Username == "" {
		return
	}
	if eventType == protocol.EventTypingStart {
		c.typing.remoteStart(p.Username)
	} else {
		c.typing.remoteStop(p.Username)
	}
}

func (c *ChatSession) handleSystemError(payload json.RawMessage) {
	var p protocol.SystemErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Error(fmt.Sprintf("unmarshal system:error: %v", err))
		return
	}
	c.mu.Lock()
	c.lastErr = &SystemError{Code: p.Code, Message: p.Message}
	c.mu.Unlock()
	c.logger.Warn("system error", slog.String("code", p.Code), slog.String("message", p.Message))
}
