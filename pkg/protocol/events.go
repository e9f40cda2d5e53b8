// Package protocol implements the server side of the chat wire protocol: the
// in-band authentication handshake, channel subscription with history
// backfill, message acceptance and fan-out, reaction toggling, and typing
// relay. Every frame is a {type, payload} object multiplexed over one
// websocket connection per client.
package protocol

import (
	"github.com/go-playground/validator/v10"

	"github.com/gatherly/chat/pkg/chat"
)

// Client -> server event types.
const (
	EventAuth            = "auth"
	EventSyncHistory     = "sync:history"
	EventMessageNew      = "message:new"
	EventMessageReaction = "message:reaction"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
)

// Server -> client event types. EventMessageNew, EventMessageReaction,
// EventTypingStart, and EventTypingStop are reused for the outbound
// direction.
const (
	EventAuthSuccess  = "auth:success"
	EventAuthFailure  = "auth:failure"
	EventSyncResponse = "sync:response"
	EventSystemError  = "system:error"
)

// system:error codes.
const (
	CodeAuthentication = "authentication_error"
	CodeAuthorization  = "authorization_error"
	CodeValidation     = "validation_error"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal_error"
)

var validate = validator.New()

// AuthPayload carries the handshake identity. The token is the same JWT the
// REST signin endpoint issues; the server validates it against its own
// session store rather than trusting the claimed username.
type AuthPayload struct {
	Username string `json:"username" validate:"required"`
	Token    string `json:"token" validate:"required"`
}

type AuthSuccessPayload struct {
	Username string `json:"username"`
}

type AuthFailurePayload struct {
	Message string `json:"message"`
}

type SyncHistoryPayload struct {
	chat.Channel
	// Limit bounds the backfill window. Zero means the server default.
	Limit int `json:"limit,omitempty"`
}

// SyncResponsePayload returns the most recent messages of the channel in
// reverse-chronological order. The client reverses them into ascending order
// when adopting the backfill.
type SyncResponsePayload struct {
	chat.Channel
	Messages []chat.Message `json:"messages"`
}

type MessageNewPayload struct {
	chat.Channel
	Data    string `json:"data" validate:"required"`
	ReplyTo *int   `json:"replyTo,omitempty"`
}

type MessageReactionPayload struct {
	chat.Channel
	MessageID int    `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
}

// MessageReactionBroadcast carries the entire recomputed reaction state for
// the message, never a delta, so no subscriber can diverge from the server's
// view.
type MessageReactionBroadcast struct {
	chat.Channel
	MessageID int            `json:"messageId"`
	Reactions chat.Reactions `json:"reactions"`
}

// TypingPayload is relayed to every other subscriber of the channel. It is
// never persisted and the server applies no timeout of its own; expiry is a
// client-side responsibility.
type TypingPayload struct {
	chat.Channel
	Username string `json:"username,omitempty"`
}

type SystemErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
