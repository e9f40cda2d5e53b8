package chat

import (
	"fmt"
	"time"
)

const (
	// Chatroom is a persistent group conversation. It may be public or
	// invite-linked private.
	Chatroom ChatType = "chatroom"
	// Event is a time-bounded conversation attached to an event. Membership
	// is derived from RSVP records and the channel expires with the event.
	Event ChatType = "event"
	// Meetup is a time-bounded conversation attached to a meetup.
	Meetup ChatType = "meetup"
	// DirectMessage is a two-party conversation.
	DirectMessage ChatType = "directMessage"
)

const (
	// TextMessage indicates that the message data is a UTF-8 encoded string
	// authored by a member.
	TextMessage MessageType = "text"
	// SystemMessage indicates that the message was generated by the server.
	SystemMessage MessageType = "system"
)

const (
	RoleMember MemberRole = "member"
	RoleAdmin  MemberRole = "admin"
)

// ChatType discriminates the conversation namespaces that share one
// transport.
type ChatType string

func (t ChatType) Valid() bool {
	switch t {
	case Chatroom, Event, Meetup, DirectMessage:
		return true
	}
	return false
}

// Bounded reports whether the chat type is time-bounded, i.e. the channel
// stops accepting messages once the underlying event/meetup has expired.
func (t ChatType) Bounded() bool {
	return t == Event || t == Meetup
}

// MessageType determines how the message data should be interpreted.
type MessageType string

type MemberRole string

// Channel identifies one conversation stream. Routing is always keyed by the
// full pair so an event and a meetup that happen to share an id can never
// cross-deliver.
type Channel struct {
	Type       ChatType `json:"chatType" validate:"required"`
	ChatroomID string   `json:"chatroomId" validate:"required"`
}

func (c Channel) String() string {
	return fmt.Sprintf("%s/%s", c.Type, c.ChatroomID)
}

// Room is the server-side record of a conversation channel.
type Room struct {
	Channel   Channel
	Name      string
	Private   bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the room can no longer accept new messages.
// Persistent chat types never expire.
func (r *Room) Expired(now time.Time) bool {
	if !r.Channel.Type.Bounded() || r.ExpiresAt == nil {
		return false
	}
	return now.After(*r.ExpiresAt)
}

// Message is an entry in a channel's stream. The server-assigned ID is
// monotonically increasing within the channel and defines the total order.
// A message is immutable once accepted, except for its reactions.
type Message struct {
	ID        int         `json:"id"`
	Channel   Channel     `json:"channel"`
	Sender    string      `json:"sender"`
	Type      MessageType `json:"type"`
	Data      string      `json:"data"`
	ReplyTo   *int        `json:"replyTo,omitempty"`
	Reactions Reactions   `json:"reactions"`
	SentAt    time.Time   `json:"sentAt"`
}

// Member is a user's membership of a channel. Muted is derived from the
// presence of a MuteRecord for the pair.
type Member struct {
	Username string     `json:"username"`
	Role     MemberRole `json:"role"`
	Muted    bool       `json:"muted"`
	JoinedAt time.Time  `json:"joinedAt"`
}

// MuteRecord is created by a mute action and deleted by the matching unmute.
type MuteRecord struct {
	Channel Channel   `json:"channel"`
	Target  string    `json:"target"`
	MutedBy string    `json:"mutedBy"`
	Reason  string    `json:"reason,omitempty"`
	MutedAt time.Time `json:"mutedAt"`
}

// MessageCreateInput is the input for appending a message to a channel.
type MessageCreateInput struct {
	Channel Channel
	Sender  string
	Type    MessageType
	Data    string
	ReplyTo *int
}
