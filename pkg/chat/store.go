package chat

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Store owns the authoritative chat state: the message stream per channel,
// the member roster, and the mute record set. Clients only ever hold
// projections of it, mutated through accepted protocol or REST responses.
type Store interface {
	// CreateRoom creates a chatroom, event, or meetup channel. The owner is
	// added as a member with the admin role. Direct message channels are
	// created with CreateDirectMessage instead.
	CreateRoom(ctx context.Context, input RoomCreateInput) (Channel, error)

	// CreateDirectMessage creates a two-party channel. If a direct channel
	// between the two users already exists, it returns ErrConflictedRoom.
	// If the users are the same or one does not exist, it returns
	// ErrInvalidUser.
	CreateDirectMessage(ctx context.Context, users [2]string) (Channel, error)

	// AddMember adds a member (or RSVP, for event/meetup channels) to the
	// room. Adding an existing member is a no-op.
	AddMember(ctx context.Context, ch Channel, username string) error

	// GetRoom returns the room, or nil if it does not exist.
	GetRoom(ctx context.Context, ch Channel) (*Room, error)

	// GetMembers returns the room's roster with each member's role and mute
	// flag. It returns ErrRoomNotFound if the room does not exist.
	GetMembers(ctx context.Context, ch Channel) ([]Member, error)

	// IsAdmin reports whether the user holds the admin role for the channel.
	IsAdmin(ctx context.Context, ch Channel, username string) (bool, error)

	// CanAccess returns nil when the user may subscribe to the channel:
	// unconditionally for public chatrooms, by membership for private
	// chatrooms and direct messages, by RSVP record for events and meetups.
	// It returns ErrRoomNotFound or ErrNotMember otherwise.
	CanAccess(ctx context.Context, ch Channel, username string) error

	// AppendMessage validates, assigns the next id and timestamp, and
	// persists a message. Id assignment is serialized per channel: two
	// concurrent appends never receive the same id. It returns ErrMuted for
	// muted senders, ErrRoomExpired for ended event/meetup channels,
	// ErrEmptyMessage for empty data, and ErrMessageNotFound for a replyTo
	// that does not reference an existing message in the same channel.
	AppendMessage(ctx context.Context, input MessageCreateInput) (*Message, error)

	// Messages returns the most recent limit messages of the channel in
	// reverse-chronological order, reactions attached. If limit is zero the
	// backfill window defaults to 50.
	Messages(ctx context.Context, ch Channel, limit int) ([]Message, error)

	// GetMessage returns a single message by id, or nil if it does not exist.
	GetMessage(ctx context.Context, ch Channel, id int) (*Message, error)

	// ToggleReaction flips the user's membership of the message's emoji set
	// and returns the entire recomputed reaction state, never a delta.
	ToggleReaction(ctx context.Context, ch Channel, id int, emoji, username string) (Reactions, error)

	// Mute creates a MuteRecord for the target. The admin gate is enforced
	// by the caller. Muting an already muted member updates the record.
	Mute(ctx context.Context, ch Channel, target, mutedBy, reason string) error

	// Unmute deletes the target's MuteRecord. Unmuting a member that is not
	// muted is a no-op.
	Unmute(ctx context.Context, ch Channel, target string) error

	// IsMuted reports whether a MuteRecord exists for the user.
	IsMuted(ctx context.Context, ch Channel, username string) (bool, error)
}

// RoomCreateInput is the input for creating a chatroom/event/meetup channel.
type RoomCreateInput struct {
	Type    ChatType `validate:"required"`
	Name    string   `validate:"required"`
	Owner   string   `validate:"required"`
	Private bool
	// ExpiresAt is required for time-bounded chat types and ignored for
	// persistent ones.
	ExpiresAt *time.Time
}

func (i *RoomCreateInput) Validate() error {
	if err := validate.Struct(i); err != nil {
		return err
	}
	if !i.Type.Valid() || i.Type == DirectMessage {
		return ErrInvalidRoomType
	}
	if i.Type.Bounded() && i.ExpiresAt == nil {
		return ErrMissingExpiry
	}
	return nil
}
