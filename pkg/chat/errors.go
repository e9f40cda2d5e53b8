package chat

import "errors"

var (
	// ErrInvalidUser is returned when a referenced user does not exist or is
	// invalid for the operation.
	ErrInvalidUser = errors.New("invalid user")
	// ErrRoomNotFound is returned when the referenced channel does not exist.
	ErrRoomNotFound = errors.New("chatroom not found")
	// ErrNotMember is returned when the user has no access to the channel.
	ErrNotMember = errors.New("not a member of this chatroom")
	// ErrMuted is returned when a muted member attempts to author a message.
	ErrMuted = errors.New("you are muted in this chatroom")
	// ErrRoomExpired is returned when the underlying event/meetup has ended.
	ErrRoomExpired = errors.New("chatroom has expired")
	// ErrEmptyMessage is returned when the message data is empty.
	ErrEmptyMessage = errors.New("message data must not be empty")
	// ErrInvalidMessageType is returned when the message type is unsupported.
	ErrInvalidMessageType = errors.New("invalid message type")
	// ErrMessageNotFound is returned when a referenced message, e.g. a
	// reaction target or a replyTo, does not exist in the channel.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotAdmin is returned when a moderation action is attempted by a
	// member without the admin role.
	ErrNotAdmin = errors.New("admin role required")
	// ErrConflictedRoom is returned when a direct message channel already
	// exists between the two users.
	ErrConflictedRoom = errors.New("chat already exists")
	// ErrInvalidRoomType is returned when the chat type is unknown or cannot
	// be created through the operation.
	ErrInvalidRoomType = errors.New("invalid chat type")
	// ErrMissingExpiry is returned when a time-bounded room is created
	// without an expiry.
	ErrMissingExpiry = errors.New("event and meetup chats require an expiry")
	// ErrInvalidReaction is returned when the reaction payload is malformed.
	ErrInvalidReaction = errors.New("invalid reaction")
)
