package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatherly/chat/pkg/user"
)

const defaultBackfillLimit = 50

type SQLiteStore struct {
	db        *sql.DB
	userStore user.UserStore
	// appendMu serializes message id assignment. SQLite allows a single
	// writer anyway; the mutex keeps two concurrent appends from racing on
	// MAX(seq) and failing on the primary key instead of queueing.
	appendMu sync.Mutex
	// dmMu keeps the pair-uniqueness check and the insert of a direct
	// channel atomic with respect to other creations of the same pair.
	dmMu sync.Mutex
	// toggleMu keeps a reaction flip decision from racing another toggle
	// of the same reaction.
	toggleMu sync.Mutex
}

func NewSQLiteStore(db *sql.DB, userStore user.UserStore) *SQLiteStore {
	return &SQLiteStore{
		db:        db,
		userStore: userStore,
	}
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, input RoomCreateInput) (Channel, error) {
	if err := input.Validate(); err != nil {
		return Channel{}, err
	}

	owner, err := s.userStore.GetUserByUsername(ctx, input.Owner)
	if err != nil {
		return Channel{}, fmt.Errorf("GetUserByUsername: %w", err)
	}
	if owner == nil {
		return Channel{}, ErrInvalidUser
	}

	ch := Channel{Type: input.Type, ChatroomID: uuid.New().String()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Channel{}, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	query := `INSERT INTO chatrooms (chat_type, id, name, private, expires_at, created_at)
		VALUES (@chat_type, @id, @name, @private, @expires_at, @created_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("id", ch.ChatroomID),
		sql.Named("name", input.Name), sql.Named("private", input.Private),
		sql.Named("expires_at", input.ExpiresAt), sql.Named("created_at", now))
	if err != nil {
		return Channel{}, fmt.Errorf("ExecContext(insert chatroom): %w", err)
	}

	// The owner is always admin.
	query = `INSERT INTO members (chat_type, chatroom_id, username, role, joined_at)
		VALUES (@chat_type, @chatroom_id, @username, @role, @joined_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("username", input.Owner), sql.Named("role", string(RoleAdmin)),
		sql.Named("joined_at", now))
	if err != nil {
		return Channel{}, fmt.Errorf("ExecContext(insert member): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Channel{}, fmt.Errorf("Commit: %w", err)
	}

	return ch, nil
}

func (s *SQLiteStore) CreateDirectMessage(ctx context.Context, users [2]string) (Channel, error) {
	if users[0] == users[1] {
		return Channel{}, ErrInvalidUser
	}

	found, err := s.userStore.GetUsersByUsernames(ctx, users[0], users[1])
	if err != nil {
		return Channel{}, fmt.Errorf("GetUsersByUsernames: %w", err)
	}
	if len(found) != 2 {
		return Channel{}, ErrInvalidUser
	}

	s.dmMu.Lock()
	defer s.dmMu.Unlock()

	ch := Channel{Type: DirectMessage, ChatroomID: uuid.New().String()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Channel{}, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	// A direct channel between two users is unique.
	query := `SELECT m1.chatroom_id FROM members AS m1
		INNER JOIN members AS m2
			ON m1.chat_type = m2.chat_type AND m1.chatroom_id = m2.chatroom_id
		WHERE m1.chat_type = @chat_type AND m1.username = @u1 AND m2.username = @u2`
	row := tx.QueryRowContext(ctx, query,
		sql.Named("chat_type", string(DirectMessage)),
		sql.Named("u1", users[0]), sql.Named("u2", users[1]))
	var existing string
	if err := row.Scan(&existing); err == nil {
		return Channel{}, ErrConflictedRoom
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("Scan: %w", err)
	}

	now := time.Now()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chatrooms (chat_type, id, name, private, expires_at, created_at)
		VALUES (@chat_type, @id, @name, 1, NULL, @created_at)`,
		sql.Named("chat_type", string(ch.Type)), sql.Named("id", ch.ChatroomID),
		sql.Named("name", strings.Join(users[:], ", ")), sql.Named("created_at", now))
	if err != nil {
		return Channel{}, fmt.Errorf("ExecContext(insert chatroom): %w", err)
	}

	for _, u := range users {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO members (chat_type, chatroom_id, username, role, joined_at)
			VALUES (@chat_type, @chatroom_id, @username, @role, @joined_at)`,
			sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
			sql.Named("username", u), sql.Named("role", string(RoleMember)),
			sql.Named("joined_at", now))
		if err != nil {
			return Channel{}, fmt.Errorf("ExecContext(insert member): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Channel{}, fmt.Errorf("Commit: %w", err)
	}

	return ch, nil
}

func (s *SQLiteStore) AddMember(ctx context.Context, ch Channel, username string) error {
	u, err := s.userStore.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("GetUserByUsername: %w", err)
	}
	if u == nil {
		return ErrInvalidUser
	}

	room, err := s.GetRoom(ctx, ch)
	if err != nil {
		return fmt.Errorf("GetRoom: %w", err)
	}
	if room == nil {
		return ErrRoomNotFound
	}
	if room.Channel.Type == DirectMessage {
		return ErrInvalidRoomType
	}

	query := `INSERT INTO members (chat_type, chatroom_id, username, role, joined_at)
		VALUES (@chat_type, @chatroom_id, @username, @role, @joined_at)
		ON CONFLICT DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("username", username), sql.Named("role", string(RoleMember)),
		sql.Named("joined_at", time.Now()))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, ch Channel) (*Room, error) {
	query := `SELECT name, private, expires_at, created_at FROM chatrooms
		WHERE chat_type = @chat_type AND id = @id`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("id", ch.ChatroomID))

	room := Room{Channel: ch}
	err := row.Scan(&room.Name, &room.Private, &room.ExpiresAt, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("Scan: %w", err)
	}
	return &room, nil
}

func (s *SQLiteStore) GetMembers(ctx context.Context, ch Channel) ([]Member, error) {
	room, err := s.GetRoom(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("GetRoom: %w", err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}

	query := `SELECT m.username, m.role, m.joined_at,
		EXISTS (
			SELECT 1 FROM mute_records AS mr
			WHERE mr.chat_type = m.chat_type AND mr.chatroom_id = m.chatroom_id
				AND mr.target = m.username
		)
		FROM members AS m
		WHERE m.chat_type = @chat_type AND m.chatroom_id = @chatroom_id
		ORDER BY m.joined_at, m.username`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var role string
		if err := rows.Scan(&m.Username, &role, &m.JoinedAt, &m.Muted); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		m.Role = MemberRole(role)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return members, nil
}

func (s *SQLiteStore) IsAdmin(ctx context.Context, ch Channel, username string) (bool, error) {
	query := `SELECT role FROM members
		WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id AND username = @username`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("username", username))
	var role string
	if err := row.Scan(&role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("Scan: %w", err)
	}
	return MemberRole(role) == RoleAdmin, nil
}

func (s *SQLiteStore) isMember(ctx context.Context, ch Channel, username string) (bool, error) {
	query := `SELECT COUNT(*) FROM members
		WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id AND username = @username`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("username", username))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("Scan: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) CanAccess(ctx context.Context, ch Channel, username string) error {
	room, err := s.GetRoom(ctx, ch)
	if err != nil {
		return fmt.Errorf("GetRoom: %w", err)
	}
	if room == nil {
		return ErrRoomNotFound
	}

	// Open chatrooms are readable by any authenticated user. Everything
	// else requires a membership/RSVP record.
	if room.Channel.Type == Chatroom && !room.Private {
		return nil
	}

	ok, err := s.isMember(ctx, ch, username)
	if err != nil {
		return fmt.Errorf("isMember: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	if input.Type != TextMessage && input.Type != SystemMessage {
		return nil, ErrInvalidMessageType
	}
	if strings.TrimSpace(input.Data) == "" {
		return nil, ErrEmptyMessage
	}

	room, err := s.GetRoom(ctx, input.Channel)
	if err != nil {
		return nil, fmt.Errorf("GetRoom: %w", err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if room.Expired(time.Now()) {
		return nil, ErrRoomExpired
	}

	if input.Type == TextMessage {
		if err := s.CanAccess(ctx, input.Channel, input.Sender); err != nil {
			return nil, err
		}
		muted, err := s.IsMuted(ctx, input.Channel, input.Sender)
		if err != nil {
			return nil, fmt.Errorf("IsMuted: %w", err)
		}
		if muted {
			return nil, ErrMuted
		}
	}

	if input.ReplyTo != nil {
		target, err := s.GetMessage(ctx, input.Channel, *input.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("GetMessage(replyTo): %w", err)
		}
		if target == nil {
			return nil, ErrMessageNotFound
		}
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages
		WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id`,
		sql.Named("chat_type", string(input.Channel.Type)),
		sql.Named("chatroom_id", input.Channel.ChatroomID))
	var last int
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("Scan(max seq): %w", err)
	}

	msg := Message{
		ID:      last + 1,
		Channel: input.Channel,
		Sender:  input.Sender,
		Type:    input.Type,
		Data:    input.Data,
		ReplyTo: input.ReplyTo,
		SentAt:  time.Now(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (chat_type, chatroom_id, seq, sender, type, data, reply_to, sent_at)
		VALUES (@chat_type, @chatroom_id, @seq, @sender, @type, @data, @reply_to, @sent_at)`,
		sql.Named("chat_type", string(msg.Channel.Type)),
		sql.Named("chatroom_id", msg.Channel.ChatroomID),
		sql.Named("seq", msg.ID), sql.Named("sender", msg.Sender),
		sql.Named("type", string(msg.Type)), sql.Named("data", msg.Data),
		sql.Named("reply_to", msg.ReplyTo), sql.Named("sent_at", msg.SentAt))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert message): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	return &msg, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, ch Channel, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultBackfillLimit
	}

	query := `SELECT seq, sender, type, data, reply_to, sent_at FROM messages
		WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id
		ORDER BY seq DESC LIMIT @limit`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg := Message{Channel: ch}
		var typ string
		if err := rows.Scan(&msg.ID, &msg.Sender, &typ, &msg.Data, &msg.ReplyTo, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		msg.Type = MessageType(typ)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	for i := range messages {
		reactions, err := s.reactions(ctx, ch, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].Reactions = reactions
	}

	return messages, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, ch Channel, id int) (*Message, error) {
	query := `SELECT seq, sender, type, data, reply_to, sent_at FROM messages
		WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id AND seq = @seq`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("seq", id))

	msg := Message{Channel: ch}
	var typ string
	err := row.Scan(&msg.ID, &msg.Sender, &typ, &msg.Data, &msg.ReplyTo, &msg.SentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("Scan: %w", err)
	}
	msg.Type = MessageType(typ)

	msg.Reactions, err = s.reactions(ctx, ch, msg.ID)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// reactions rebuilds the ordered reaction state for a message. Insertion
// order of the rows gives first-occurrence ordering of the emoji keys.
func (s *SQLiteStore) reactions(ctx context.Context, ch Channel, id int) (Reactions, error) {
	query := `SELECT emoji, username FROM message_reactions
		WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id AND seq = @seq
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("seq", id))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(reactions): %w", err)
	}
	defer rows.Close()

	var reactions Reactions
	for rows.Next() {
		var emoji, username string
		if err := rows.Scan(&emoji, &username); err != nil {
			return nil, fmt.Errorf("Scan(reaction): %w", err)
		}
		idx := -1
		for i := range reactions {
			if reactions[i].Emoji == emoji {
				idx = i
				break
			}
		}
		if idx == -1 {
			reactions = append(reactions, Reaction{Emoji: emoji})
			idx = len(reactions) - 1
		}
		reactions[idx].Users = append(reactions[idx].Users, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err(reactions): %w", err)
	}
	return reactions, nil
}

func (s *SQLiteStore) ToggleReaction(ctx context.Context, ch Channel, id int, emoji, username string) (Reactions, error) {
	if strings.TrimSpace(emoji) == "" {
		return nil, ErrInvalidReaction
	}

	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	msg, err := s.GetMessage(ctx, ch, id)
	if err != nil {
		return nil, fmt.Errorf("GetMessage: %w", err)
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}

	// The in-memory flip is the single definition of the toggle semantics;
	// the row delete/insert mirrors it into storage.
	query := `INSERT INTO message_reactions (chat_type, chatroom_id, seq, emoji, username)
		VALUES (@chat_type, @chatroom_id, @seq, @emoji, @username)`
	if msg.Reactions.Has(emoji, username) {
		query = `DELETE FROM message_reactions
			WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id AND seq = @seq
				AND emoji = @emoji AND username = @username`
	}
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("seq", id), sql.Named("emoji", emoji), sql.Named("username", username))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(toggle reaction): %w", err)
	}

	return msg.Reactions.Toggle(emoji, username), nil
}

func (s *SQLiteStore) Mute(ctx context.Context, ch Channel, target, mutedBy, reason string) error {
	ok, err := s.isMember(ctx, ch, target)
	if err != nil {
		return fmt.Errorf("isMember: %w", err)
	}
	if !ok {
		return ErrNotMember
	}

	query := `INSERT INTO mute_records (chat_type, chatroom_id, target, muted_by, reason, muted_at)
		VALUES (@chat_type, @chatroom_id, @target, @muted_by, @reason, @muted_at)
		ON CONFLICT (chat_type, chatroom_id, target)
		DO UPDATE SET muted_by = @muted_by, reason = @reason, muted_at = @muted_at`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("target", target), sql.Named("muted_by", mutedBy),
		sql.Named("reason", reason), sql.Named("muted_at", time.Now()))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Unmute(ctx context.Context, ch Channel, target string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mute_records
		WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id AND target = @target`,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("target", target))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsMuted(ctx context.Context, ch Channel, username string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mute_records
		WHERE chat_type = @chat_type AND chatroom_id = @chatroom_id AND target = @target`,
		sql.Named("chat_type", string(ch.Type)), sql.Named("chatroom_id", ch.ChatroomID),
		sql.Named("target", username))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("Scan: %w", err)
	}
	return count > 0, nil
}
