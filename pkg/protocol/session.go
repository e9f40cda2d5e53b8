package protocol

import "github.com/gatherly/chat/pkg/chat"

// Session is the server-side protocol state of one connection: whether the
// handshake succeeded and which channels the connection receives events for.
// It is owned by the Gateway and only mutated from the hub goroutine.
type Session struct {
	ConnID   string
	Username string
	subs     map[chat.Channel]struct{}
}

func newSession(connID string) *Session {
	return &Session{
		ConnID: connID,
		subs:   make(map[chat.Channel]struct{}),
	}
}

// Authenticated reports whether the auth handshake has completed.
func (s *Session) Authenticated() bool {
	return s.Username != ""
}

func (s *Session) subscribe(ch chat.Channel) {
	s.subs[ch] = struct{}{}
}

func (s *Session) subscribed(ch chat.Channel) bool {
	_, ok := s.subs[ch]
	return ok
}
