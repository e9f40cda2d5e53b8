package api

import (
	"sync"
	"time"

	"github.com/gatherly/chat/pkg/chat"
)

// DefaultRosterTTL bounds staleness for readers that never hit an
// invalidation, e.g. a member muted through a different process.
const DefaultRosterTTL = 30 * time.Second

type rosterEntry struct {
	members   []chat.Member
	expiresAt time.Time
}

// RosterCache memoizes member rosters per channel. Mutating endpoints
// (join, mute, unmute) invalidate their channel's entry so role and mute
// badges refresh promptly.
type RosterCache struct {
	ttl time.Duration
	mu  sync.RWMutex
	m   map[chat.Channel]rosterEntry
}

func NewRosterCache(ttl time.Duration) *RosterCache {
	if ttl <= 0 {
		ttl = DefaultRosterTTL
	}
	return &RosterCache{
		ttl: ttl,
		m:   make(map[chat.Channel]rosterEntry),
	}
}

func (c *RosterCache) Get(ch chat.Channel) ([]chat.Member, bool) {
	c.mu.RLock()
	entry, ok := c.m[ch]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.members, true
}

func (c *RosterCache) Put(ch chat.Channel, members []chat.Member) {
	c.mu.Lock()
	c.m[ch] = rosterEntry{members: members, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *RosterCache) Invalidate(ch chat.Channel) {
	c.mu.Lock()
	delete(c.m, ch)
	c.mu.Unlock()
}
