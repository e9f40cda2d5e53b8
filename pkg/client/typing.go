package client

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTypingDebounce is the idle window after which the outgoing
	// typing signal stops.
	DefaultTypingDebounce = 3 * time.Second
	// DefaultTypingTTL is how long a peer's typing indicator survives
	// without a fresh typing:start. The server relays typing signals without
	// a timeout of its own, so a peer that disconnects uncleanly would
	// otherwise show as typing forever.
	DefaultTypingTTL = 8 * time.Second
)

// typingTracker holds both halves of typing presence. Outgoing: a debounced
// start/stop signal driven by keystrokes. Incoming: the set of peers
// currently flagged typing, each entry expiring on an explicit stop or on
// its TTL. All state is ephemeral; nothing survives the session.
type typingTracker struct {
	emit func(start bool)

	debounce time.Duration
	ttl      time.Duration

	mu        sync.Mutex
	active    bool
	idleTimer *time.Timer
	remote    map[string]*time.Timer
	closed    bool
}

func newTypingTracker(emit func(start bool)) *typingTracker {
	return &typingTracker{
		emit:     emit,
		debounce: DefaultTypingDebounce,
		ttl:      DefaultTypingTTL,
		remote:   make(map[string]*time.Timer),
	}
}

// typedInput emits typing:start on the first keystroke and re-arms the idle
// timer on every one. The timer firing emits exactly one typing:stop.
func (t *typingTracker) typedInput() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	emitStart := !t.active
	t.active = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.debounce, t.idle)
	t.mu.Unlock()

	if emitStart {
		t.emit(true)
	}
}

func (t *typingTracker) idle() {
	t.mu.Lock()
	if t.closed || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()
	t.emit(false)
}

// messageSent stops the typing signal immediately: sending a message ends
// composition.
func (t *typingTracker) messageSent() {
	t.mu.Lock()
	if t.closed || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.mu.Unlock()
	t.emit(false)
}

func (t *typingTracker) remoteStart(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if timer, ok := t.remote[username]; ok {
		timer.Stop()
	}
	t.remote[username] = time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		delete(t.remote, username)
		t.mu.Unlock()
	})
}

func (t *typingTracker) remoteStop(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.remote[username]; ok {
		timer.Stop()
		delete(t.remote, username)
	}
}

func (t *typingTracker) typists() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.remote))
	for name := range t.remote {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// label renders the indicator. The verb follows the set's cardinality:
// singular for exactly one typist, plural otherwise.
func (t *typingTracker) label() string {
	names := t.typists()
	if len(names) == 0 {
		return ""
	}
	verb := "are"
	if len(names) == 1 {
		verb = "is"
	}
	return fmt.Sprintf("%s %s typing...", strings.Join(names, ", "), verb)
}

// close cancels every armed timer. Called from ChatSession.Close and on
// transport failure so no timer outlives the session.
func (t *typingTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.active = false
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	for name, timer := range t.remote {
		timer.Stop()
		delete(t.remote, name)
	}
}
