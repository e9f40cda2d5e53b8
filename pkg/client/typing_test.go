package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *emitRecorder) emit(start bool) {
	r.mu.Lock()
	r.events = append(r.events, start)
	r.mu.Unlock()
}

func (r *emitRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.events))
	copy(out, r.events)
	return out
}

func Test_TypingDebounce(t *testing.T) {
	t.Run("first_keystroke_emits_start_once", func(t *testing.T) {
		rec := &emitRecorder{}
		tr := newTypingTracker(rec.emit)
		tr.debounce = 50 * time.Millisecond

		tr.typedInput()
		tr.typedInput()
		tr.typedInput()

		assert.Equal(t, []bool{true}, rec.snapshot())
	})

	t.Run("idle_emits_exactly_one_stop", func(t *testing.T) {
		rec := &emitRecorder{}
		tr := newTypingTracker(rec.emit)
		tr.debounce = 30 * time.Millisecond

		tr.typedInput()
		require.Eventually(t, func() bool {
			return len(rec.snapshot()) == 2
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []bool{true, false}, rec.snapshot())

		// no further stop after the first
		time.Sleep(2 * tr.debounce)
		assert.Equal(t, []bool{true, false}, rec.snapshot())
	})

	t.Run("keystrokes_rearm_the_idle_timer", func(t *testing.T) {
		rec := &emitRecorder{}
		tr := newTypingTracker(rec.emit)
		tr.debounce = 60 * time.Millisecond

		tr.typedInput()
		for i := 0; i < 3; i++ {
			time.Sleep(30 * time.Millisecond)
			tr.typedInput()
		}
		// still typing
		assert.Equal(t, []bool{true}, rec.snapshot())

		require.Eventually(t, func() bool {
			return len(rec.snapshot()) == 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("message_sent_stops_immediately", func(t *testing.T) {
		rec := &emitRecorder{}
		tr := newTypingTracker(rec.emit)
		tr.debounce = time.Minute

		tr.typedInput()
		tr.messageSent()
		assert.Equal(t, []bool{true, false}, rec.snapshot())

		// stop without an active signal is a no-op
		tr.messageSent()
		assert.Equal(t, []bool{true, false}, rec.snapshot())
	})

	t.Run("close_cancels_pending_stop", func(t *testing.T) {
		rec := &emitRecorder{}
		tr := newTypingTracker(rec.emit)
		tr.debounce = 30 * time.Millisecond

		tr.typedInput()
		tr.close()
		time.Sleep(2 * tr.debounce)
		assert.Equal(t, []bool{true}, rec.snapshot())

		// input after close is ignored
		tr.typedInput()
		assert.Equal(t, []bool{true}, rec.snapshot())
	})
}

func Test_RemoteTypists(t *testing.T) {
	t.Run("start_and_stop", func(t *testing.T) {
		tr := newTypingTracker(func(bool) {})
		tr.remoteStart("bob")
		tr.remoteStart("alice")
		assert.Equal(t, []string{"alice", "bob"}, tr.typists())

		tr.remoteStop("bob")
		assert.Equal(t, []string{"alice"}, tr.typists())

		// stop for an unknown typist is a no-op
		tr.remoteStop("carol")
		assert.Equal(t, []string{"alice"}, tr.typists())
	})

	t.Run("entry_expires_without_explicit_stop", func(t *testing.T) {
		tr := newTypingTracker(func(bool) {})
		tr.ttl = 40 * time.Millisecond

		tr.remoteStart("bob")
		assert.Equal(t, []string{"bob"}, tr.typists())

		require.Eventually(t, func() bool {
			return len(tr.typists()) == 0
		}, time.Second, 5*time.Millisecond, "typist did not expire")
	})

	t.Run("fresh_start_resets_the_ttl", func(t *testing.T) {
		tr := newTypingTracker(func(bool) {})
		tr.ttl = 60 * time.Millisecond

		tr.remoteStart("bob")
		for i := 0; i < 3; i++ {
			time.Sleep(30 * time.Millisecond)
			tr.remoteStart("bob")
		}
		assert.Equal(t, []string{"bob"}, tr.typists())
	})

	t.Run("close_clears_the_set", func(t *testing.T) {
		tr := newTypingTracker(func(bool) {})
		tr.remoteStart("bob")
		tr.close()
		assert.Empty(t, tr.typists())
	})
}

func Test_TypingLabel(t *testing.T) {
	tr := newTypingTracker(func(bool) {})

	assert.Equal(t, "", tr.label())

	tr.remoteStart("priya")
	assert.Equal(t, "priya is typing...", tr.label())

	tr.remoteStart("marcus")
	assert.Equal(t, "marcus, priya are typing...", tr.label())
}
