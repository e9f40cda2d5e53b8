package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ReactionsToggle(t *testing.T) {
	t.Run("toggle_on_empty_state", func(t *testing.T) {
		var r Reactions
		r = r.Toggle("👍", "alice")
		require.Len(t, r, 1)
		require.True(t, r.Has("👍", "alice"))
	})

	t.Run("toggle_twice_is_identity", func(t *testing.T) {
		r := Reactions{{Emoji: "👍", Users: []string{"alice"}}}
		got := r.Toggle("🎉", "bob").Toggle("🎉", "bob")
		assert.Equal(t, r, got)
	})

	t.Run("emptied_entry_is_removed", func(t *testing.T) {
		r := Reactions{
			{Emoji: "👍", Users: []string{"alice"}},
			{Emoji: "🎉", Users: []string{"bob"}},
		}
		got := r.Toggle("👍", "alice")
		require.Len(t, got, 1)
		assert.Equal(t, "🎉", got[0].Emoji)
	})

	t.Run("order_is_first_occurrence", func(t *testing.T) {
		var r Reactions
		r = r.Toggle("🎉", "alice")
		r = r.Toggle("👍", "bob")
		r = r.Toggle("🎉", "carol")
		require.Len(t, r, 2)
		assert.Equal(t, "🎉", r[0].Emoji)
		assert.Equal(t, []string{"alice", "carol"}, r[0].Users)
		assert.Equal(t, "👍", r[1].Emoji)
	})

	t.Run("toggle_does_not_mutate_receiver", func(t *testing.T) {
		r := Reactions{{Emoji: "👍", Users: []string{"alice"}}}
		_ = r.Toggle("👍", "bob")
		assert.Equal(t, []string{"alice"}, r.Users("👍"))
	})
}
