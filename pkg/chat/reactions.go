package chat

import "slices"

// Reaction is one emoji key and the set of users that reacted with it.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// Reactions is the per-message reaction state. Entries are ordered by first
// occurrence so rendering is deterministic; it is serialized as an array, not
// an object, to keep that order on the wire. The server is the sole source of
// truth: clients always replace their copy wholesale with the last broadcast
// value.
type Reactions []Reaction

// Users returns the set of users that reacted with emoji, or nil.
func (r Reactions) Users(emoji string) []string {
	for _, e := range r {
		if e.Emoji == emoji {
			return e.Users
		}
	}
	return nil
}

// Has reports whether username currently reacts with emoji.
func (r Reactions) Has(emoji, username string) bool {
	return slices.Contains(r.Users(emoji), username)
}

// Toggle flips username's membership of the emoji set and returns the
// recomputed state. Emptied entries are removed.
func (r Reactions) Toggle(emoji, username string) Reactions {
	out := make(Reactions, 0, len(r))
	found := false
	for _, e := range r {
		users := slices.Clone(e.Users)
		if e.Emoji == emoji {
			found = true
			if i := slices.Index(users, username); i >= 0 {
				users = slices.Delete(users, i, i+1)
			} else {
				users = append(users, username)
			}
		}
		if len(users) > 0 {
			out = append(out, Reaction{Emoji: e.Emoji, Users: users})
		}
	}
	if !found {
		out = append(out, Reaction{Emoji: emoji, Users: []string{username}})
	}
	return out
}
