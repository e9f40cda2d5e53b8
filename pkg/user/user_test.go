package user

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setUp(t *testing.T) (UserStore, func()) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}

	goose.SetBaseFS(os.DirFS("../../migrations"))
	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}
	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	return NewSQLiteUserStore(db), func() {
		db.Close()
	}
}

func Test_CreateUser(t *testing.T) {
	store, tearDown := setUp(t)
	defer tearDown()
	ctx := context.Background()

	t.Run("create_user_successfully", func(t *testing.T) {
		err := store.CreateUser(ctx, User{Username: "alice", Name: "Alice", Password: "password"})
		require.Nil(t, err)

		u, err := store.GetUserByUsername(ctx, "alice")
		require.Nil(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "alice", u.Username)
		assert.Equal(t, "Alice", u.Name)
	})

	t.Run("create_user_with_conflicting_username", func(t *testing.T) {
		err := store.CreateUser(ctx, User{Username: "alice", Name: "Other Alice", Password: "password"})
		require.Equal(t, ErrConflictedUser, err)
	})
}

func Test_GetUserByUsername(t *testing.T) {
	store, tearDown := setUp(t)
	defer tearDown()
	ctx := context.Background()

	u, err := store.GetUserByUsername(ctx, "nobody")
	require.Nil(t, err)
	require.Nil(t, u)
}

func Test_GetUsersByUsernames(t *testing.T) {
	store, tearDown := setUp(t)
	defer tearDown()
	ctx := context.Background()

	for _, username := range []string{"alice", "bob"} {
		require.Nil(t, store.CreateUser(ctx, User{Username: username, Name: username, Password: "password"}))
	}

	users, err := store.GetUsersByUsernames(ctx, "alice", "bob", "nobody")
	require.Nil(t, err)
	require.Len(t, users, 2)

	users, err = store.GetUsersByUsernames(ctx)
	require.Nil(t, err)
	require.Nil(t, users)
}

func Test_ComparePassword(t *testing.T) {
	store, tearDown := setUp(t)
	defer tearDown()
	ctx := context.Background()

	require.Nil(t, store.CreateUser(ctx, User{Username: "alice", Name: "Alice", Password: "password"}))

	ok, err := store.ComparePassword(ctx, "alice", "password")
	require.Nil(t, err)
	assert.True(t, ok)

	ok, err = store.ComparePassword(ctx, "alice", "wrong")
	require.Nil(t, err)
	assert.False(t, ok)

	ok, err = store.ComparePassword(ctx, "nobody", "password")
	require.Nil(t, err)
	assert.False(t, ok)
}
