package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsers_LoginLogout(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	u := NewUsers(client)
	require.NoError(t, u.Seed(ctx, []string{"Alice", "Malory"}, []string{"flain1", "Ilya"}))

	t.Run("unknown user", func(t *testing.T) {
		assert.ErrorIs(t, u.Login(ctx, "nobody"), ErrUserNotFound)
		assert.ErrorIs(t, u.Logout(ctx, "nobody"), ErrUserNotFound)
	})

	t.Run("logout before login", func(t *testing.T) {
		assert.ErrorIs(t, u.Logout(ctx, "Alice"), ErrNotOnline)
	})

	t.Run("login regular", func(t *testing.T) {
		require.NoError(t, u.Login(ctx, "Alice"))
		online, err := u.Online(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice"}, online)
	})

	t.Run("second login rejected", func(t *testing.T) {
		assert.ErrorIs(t, u.Login(ctx, "Alice"), ErrAlreadyOnline)
	})

	t.Run("login admin", func(t *testing.T) {
		require.NoError(t, u.Login(ctx, "Ilya"))
		online, err := u.Online(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Alice", "Ilya"}, online)
	})

	t.Run("logout", func(t *testing.T) {
		require.NoError(t, u.Logout(ctx, "Alice"))
		online, err := u.Online(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Ilya"}, online)
		assert.ErrorIs(t, u.Logout(ctx, "Alice"), ErrNotOnline)
	})
}

func TestUsers_PublishesEvents(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	u := NewUsers(client)
	require.NoError(t, u.Seed(ctx, []string{"Alice"}, nil))

	sub := client.Subscribe(ctx, EventJournalChannel)
	defer sub.Close()

	require.NoError(t, u.Login(ctx, "Alice"))
	require.NoError(t, u.Logout(ctx, "Alice"))

	got := <-sub.Channel()
	assert.Equal(t, "LOGIN: Alice", got.Payload)
	got = <-sub.Channel()
	assert.Equal(t, "LOGOUT: Alice", got.Payload)
}

func TestUsers_SeedIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	u := NewUsers(client)

	require.NoError(t, u.Seed(ctx, []string{"Alice"}, []string{"Ilya"}))
	require.NoError(t, u.Seed(ctx, []string{"Alice"}, []string{"Ilya"}))
	require.NoError(t, u.Seed(ctx, nil, nil))

	require.NoError(t, u.Login(ctx, "Alice"))
	require.NoError(t, u.Login(ctx, "Ilya"))
}
