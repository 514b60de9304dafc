package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/app/store"
)

func TestJournalListener_PersistsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestClient(t)

	users := store.NewUsers(client)
	journal := store.NewJournal(client)
	require.NoError(t, users.Seed(ctx, []string{"Alice"}, []string{"Ilya"}))

	listener := &JournalListener{Client: client, Journal: journal}
	done := make(chan error, 1)
	go func() { done <- listener.Do(ctx) }()
	waitSubscribed(t, client, store.EventJournalChannel)

	require.NoError(t, users.Login(ctx, "Alice"))
	require.NoError(t, users.Login(ctx, "Ilya"))
	require.NoError(t, users.Logout(ctx, "Alice"))

	require.Eventually(t, func() bool {
		events, err := journal.Recent(ctx)
		return err == nil && len(events) == 3
	}, 2*time.Second, 10*time.Millisecond)

	events, err := journal.Recent(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"LOGOUT: Alice", "LOGIN: Ilya", "LOGIN: Alice"}, events,
		"journal order follows publish order, most recent first")

	t.Run("rejected operations leave no events", func(t *testing.T) {
		assert.ErrorIs(t, users.Login(ctx, "Ilya"), store.ErrAlreadyOnline)
		assert.ErrorIs(t, users.Logout(ctx, "nobody"), store.ErrUserNotFound)
		time.Sleep(50 * time.Millisecond) // give the listener a chance to misbehave
		events, err := journal.Recent(ctx)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	require.NoError(t, client.Publish(ctx, store.EventJournalChannel, StopSignal).Err())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("journal listener did not stop on sentinel")
	}
}

func TestJournalListener_StopsOnCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t)

	listener := &JournalListener{Client: client, Journal: store.NewJournal(client)}
	done := make(chan error, 1)
	go func() { done <- listener.Do(ctx) }()
	waitSubscribed(t, client, store.EventJournalChannel)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("journal listener did not stop on ctx cancellation")
	}
}
