package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_Rankings(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := NewStats(client)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncSpam(ctx, "Alice"))
	}
	require.NoError(t, s.IncSpam(ctx, "Malory"))
	require.NoError(t, s.IncDelivered(ctx, "Malory"))

	spammers, err := s.TopSpammers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RankEntry{{Username: "Alice", Count: 3}, {Username: "Malory", Count: 1}}, spammers,
		"descending by count")

	chatters, err := s.TopChatters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RankEntry{{Username: "Malory", Count: 1}}, chatters)
}

func TestStats_EmptyRankings(t *testing.T) {
	ctx := context.Background()
	s := NewStats(newTestClient(t))

	spammers, err := s.TopSpammers(ctx)
	require.NoError(t, err)
	assert.Empty(t, spammers)

	chatters, err := s.TopChatters(ctx)
	require.NoError(t, err)
	assert.Empty(t, chatters)
}

func TestStats_ForUser(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := NewStats(client)
	m := NewMessages(client)

	// four messages from Alice, drive each to a different status
	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := m.Create(ctx, Message{Sender: "Alice", Recipient: "Malory", Content: "msg"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, m.Transition(ctx, ids[0], StatusQueued, StatusChecking))
	require.NoError(t, m.Transition(ctx, ids[1], StatusQueued, StatusChecking))
	require.NoError(t, m.Transition(ctx, ids[1], StatusChecking, StatusBlocked))
	require.NoError(t, m.Transition(ctx, ids[2], StatusQueued, StatusChecking))
	require.NoError(t, m.Transition(ctx, ids[2], StatusChecking, StatusDelivered))

	stats, err := s.ForUser(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, UserStats{Delivered: 1, Enqueued: 1, MarkedAsSpam: 1, BeingSpamChecked: 1}, stats)

	total := stats.Delivered + stats.Enqueued + stats.MarkedAsSpam + stats.BeingSpamChecked
	assert.Equal(t, int64(len(ids)), total, "counts sum to all messages ever sent")

	t.Run("unknown user has zero counts", func(t *testing.T) {
		stats, err := s.ForUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, UserStats{}, stats)
	})
}
