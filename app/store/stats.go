package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Stats keeps the per-sender activity rankings and answers status breakdowns
// for a user's outbound messages. Counts only ever grow, one increment per
// terminal transition.
type Stats struct {
	client redis.UniversalClient
}

// NewStats makes a Stats accessor on top of the given client.
func NewStats(client redis.UniversalClient) *Stats {
	return &Stats{client: client}
}

// RankEntry is one row of a ranking, username with its count.
type RankEntry struct {
	Username string `json:"username"`
	Count    int64  `json:"count"`
}

// UserStats is the status breakdown of all messages a user ever sent.
// The four counts always sum to the total number of the user's messages.
type UserStats struct {
	Delivered        int64 `json:"delivered"`
	Enqueued         int64 `json:"enqueued"`
	MarkedAsSpam     int64 `json:"marked_as_spam"`
	BeingSpamChecked int64 `json:"being_spam_checked"`
}

// IncSpam bumps the sender's spam ranking.
func (s *Stats) IncSpam(ctx context.Context, username string) error {
	if err := s.client.ZIncrBy(ctx, keySpammersRank, 1, username).Err(); err != nil {
		return fmt.Errorf("can't increment spam rank of %s: %w", username, err)
	}
	return nil
}

// IncDelivered bumps the sender's delivered ranking.
func (s *Stats) IncDelivered(ctx context.Context, username string) error {
	if err := s.client.ZIncrBy(ctx, keyChattersRank, 1, username).Err(); err != nil {
		return fmt.Errorf("can't increment delivered rank of %s: %w", username, err)
	}
	return nil
}

// TopSpammers returns users ordered by spam count, descending.
func (s *Stats) TopSpammers(ctx context.Context) ([]RankEntry, error) {
	return s.topRank(ctx, keySpammersRank)
}

// TopChatters returns users ordered by delivered count, descending.
func (s *Stats) TopChatters(ctx context.Context) ([]RankEntry, error) {
	return s.topRank(ctx, keyChattersRank)
}

func (s *Stats) topRank(ctx context.Context, key string) ([]RankEntry, error) {
	zz, err := s.client.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("can't get ranking %s: %w", key, err)
	}
	res := make([]RankEntry, 0, len(zz))
	for _, z := range zz {
		name, isStr := z.Member.(string)
		if !isStr {
			return nil, fmt.Errorf("unexpected member %v in ranking %s", z.Member, key)
		}
		res = append(res, RankEntry{Username: name, Count: int64(z.Score)})
	}
	return res, nil
}

// ForUser returns how many of the user's outbound messages currently hold
// each status.
func (s *Stats) ForUser(ctx context.Context, username string) (UserStats, error) {
	count := func(st Status) (int64, error) {
		ids, err := s.client.SInter(ctx, outboundKey(username), statusKey(st)).Result()
		if err != nil {
			return 0, fmt.Errorf("can't count %s messages of %s: %w", st, username, err)
		}
		return int64(len(ids)), nil
	}

	var res UserStats
	var err error
	if res.Delivered, err = count(StatusDelivered); err != nil {
		return UserStats{}, err
	}
	if res.Enqueued, err = count(StatusQueued); err != nil {
		return UserStats{}, err
	}
	if res.MarkedAsSpam, err = count(StatusBlocked); err != nil {
		return UserStats{}, err
	}
	if res.BeingSpamChecked, err = count(StatusChecking); err != nil {
		return UserStats{}, err
	}
	return res, nil
}
