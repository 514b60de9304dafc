package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Journal is the ordered log of login/logout/spam-verdict events. Appends go
// to the head, so Recent reads most-recent-first without extra sorting.
type Journal struct {
	client redis.UniversalClient
}

// NewJournal makes a Journal accessor on top of the given client.
func NewJournal(client redis.UniversalClient) *Journal {
	return &Journal{client: client}
}

// Append adds one event line to the journal.
func (j *Journal) Append(ctx context.Context, line string) error {
	if err := j.client.LPush(ctx, keyEventJournal, line).Err(); err != nil {
		return fmt.Errorf("can't append journal event: %w", err)
	}
	return nil
}

// Recent returns all journal lines, most recent first.
func (j *Journal) Recent(ctx context.Context) ([]string, error) {
	res, err := j.client.LRange(ctx, keyEventJournal, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("can't read journal: %w", err)
	}
	return res, nil
}
