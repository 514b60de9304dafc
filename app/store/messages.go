package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
)

// Messages gives access to message records, their status sets and the work
// queue. Safe for concurrent use, all coordination is done by the substrate.
type Messages struct {
	client   redis.UniversalClient
	attempts int
}

// rawMessage is the hash payload, the id lives in the hash field name.
type rawMessage struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// defaultTxAttempts limits optimistic retries of the creation transaction
// before the failure surfaces as ErrStoreUnavailable.
const defaultTxAttempts = 10

// NewMessages makes a Messages accessor on top of the given client.
func NewMessages(client redis.UniversalClient) *Messages {
	return &Messages{client: client, attempts: defaultTxAttempts}
}

// Create assigns the next id and persists the message as one transaction:
// increment the id counter, write the record, mark it queued, push it onto the
// work queue, index it for the sender and notify the queue channel. Concurrent
// creators conflicting on the id counter are retried with a bounded optimistic
// loop; either all effects land or none do.
func (m *Messages) Create(ctx context.Context, msg Message) (int64, error) {
	data, err := json.Marshal(rawMessage{Sender: msg.Sender, Recipient: msg.Recipient, Content: msg.Content})
	if err != nil {
		return 0, fmt.Errorf("can't marshal message: %w", err)
	}

	var id int64
	txFn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, keyMessageIndex).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("can't read message index: %w", err)
		}
		id = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, keyMessageIndex)
			pipe.HSet(ctx, keyMessageHash, strconv.FormatInt(id, 10), data)
			pipe.SAdd(ctx, statusKey(StatusQueued), id)
			pipe.RPush(ctx, keyMessageQueue, id)
			pipe.SAdd(ctx, outboundKey(msg.Sender), id)
			pipe.Publish(ctx, MessageQueueChannel, id)
			return nil
		})
		return err
	}

	err = repeater.NewDefault(m.attempts, 10*time.Millisecond).Do(ctx, func() error {
		return m.client.Watch(ctx, txFn, keyMessageIndex)
	})
	if err != nil {
		return 0, fmt.Errorf("can't create message after %d attempts: %w", m.attempts, errors.Join(ErrStoreUnavailable, err))
	}
	return id, nil
}

// Get returns the message with the given id, ErrMessageNotFound if unknown.
func (m *Messages) Get(ctx context.Context, id int64) (Message, error) {
	data, err := m.client.HGet(ctx, keyMessageHash, strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, fmt.Errorf("message %d: %w", id, ErrMessageNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("can't get message %d: %w", id, err)
	}
	var raw rawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return Message{}, fmt.Errorf("can't unmarshal message %d: %w", id, err)
	}
	return Message{ID: id, Sender: raw.Sender, Recipient: raw.Recipient, Content: raw.Content}, nil
}

// Transition atomically moves the id between status sets. Returns
// ErrInvalidTransition if the edge is illegal or the id is not currently a
// member of the from set, which guards against double-processing.
func (m *Messages) Transition(ctx context.Context, id int64, from, to Status) error {
	if !canTransition(from, to) {
		return fmt.Errorf("message %d, %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	moved, err := m.client.SMove(ctx, statusKey(from), statusKey(to), id).Result()
	if err != nil {
		return fmt.Errorf("can't move message %d from %s to %s: %w", id, from, to, err)
	}
	if !moved {
		return fmt.Errorf("message %d is not %s: %w", id, from, ErrInvalidTransition)
	}
	return nil
}

// Dequeue pops the oldest id from the work queue, non-blocking. The pop is
// atomic, no id can be dequeued twice even with concurrent consumers.
func (m *Messages) Dequeue(ctx context.Context) (id int64, ok bool, err error) {
	val, err := m.client.LPop(ctx, keyMessageQueue).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("can't pop from the queue: %w", err)
	}
	id, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("can't parse queued id %q: %w", val, err)
	}
	return id, true, nil
}

// AddInbound indexes a delivered message id for the recipient.
func (m *Messages) AddInbound(ctx context.Context, username string, id int64) error {
	if err := m.client.SAdd(ctx, inboundKey(username), id).Err(); err != nil {
		return fmt.Errorf("can't add message %d to inbound of %s: %w", id, username, err)
	}
	return nil
}

// Inbound returns delivered messages addressed to the user.
func (m *Messages) Inbound(ctx context.Context, username string) ([]Message, error) {
	ids, err := m.client.SInter(ctx, inboundKey(username), statusKey(StatusDelivered)).Result()
	if err != nil {
		return nil, fmt.Errorf("can't get inbound ids for %s: %w", username, err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}
	vals, err := m.client.HMGet(ctx, keyMessageHash, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("can't get inbound messages for %s: %w", username, err)
	}
	res := make([]Message, 0, len(ids))
	for i, v := range vals {
		data, isStr := v.(string)
		if !isStr {
			continue // id in the set but record gone, skip
		}
		id, err := strconv.ParseInt(ids[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("can't parse inbound id %q: %w", ids[i], err)
		}
		var raw rawMessage
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			return nil, fmt.Errorf("can't unmarshal message %d: %w", id, err)
		}
		res = append(res, Message{ID: id, Sender: raw.Sender, Recipient: raw.Recipient, Content: raw.Content})
	}
	return res, nil
}

// Recover returns orphaned checking_for_spam ids back to the queue. A crash
// between dequeue and verdict leaves the message stuck in the checking set
// with its queue entry gone; calling this on startup re-enqueues them.
func (m *Messages) Recover(ctx context.Context) (int, error) {
	ids, err := m.client.SMembers(ctx, statusKey(StatusChecking)).Result()
	if err != nil {
		return 0, fmt.Errorf("can't list checking messages: %w", err)
	}

	recovered := 0
	var merr *multierror.Error
	for _, sid := range ids {
		id, err := strconv.ParseInt(sid, 10, 64)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("can't parse checking id %q: %w", sid, err))
			continue
		}
		moved, err := m.client.SMove(ctx, statusKey(StatusChecking), statusKey(StatusQueued), id).Result()
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("can't requeue message %d: %w", id, err))
			continue
		}
		if !moved { // someone else picked it up, fine
			continue
		}
		if err := m.client.RPush(ctx, keyMessageQueue, id).Err(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("can't push recovered message %d: %w", id, err))
			continue
		}
		log.Printf("[WARN] recovered message %d stuck in %s", id, StatusChecking)
		recovered++
	}
	return recovered, merr.ErrorOrNil()
}
