package events

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/courier-im/courier/app/store"
	"github.com/courier-im/courier/lib/classifier"
)

// QueueProcessor drains the work queue and drives each message through
// classification to its terminal status. Single instance keeps the processing
// order equal to the creation order. Not thread safe, run one Do per instance.
type QueueProcessor struct {
	Client     redis.UniversalClient
	Messages   *store.Messages
	Stats      *store.Stats
	Classifier classifier.Classifier
	SpamLogger SpamLogger // optional, receives every blocked message
}

// Do processes queue notifications until ctx is canceled or StopSignal
// arrives. Blocked call. On start it re-enqueues messages stranded in
// checking_for_spam by a previous crash and drains any backlog accumulated
// while no processor was subscribed.
func (p *QueueProcessor) Do(ctx context.Context) error {
	log.Printf("[INFO] start queue processor")

	if n, err := p.Messages.Recover(ctx); err != nil {
		log.Printf("[WARN] failed to recover stuck messages: %v", err)
	} else if n > 0 {
		log.Printf("[INFO] re-enqueued %d stuck messages", n)
	}

	sub := p.Client.Subscribe(ctx, store.MessageQueueChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Printf("[WARN] failed to close queue subscription: %v", err)
		}
	}()
	ch := sub.Channel()

	p.drain(ctx) // publishes with no subscriber are lost, catch up from the list

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("queue notification channel closed")
			}
			if msg.Payload == StopSignal {
				log.Printf("[INFO] queue processor stopped on %s", StopSignal)
				if err := sub.Unsubscribe(context.WithoutCancel(ctx), store.MessageQueueChannel); err != nil {
					log.Printf("[WARN] failed to unsubscribe queue processor: %v", err)
				}
				return nil
			}
			if err := p.processOne(ctx); err != nil {
				log.Printf("[WARN] failed to process message: %v", err)
			}
		}
	}
}

// drain processes everything already sitting in the queue.
func (p *QueueProcessor) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.tryProcessOne(ctx)
		if err != nil {
			log.Printf("[WARN] failed to process backlog message: %v", err)
		}
		if !processed {
			return
		}
	}
}

// processOne handles a single queue notification. An empty queue is not an
// error, the notification may refer to an id already drained.
func (p *QueueProcessor) processOne(ctx context.Context) error {
	_, err := p.tryProcessOne(ctx)
	return err
}

func (p *QueueProcessor) tryProcessOne(ctx context.Context) (bool, error) {
	id, ok, err := p.Messages.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("can't dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}

	msg, err := p.Messages.Get(ctx, id)
	if err != nil {
		return true, fmt.Errorf("can't load message %d: %w", id, err)
	}
	if err := p.Messages.Transition(ctx, id, store.StatusQueued, store.StatusChecking); err != nil {
		return true, fmt.Errorf("can't start checking message %d: %w", id, err)
	}

	// may block for a while, models an external spam-check service.
	// an error here leaves the message in checking_for_spam, picked up by
	// Recover on the next start.
	spam, err := p.Classifier.Check(ctx, classifier.Request{ID: id, Sender: msg.Sender, Content: msg.Content})
	if err != nil {
		return true, fmt.Errorf("can't classify message %d: %w", id, err)
	}

	if spam {
		return true, p.block(ctx, msg)
	}
	return true, p.deliver(ctx, msg)
}

// block moves the message to blocked_for_spam, publishes the verdict for the
// journal and bumps the sender's spam ranking. The transition must succeed,
// the remaining effects are independent and their failures are collected.
func (p *QueueProcessor) block(ctx context.Context, msg store.Message) error {
	if err := p.Messages.Transition(ctx, msg.ID, store.StatusChecking, store.StatusBlocked); err != nil {
		return fmt.Errorf("can't block message %d: %w", msg.ID, err)
	}

	var merr *multierror.Error
	event := fmt.Sprintf("SPAM: message with id %d by %s", msg.ID, msg.Sender)
	if err := p.Client.Publish(ctx, store.EventJournalChannel, event).Err(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("can't publish spam event for %d: %w", msg.ID, err))
	}
	if err := p.Stats.IncSpam(ctx, msg.Sender); err != nil {
		merr = multierror.Append(merr, err)
	}
	if p.SpamLogger != nil {
		p.SpamLogger.Log(msg)
	}
	blockedTotal.Inc()
	log.Printf("[INFO] blocked %s", msg)
	return merr.ErrorOrNil()
}

// deliver indexes the message for the recipient, moves it to delivered and
// bumps the sender's delivered ranking.
func (p *QueueProcessor) deliver(ctx context.Context, msg store.Message) error {
	if err := p.Messages.AddInbound(ctx, msg.Recipient, msg.ID); err != nil {
		return err
	}
	if err := p.Messages.Transition(ctx, msg.ID, store.StatusChecking, store.StatusDelivered); err != nil {
		return fmt.Errorf("can't deliver message %d: %w", msg.ID, err)
	}
	if err := p.Stats.IncDelivered(ctx, msg.Sender); err != nil {
		return err
	}
	deliveredTotal.Inc()
	log.Printf("[INFO] delivered %s", msg)
	return nil
}
