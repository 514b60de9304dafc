package events

import (
	"context"
	"errors"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/courier-im/courier/app/store"
)

// JournalListener subscribes to the event channel and appends every received
// payload to the ordered journal. Events published while no listener is
// subscribed are lost, start it before accepting any traffic.
type JournalListener struct {
	Client  redis.UniversalClient
	Journal *store.Journal
}

// Do appends published events until ctx is canceled or StopSignal arrives.
// Blocked call.
func (l *JournalListener) Do(ctx context.Context) error {
	log.Printf("[INFO] start journal listener")

	sub := l.Client.Subscribe(ctx, store.EventJournalChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Printf("[WARN] failed to close journal subscription: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Channel():
			if !ok {
				return errors.New("journal channel closed")
			}
			if msg.Payload == StopSignal {
				log.Printf("[INFO] journal listener stopped on %s", StopSignal)
				if err := sub.Unsubscribe(context.WithoutCancel(ctx), store.EventJournalChannel); err != nil {
					log.Printf("[WARN] failed to unsubscribe journal listener: %v", err)
				}
				return nil
			}
			if err := l.Journal.Append(ctx, msg.Payload); err != nil {
				log.Printf("[WARN] failed to persist event %q: %v", msg.Payload, err)
				continue
			}
			journalEventsTotal.Inc()
			log.Printf("[DEBUG] journal event: %s", msg.Payload)
		}
	}
}
