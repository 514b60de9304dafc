// Package events provides the long-lived background listeners of the
// pipeline: the queue processor which drains the work queue and drives
// classification and delivery, and the journal listener which persists
// published events into the ordered journal. Both are blocking Do(ctx) loops
// started as goroutines and stopped either by ctx cancellation or by the
// reserved StopSignal payload published on their channel.
package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/courier-im/courier/app/store"
)

// StopSignal is the reserved payload stopping a listener. A listener seeing
// it unsubscribes and returns, this is the only clean shutdown besides ctx.
const StopSignal = "KILL"

// SpamLogger keeps records about messages blocked for spam
type SpamLogger interface {
	Log(msg store.Message)
}

// SpamLoggerFunc functional interface for SpamLogger
type SpamLoggerFunc func(msg store.Message)

// Log calls f(msg)
func (f SpamLoggerFunc) Log(msg store.Message) {
	f(msg)
}

// pipeline counters, exposed on /metrics
var (
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_delivered_total",
		Help: "Total messages classified as ham and delivered to recipients",
	})
	blockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_blocked_total",
		Help: "Total messages classified as spam and blocked",
	})
	journalEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_journal_events_total",
		Help: "Total events appended to the journal",
	})
)
