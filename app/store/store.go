// Package store implements the persistent state of the message pipeline on
// top of a redis-like substrate: message records and their lifecycle sets, the
// work queue, user presence, activity rankings and the event journal. The
// substrate client is injected into every accessor, there is no process-wide
// handle.
package store

import (
	"errors"
	"fmt"
)

// Status is a message delivery status. Transitions are strictly
// queued -> checking_for_spam -> {blocked_for_spam | delivered},
// terminal statuses never change.
type Status string

// all known message statuses
const (
	StatusQueued    Status = "queued"
	StatusChecking  Status = "checking_for_spam"
	StatusBlocked   Status = "blocked_for_spam"
	StatusDelivered Status = "delivered"
)

// domain errors, translated to client-visible failures at the API boundary
var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrAlreadyOnline     = errors.New("user already online")
	ErrNotOnline         = errors.New("user not online")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// Message is a single message going through the pipeline. Status is not kept
// in the record itself but derived from membership in the status sets.
type Message struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

func (m Message) String() string {
	return fmt.Sprintf("message %d: %s -> %s, %d bytes", m.ID, m.Sender, m.Recipient, len(m.Content))
}

// canTransition reports if from -> to is a legal lifecycle edge.
func canTransition(from, to Status) bool {
	switch {
	case from == StatusQueued && to == StatusChecking:
		return true
	case from == StatusChecking && (to == StatusBlocked || to == StatusDelivered):
		return true
	}
	return false
}
