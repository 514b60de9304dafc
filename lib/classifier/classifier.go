// Package classifier provides spam verdicts for messages going through the
// delivery pipeline. The real check is expected to be an external service with
// unpredictable latency; implementations here model that. All implementations
// are safe for concurrent use.
package classifier

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Request is a message to classify.
type Request struct {
	ID      int64  // message id, for logging and journal lines
	Sender  string // sender username
	Content string // message text
}

// Classifier checks a single message for spam. Implementations may block for a
// bounded but unpredictable duration and may be non-deterministic.
type Classifier interface {
	Check(ctx context.Context, req Request) (spam bool, err error)
}

// Random is a stand-in classifier. It sleeps up to MaxLatency to model an
// external spam-check service and returns a pseudo-random verdict from a fixed
// seed, so a given seed always produces the same verdict sequence.
type Random struct {
	maxLatency time.Duration
	rnd        *rand.Rand
	mu         sync.Mutex
}

// NewRandom makes a Random classifier with the given seed and max latency.
func NewRandom(seed int64, maxLatency time.Duration) *Random {
	return &Random{maxLatency: maxLatency, rnd: rand.New(rand.NewSource(seed))} //nolint:gosec // not used for crypto
}

// Check sleeps a pseudo-random duration up to MaxLatency and returns a
// pseudo-random verdict. Respects ctx cancellation during the sleep.
func (r *Random) Check(ctx context.Context, _ Request) (spam bool, err error) {
	r.mu.Lock()
	delay := time.Duration(0)
	if r.maxLatency > 0 {
		delay = time.Duration(r.rnd.Int63n(int64(r.maxLatency)))
	}
	verdict := r.rnd.Intn(2) == 0
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return verdict, nil
}

// Static always returns the same verdict, true for spam. Handy for tests and
// for running the pipeline with classification effectively disabled.
type Static bool

// Check returns the fixed verdict.
func (s Static) Check(context.Context, Request) (bool, error) { return bool(s), nil }

// Scripted replays a fixed sequence of verdicts and then repeats the last one.
// Zero-value Scripted reports everything as ham.
type Scripted struct {
	Verdicts []bool

	mu  sync.Mutex
	pos int
}

// Check returns the next scripted verdict.
func (s *Scripted) Check(context.Context, Request) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Verdicts) == 0 {
		return false, nil
	}
	v := s.Verdicts[s.pos]
	if s.pos < len(s.Verdicts)-1 {
		s.pos++
	}
	return v, nil
}
