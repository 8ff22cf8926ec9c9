// Package contextpool implements the in-flight request registry that
// correlates upstream requests with the downstream responses (or timeouts,
// or cancellations) that eventually resolve them.
package contextpool

import (
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"

	"github.com/srg/iotgw/internal/gwmsg"
)

// slot wraps a context with a latch so Fulfill and Reap can race for the
// same entry without double-delivering: whichever goroutine wins the
// CompareAndSwap on resolved owns delivery.
type slot struct {
	ctx      *gwmsg.GWMessageContext
	resolved atomic.Bool
}

// Pool is a bounded concurrent map of correlation id to GWMessageContext.
type Pool struct {
	contexts *hashmap.Map[uuid.UUID, *slot]
	capacity int
}

// New creates a Pool that rejects Register once it holds capacity entries.
// capacity <= 0 means unbounded.
func New(capacity int) *Pool {
	return &Pool{
		contexts: hashmap.New[uuid.UUID, *slot](),
		capacity: capacity,
	}
}

// Register inserts ctx keyed by its message's correlation id. It fails with
// gwmsg.ErrCapacity if the pool is full.
func (p *Pool) Register(ctx *gwmsg.GWMessageContext) error {
	if p.capacity > 0 && p.contexts.Len() >= p.capacity {
		return gwmsg.ErrCapacity
	}
	p.contexts.Set(ctx.Message.CorrelationID, &slot{ctx: ctx})
	return nil
}

func (p *Pool) resolve(id uuid.UUID, outcome gwmsg.GWMessageOutcome) bool {
	s, ok := p.contexts.Get(id)
	if !ok {
		return false
	}
	if !s.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.contexts.Del(id)
	s.ctx.Response <- outcome
	return true
}

// Fulfill delivers response to the context registered under id, if any, and
// removes it from the pool. It races Reap: whichever wins the entry's latch
// first delivers; the loser is a no-op.
func (p *Pool) Fulfill(id uuid.UUID, response gwmsg.GWMessage) bool {
	return p.resolve(id, gwmsg.GWMessageOutcome{Outcome: gwmsg.OutcomeFulfilled, Response: response})
}

// Reap removes every context whose deadline has passed as of now, delivering
// TimedOut to each waiter that Fulfill hasn't already claimed.
func (p *Pool) Reap(now time.Time) int {
	var expired []uuid.UUID
	p.contexts.Range(func(id uuid.UUID, s *slot) bool {
		if now.After(s.ctx.Deadline) {
			expired = append(expired, id)
		}
		return true
	})

	n := 0
	for _, id := range expired {
		if p.resolve(id, gwmsg.GWMessageOutcome{Outcome: gwmsg.OutcomeTimedOut}) {
			n++
		}
	}
	return n
}

// CancelAll delivers Cancelled(reason) to every outstanding waiter and empties
// the pool. Used on shutdown or disconnect.
func (p *Pool) CancelAll(reason string) int {
	var ids []uuid.UUID
	p.contexts.Range(func(id uuid.UUID, _ *slot) bool {
		ids = append(ids, id)
		return true
	})

	n := 0
	for _, id := range ids {
		if p.resolve(id, gwmsg.GWMessageOutcome{Outcome: gwmsg.OutcomeCancelled, Reason: reason}) {
			n++
		}
	}
	return n
}

// Len returns the number of outstanding contexts.
func (p *Pool) Len() int {
	return p.contexts.Len()
}
