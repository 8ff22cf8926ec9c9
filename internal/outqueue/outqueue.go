// Package outqueue implements the bounded FIFO of outbound framed messages
// the Uplink Connector drains, backed by the same overwrite-oldest ring
// buffer the reference driver's output collector uses for its own bounded
// queueing.
package outqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/iotgw/internal/gwmsg"
)

// IsCritical reports whether kind must never be dropped on overflow.
func IsCritical(kind gwmsg.Kind) bool {
	switch kind {
	case gwmsg.KindDeviceAcceptCommand, gwmsg.KindDeviceUnpairCommand:
		return true
	default:
		return false
	}
}

// entry pairs a queued message with a token unique to this specific
// enqueue call. CorrelationID cannot serve as that key: a reply reuses its
// originating command's correlation id (devicemgr.Manager.handleAccept and
// friends), so a command and its in-flight reply would otherwise collide on
// the same enqueuedAt slot.
type entry struct {
	msg   gwmsg.GWMessage
	token uint64
}

// Queue is a FIFO of messages awaiting send, each with an enqueue timestamp.
type Queue struct {
	buffer    mpmc.RichOverlappedRingBuffer[entry]
	logger    *logrus.Logger
	nextToken atomic.Uint64

	mu         sync.Mutex
	enqueuedAt map[uint64]time.Time

	notify chan struct{}
}

// New creates a Queue with room for capacity messages.
func New(capacity int, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		buffer:     mpmc.NewOverlappedRingBuffer[entry](uint32(capacity)),
		logger:     logger,
		enqueuedAt: make(map[uint64]time.Time),
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue adds msg to the queue. If capacity is exceeded, the ring buffer
// drops the oldest entry; a critical message that gets dropped this way is
// logged and re-enqueued once so accept/unpair acknowledgements survive
// transient bursts.
func (q *Queue) Enqueue(msg gwmsg.GWMessage) {
	q.enqueueOnce(msg, IsCritical(msg.Kind))
}

func (q *Queue) enqueueOnce(msg gwmsg.GWMessage, retryIfDropped bool) {
	now := time.Now()
	token := q.nextToken.Add(1)
	q.mu.Lock()
	q.enqueuedAt[token] = now
	q.mu.Unlock()

	overwrites, err := q.buffer.EnqueueM(entry{msg: msg, token: token})
	if err != nil {
		q.logger.WithError(err).Error("outqueue: unexpected enqueue error")
		return
	}
	if overwrites > 0 {
		q.logger.WithFields(logrus.Fields{
			"kind":       msg.Kind,
			"overwrites": overwrites,
		}).Warn("outqueue: dropped oldest message on overflow")
		if retryIfDropped {
			q.enqueueOnce(msg, false)
			return
		}
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// DequeueReady blocks up to maxWait for a message, returning ok=false on
// timeout.
func (q *Queue) DequeueReady(maxWait time.Duration) (gwmsg.GWMessage, bool) {
	if msg, ok := q.tryDequeue(); ok {
		return msg, true
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if msg, ok := q.tryDequeue(); ok {
				return msg, true
			}
		case <-timer.C:
			return gwmsg.GWMessage{}, false
		}
	}
}

func (q *Queue) tryDequeue() (gwmsg.GWMessage, bool) {
	msg, _, ok := q.tryDequeueWithAge()
	return msg, ok
}

func (q *Queue) tryDequeueWithAge() (gwmsg.GWMessage, time.Time, bool) {
	if q.buffer.IsEmpty() {
		return gwmsg.GWMessage{}, time.Time{}, false
	}
	e, err := q.buffer.Dequeue()
	if err != nil {
		return gwmsg.GWMessage{}, time.Time{}, false
	}
	q.mu.Lock()
	at := q.enqueuedAt[e.token]
	delete(q.enqueuedAt, e.token)
	q.mu.Unlock()
	return e.msg, at, true
}

// PeekAgeOldest returns the age of the oldest still-enqueued message, for
// backpressure decisions. Returns 0, false if the queue is empty.
func (q *Queue) PeekAgeOldest(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	found := false
	for _, t := range q.enqueuedAt {
		if !found || t.Before(oldest) {
			oldest = t
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return now.Sub(oldest), true
}

// FlushOnDisconnect drops items whose age exceeds resendTimeout; the
// remainder are preserved for the next session. Returns the number dropped.
func (q *Queue) FlushOnDisconnect(now time.Time, resendTimeout time.Duration) int {
	type aged struct {
		msg gwmsg.GWMessage
		at  time.Time
	}
	var kept []aged
	dropped := 0
	for {
		msg, at, ok := q.tryDequeueWithAge()
		if !ok {
			break
		}
		if now.Sub(at) > resendTimeout {
			dropped++
			continue
		}
		kept = append(kept, aged{msg, at})
	}
	for _, a := range kept {
		q.enqueueOnce(a.msg, false)
	}
	return dropped
}
