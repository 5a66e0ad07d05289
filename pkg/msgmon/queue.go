package msgmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nspcc-dev/msgmon/pkg/msgmon/policy"
	"github.com/nspcc-dev/msgmon/pkg/util"
)

// pendingMessage is an unresolved message along with its re-send state.
type pendingMessage struct {
	MonitoredMessage
	resends    *policy.Counter
	nextResend time.Time
}

// queue is a named monitoring queue. Every hash it tracks is either pending
// or buffered, never both.
type queue struct {
	name   string
	resend policy.Policy

	lock      sync.Mutex
	wake      signal
	pending   map[util.Uint256]*pendingMessage
	buffered  []MessageMonitoringResult
	resolved  map[util.Uint256]struct{}
	cancelled bool
}

func newQueue(name string, resend policy.Policy) *queue {
	return &queue{
		name:     name,
		resend:   resend,
		pending:  make(map[util.Uint256]*pendingMessage),
		resolved: make(map[util.Uint256]struct{}),
	}
}

// add puts messages into the pending set. Hashes already tracked by the queue
// are skipped. It returns the hashes actually added.
func (q *queue) add(now time.Time, msgs []MonitoredMessage) []util.Uint256 {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.cancelled {
		return nil
	}
	var added []util.Uint256
	for _, m := range msgs {
		if q.tracks(m.Hash) {
			continue
		}
		q.pending[m.Hash] = &pendingMessage{
			MonitoredMessage: m,
			resends:          q.resend.NewCounter(),
			nextResend:       now.Add(q.resend.Interval),
		}
		added = append(added, m.Hash)
	}
	pendingGauge.Add(float64(len(added)))
	return added
}

// tracks must be called with the lock held.
func (q *queue) tracks(h util.Uint256) bool {
	_, isPending := q.pending[h]
	_, isResolved := q.resolved[h]
	return isPending || isResolved
}

// resolve moves messages matching the given results from pending to
// buffered. Unknown, already resolved and intermediate results are ignored.
// It returns the hashes resolved and an error if the queue state appears to
// be inconsistent.
func (q *queue) resolve(results []MessageMonitoringResult) ([]util.Uint256, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.resolveLocked(results)
}

func (q *queue) resolveLocked(results []MessageMonitoringResult) ([]util.Uint256, error) {
	var (
		hashes []util.Uint256
		err    error
	)
	for _, r := range results {
		if !r.resolves() {
			continue
		}
		p, ok := q.pending[r.Hash]
		if !ok {
			continue
		}
		if _, dup := q.resolved[r.Hash]; dup {
			err = fmt.Errorf("%w: %s is both pending and resolved in queue %q", ErrInternalState, r.Hash.StringLE(), q.name)
			delete(q.pending, r.Hash)
			pendingGauge.Dec()
			continue
		}
		delete(q.pending, r.Hash)
		if len(r.UserData) == 0 {
			r.UserData = p.UserData
		}
		q.buffered = append(q.buffered, r)
		q.resolved[r.Hash] = struct{}{}
		hashes = append(hashes, r.Hash)
		resolvedCounter.WithLabelValues(r.Status.String()).Inc()
	}
	if len(hashes) != 0 {
		pendingGauge.Sub(float64(len(hashes)))
		bufferedGauge.Add(float64(len(hashes)))
		q.wake.broadcast()
	}
	return hashes, err
}

// remove drops the given hashes from the pending set, results that are
// already buffered are kept.
func (q *queue) remove(hashes []util.Uint256) {
	q.lock.Lock()
	defer q.lock.Unlock()

	var n int
	for _, h := range hashes {
		if _, ok := q.pending[h]; ok {
			delete(q.pending, h)
			n++
		}
	}
	if n != 0 {
		pendingGauge.Sub(float64(n))
		q.wake.broadcast()
	}
}

// expire resolves every pending message with wait_until strictly before now
// with the Timeout status.
func (q *queue) expire(now time.Time) ([]util.Uint256, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	var timedOut []MessageMonitoringResult
	for h, p := range q.pending {
		if policy.Expired(p.WaitUntil, now) {
			timedOut = append(timedOut, MessageMonitoringResult{
				Hash:   h,
				Status: Timeout,
			})
		}
	}
	if len(timedOut) == 0 {
		return nil, nil
	}
	return q.resolveLocked(timedOut)
}

// isPending tells whether the message is still waiting for its result.
func (q *queue) isPending(h util.Uint256) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	_, ok := q.pending[h]
	return ok
}

// dueResends returns pending messages that should be re-sent at the given
// moment according to the queue's re-send policy.
func (q *queue) dueResends(now time.Time) []MessageMonitoringParams {
	q.lock.Lock()
	defer q.lock.Unlock()

	var res []MessageMonitoringParams
	for _, p := range q.pending {
		if len(p.body) == 0 || policy.Expired(p.WaitUntil, now) || now.Before(p.nextResend) {
			continue
		}
		if !p.resends.Next() {
			continue
		}
		p.nextResend = now.Add(q.resend.Interval)
		res = append(res, p.Params())
	}
	return res
}

// ready must be called with the lock held.
func (q *queue) ready(mode WaitMode) bool {
	switch mode {
	case AtLeastOne:
		return len(q.buffered) != 0
	case All:
		return len(q.pending) == 0
	default:
		return true
	}
}

// take must be called with the lock held.
func (q *queue) take() []MessageMonitoringResult {
	res := q.buffered
	q.buffered = nil
	for _, r := range res {
		delete(q.resolved, r.Hash)
	}
	bufferedGauge.Sub(float64(len(res)))
	return res
}

// fetchNext returns buffered results once the queue satisfies the given mode.
// Buffered results are returned (possibly none) when deadline fires. The
// results fetched are removed from the queue.
func (q *queue) fetchNext(ctx context.Context, mode WaitMode, deadline <-chan time.Time, closed <-chan struct{}) ([]MessageMonitoringResult, error) {
	q.lock.Lock()
	for {
		if q.cancelled {
			q.lock.Unlock()
			return nil, nil
		}
		if q.ready(mode) {
			res := q.take()
			q.lock.Unlock()
			return res, nil
		}
		wake := q.wake.wait()
		q.lock.Unlock()

		select {
		case <-wake:
		case <-deadline:
			q.lock.Lock()
			var res []MessageMonitoringResult
			if !q.cancelled {
				res = q.take()
			}
			q.lock.Unlock()
			return res, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrContextDone, ctx.Err())
		case <-closed:
			return nil, ErrMonitorClosed
		}
		q.lock.Lock()
	}
}

// info returns a consistent snapshot of queue counters.
func (q *queue) info() MonitoringQueueInfo {
	q.lock.Lock()
	defer q.lock.Unlock()

	return MonitoringQueueInfo{
		Queue:      q.name,
		Unresolved: uint32(len(q.pending)),
		Resolved:   uint32(len(q.buffered)),
	}
}

// cancel drops all queue state and wakes up its waiters. It returns the
// hashes that were pending.
func (q *queue) cancel() []util.Uint256 {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.cancelled {
		return nil
	}
	hashes := make([]util.Uint256, 0, len(q.pending))
	for h := range q.pending {
		hashes = append(hashes, h)
	}
	pendingGauge.Sub(float64(len(q.pending)))
	bufferedGauge.Sub(float64(len(q.buffered)))
	q.cancelled = true
	q.pending = nil
	q.buffered = nil
	q.resolved = nil
	q.wake.broadcast()
	return hashes
}
