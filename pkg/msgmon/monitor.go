/*
Package msgmon implements asynchronous message delivery monitoring. Messages
are put into named queues, a Provider is subscribed to for their statuses and
the results are buffered until fetched by the caller with WaitFor.
*/
package msgmon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nspcc-dev/msgmon/pkg/msgmon/policy"
	"github.com/nspcc-dev/msgmon/pkg/util"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// delivery is a batch of provider results passed to the router.
type delivery struct {
	results []MessageMonitoringResult
	ack     chan struct{}
}

// release is a drained subscription the janitor failed to unsubscribe from.
type release struct {
	id      SubscriptionID
	tries   uint32
	nextTry time.Time
}

// Monitor tracks messages in named queues. It's safe for concurrent use.
type Monitor struct {
	log      *zap.Logger
	provider Provider
	cfg      Config

	alive *atomic.Bool

	// subLock serializes provider subscription management.
	subLock sync.Mutex
	// lock protects queues and subs, queue locks are taken under it.
	lock   sync.RWMutex
	queues map[string]*queue
	subs   *subscriptions

	deliveries chan delivery
	drained    chan struct{}
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Monitor using the given provider and starts its background
// routines. Close must be called to release it.
func New(provider Provider, cfg Config, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		log:        log,
		provider:   provider,
		cfg:        cfg.withDefaults(),
		alive:      atomic.NewBool(true),
		queues:     make(map[string]*queue),
		subs:       newSubscriptions(),
		deliveries: make(chan delivery),
		drained:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.wg.Add(2)
	go m.route()
	go m.janitor()
	return m
}

// Monitor starts tracking the given messages in the named queue, the queue is
// created if it doesn't exist. All messages are validated before anything is
// changed. Messages already tracked by the queue are skipped. Hashes not
// covered by any provider subscription yet are subscribed to, if the provider
// fails to do so these hashes are not left pending and ErrProviderSubscribeFailed
// is returned.
func (m *Monitor) Monitor(ctx context.Context, name string, params []MessageMonitoringParams) error {
	if !m.alive.Load() {
		return ErrMonitorClosed
	}
	if len(params) == 0 {
		return nil
	}
	msgs := make([]MonitoredMessage, 0, len(params))
	for i := range params {
		msg, err := params[i].Message()
		if err != nil {
			return fmt.Errorf("message #%d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}

	m.subLock.Lock()
	defer m.subLock.Unlock()
	if !m.alive.Load() {
		return ErrMonitorClosed
	}

	m.lock.Lock()
	q := m.queueLocked(name, true)
	added := q.add(m.cfg.Now(), msgs)
	var (
		uncovered []util.Uint256
		toWatch   []MessageMonitoringParams
	)
	for _, h := range added {
		if m.subs.isCovered(h) {
			continue
		}
		for i := range msgs {
			if msgs[i].Hash == h {
				toWatch = append(toWatch, msgs[i].Params())
				break
			}
		}
		uncovered = append(uncovered, h)
	}
	var key uint64
	if len(uncovered) != 0 {
		key = m.subs.reserve(uncovered)
	}
	m.lock.Unlock()

	m.log.Debug("messages added",
		zap.String("queue", name),
		zap.Int("added", len(added)),
		zap.Int("subscribing", len(uncovered)))
	if len(uncovered) == 0 {
		return nil
	}

	id, err := m.provider.Subscribe(ctx, toWatch, m.callback)

	m.lock.Lock()
	if err != nil {
		q.remove(m.subs.discard(key))
		m.lock.Unlock()
		return fmt.Errorf("%w: %w", ErrProviderSubscribeFailed, err)
	}
	m.subs.confirm(key, id)
	m.lock.Unlock()
	// Results could've been delivered synchronously from Subscribe.
	m.notifyDrained()
	return nil
}

// WaitFor fetches results from the named queue according to the given mode.
// NoWait returns whatever is buffered, AtLeastOne waits for at least one
// result, All waits for every pending message to be resolved. Non-positive
// timeout means no deadline, when the deadline is reached buffered results
// are returned without an error. Results are not lost if ctx is done, they
// can be fetched later. Waiting on an unknown queue creates it, so results of
// messages monitored later wake the waiter up. Cancelled queues have no
// results.
func (m *Monitor) WaitFor(ctx context.Context, name string, mode WaitMode, timeout time.Duration) ([]MessageMonitoringResult, error) {
	if !m.alive.Load() {
		return nil, ErrMonitorClosed
	}
	m.expire(m.cfg.Now())

	m.lock.Lock()
	q := m.queueLocked(name, mode != NoWait)
	m.lock.Unlock()
	if q == nil {
		return nil, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	return q.fetchNext(ctx, mode, deadline, m.done)
}

// QueueInfo returns pending and buffered result counters of the named queue.
func (m *Monitor) QueueInfo(name string) (MonitoringQueueInfo, error) {
	if !m.alive.Load() {
		return MonitoringQueueInfo{}, ErrMonitorClosed
	}
	m.lock.RLock()
	q, ok := m.queues[name]
	m.lock.RUnlock()
	if !ok {
		return MonitoringQueueInfo{Queue: name}, nil
	}
	return q.info(), nil
}

// Queues returns sorted names of existing queues.
func (m *Monitor) Queues() []string {
	m.lock.RLock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.lock.RUnlock()
	sort.Strings(names)
	return names
}

// Cancel drops the named queue with all of its pending and buffered messages
// and wakes up its waiters. Subscriptions not covering anything after that are
// unsubscribed from, ErrProviderUnsubscribeFailed is returned if the provider
// fails to do so. Cancelling unknown queue is a no-op.
func (m *Monitor) Cancel(ctx context.Context, name string) error {
	if !m.alive.Load() {
		return ErrMonitorClosed
	}
	m.subLock.Lock()
	defer m.subLock.Unlock()

	m.lock.Lock()
	q, ok := m.queues[name]
	if !ok {
		m.lock.Unlock()
		return nil
	}
	delete(m.queues, name)
	for _, h := range q.cancel() {
		if !m.pendingAnywhere(h) {
			m.subs.drop(h)
		}
	}
	ids := m.subs.takeDrained()
	m.lock.Unlock()

	m.log.Debug("queue cancelled", zap.String("queue", name), zap.Int("unsubscribing", len(ids)))
	var errs []error
	for _, id := range ids {
		if err := m.provider.Unsubscribe(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", id, err))
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("%w: %w", ErrProviderUnsubscribeFailed, errors.Join(errs...))
	}
	return nil
}

// Close unsubscribes from everything, releases all queues and stops
// background routines. Waiters blocked in WaitFor get ErrMonitorClosed,
// callbacks made after Close starts are discarded. It's safe to call Close
// multiple times.
func (m *Monitor) Close() {
	if !m.alive.CAS(true, false) {
		return
	}
	m.subLock.Lock()
	defer m.subLock.Unlock()

	m.lock.Lock()
	ids := m.subs.takeAll()
	m.lock.Unlock()
	for _, id := range ids {
		if err := m.provider.Unsubscribe(m.ctx, id); err != nil {
			m.log.Warn("failed to unsubscribe on close", zap.String("id", string(id)), zap.Error(err))
		}
	}

	close(m.done)
	m.cancel()
	m.wg.Wait()

	m.lock.Lock()
	for name, q := range m.queues {
		q.cancel()
		delete(m.queues, name)
	}
	m.lock.Unlock()
	m.log.Debug("monitor closed")
}

// callback is passed to the provider. It returns after results are routed to
// queues, so they're observable by WaitFor once it returns.
func (m *Monitor) callback(results []MessageMonitoringResult) {
	if len(results) == 0 {
		return
	}
	if !m.alive.Load() {
		discardedCallbacks.Inc()
		return
	}
	d := delivery{results: results, ack: make(chan struct{})}
	select {
	case m.deliveries <- d:
	case <-m.done:
		discardedCallbacks.Inc()
		return
	}
	select {
	case <-d.ack:
	case <-m.done:
	}
}

// route is the only consumer of provider results.
func (m *Monitor) route() {
	defer m.wg.Done()
	for {
		select {
		case d := <-m.deliveries:
			m.deliver(d.results)
			close(d.ack)
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) deliver(results []MessageMonitoringResult) {
	var drained bool

	m.lock.Lock()
	for _, q := range m.queues {
		hashes, err := q.resolve(results)
		if err != nil {
			m.log.DPanic("inconsistent queue", zap.Error(err))
		}
		if len(hashes) != 0 {
			m.log.Debug("messages resolved", zap.String("queue", q.name), zap.Int("count", len(hashes)))
		}
	}
	for _, r := range results {
		if r.resolves() && !m.pendingAnywhere(r.Hash) && m.subs.drop(r.Hash) {
			drained = true
		}
	}
	m.lock.Unlock()
	if drained {
		m.notifyDrained()
	}
}

// expire resolves expired messages of all queues.
func (m *Monitor) expire(now time.Time) {
	var drained bool

	m.lock.Lock()
	for _, q := range m.queues {
		hashes, err := q.expire(now)
		if err != nil {
			m.log.DPanic("inconsistent queue", zap.Error(err))
		}
		if len(hashes) != 0 {
			m.log.Debug("messages expired", zap.String("queue", q.name), zap.Int("count", len(hashes)))
		}
		for _, h := range hashes {
			if !m.pendingAnywhere(h) && m.subs.drop(h) {
				drained = true
			}
		}
	}
	m.lock.Unlock()
	if drained {
		m.notifyDrained()
	}
}

// queueLocked returns the named queue creating it if requested, nil is
// returned for unknown queues otherwise. It must be called with the lock held.
func (m *Monitor) queueLocked(name string, create bool) *queue {
	q, ok := m.queues[name]
	if !ok && create {
		q = newQueue(name, m.cfg.ExpirationRetry)
		m.queues[name] = q
	}
	return q
}

// pendingAnywhere must be called with the lock held.
func (m *Monitor) pendingAnywhere(h util.Uint256) bool {
	for _, q := range m.queues {
		if q.isPending(h) {
			return true
		}
	}
	return false
}

func (m *Monitor) notifyDrained() {
	select {
	case m.drained <- struct{}{}:
	default:
	}
}

// janitor checks for expired messages, re-sends pending ones and releases
// subscriptions that don't cover anything.
func (m *Monitor) janitor() {
	defer m.wg.Done()

	var (
		ticker   = time.NewTicker(m.cfg.ExpirationCheckInterval)
		releases []release
	)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-m.drained:
		case <-ticker.C:
			now := m.cfg.Now()
			m.expire(now)
			m.resend(now)
		}
		releases = m.releaseDrained(releases)
	}
}

// releaseDrained unsubscribes from drained subscriptions, failed attempts are
// retried according to the network retry policy.
func (m *Monitor) releaseDrained(retries []release) []release {
	m.lock.Lock()
	ids := m.subs.takeDrained()
	m.lock.Unlock()

	now := time.Now()
	for _, id := range ids {
		retries = append(retries, release{id: id, nextTry: now})
	}
	var left []release
	for _, r := range retries {
		if now.Before(r.nextTry) {
			left = append(left, r)
			continue
		}
		err := m.provider.Unsubscribe(m.ctx, r.id)
		if err == nil {
			m.log.Debug("subscription released", zap.String("id", string(r.id)))
			continue
		}
		if m.ctx.Err() != nil {
			return nil
		}
		if !policy.CanRetryMore(&r.tries, m.cfg.NetworkRetry.Limit) {
			m.log.Warn("giving up on unsubscription", zap.String("id", string(r.id)),
				zap.Uint32("tries", r.tries), zap.Error(err))
			continue
		}
		m.log.Debug("unsubscription failed, will retry", zap.String("id", string(r.id)), zap.Error(err))
		r.nextTry = now.Add(m.cfg.NetworkRetry.Interval)
		left = append(left, r)
	}
	return left
}

// resend re-broadcasts pending messages if the provider supports it.
func (m *Monitor) resend(now time.Time) {
	rs, ok := m.provider.(Resender)
	if !ok {
		return
	}
	var (
		msgs []MessageMonitoringParams
		seen = make(map[util.Uint256]struct{})
	)
	m.lock.RLock()
	for _, q := range m.queues {
		for _, p := range q.dueResends(now) {
			if _, ok := seen[p.Hash]; ok {
				continue
			}
			seen[p.Hash] = struct{}{}
			msgs = append(msgs, p)
		}
	}
	m.lock.RUnlock()
	if len(msgs) == 0 {
		return
	}
	if err := rs.Resend(m.ctx, msgs); err != nil {
		m.log.Warn("failed to re-send messages", zap.Int("count", len(msgs)), zap.Error(err))
		return
	}
	resentCounter.Add(float64(len(msgs)))
}
