package fakeprovider

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nspcc-dev/msgmon/pkg/msgmon"
	"github.com/nspcc-dev/msgmon/pkg/util"
)

// RecentResults is the number of delivered results remembered by Provider.
const RecentResults = 1024

// ErrUnknownSubscription is returned from Unsubscribe for unknown IDs.
var ErrUnknownSubscription = errors.New("unknown subscription")

type subscription struct {
	active bool
	hashes map[util.Uint256]struct{}
	cb     msgmon.Callback
}

// Provider implements msgmon.Provider and msgmon.Resender delivering results
// under test control. Results that were delivered before are remembered and
// passed to new subscriptions covering the same hashes synchronously from
// Subscribe.
type Provider struct {
	lock   sync.Mutex
	subs   map[msgmon.SubscriptionID]*subscription
	recent *lru.Cache
	resent []msgmon.MessageMonitoringParams

	subscribeErr   error
	unsubscribeErr error
	resendErr      error
	subscribeCalls int
}

// New returns a new Provider.
func New() *Provider {
	recent, err := lru.New(RecentResults)
	if err != nil {
		panic(err)
	}
	return &Provider{
		subs:   make(map[msgmon.SubscriptionID]*subscription),
		recent: recent,
	}
}

// Subscribe implements msgmon.Provider.
func (p *Provider) Subscribe(ctx context.Context, msgs []msgmon.MessageMonitoringParams, cb msgmon.Callback) (msgmon.SubscriptionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.lock.Lock()
	p.subscribeCalls++
	if p.subscribeErr != nil {
		err := p.subscribeErr
		p.lock.Unlock()
		return "", err
	}
	sub := &subscription{
		active: true,
		hashes: make(map[util.Uint256]struct{}, len(msgs)),
		cb:     cb,
	}
	var known []msgmon.MessageMonitoringResult
	for _, m := range msgs {
		h := m.Hash
		if len(m.Body) != 0 {
			h = msgmon.MessageHash(m.Body)
		}
		sub.hashes[h] = struct{}{}
		if r, ok := p.recent.Get(h); ok {
			known = append(known, r.(msgmon.MessageMonitoringResult))
		}
	}
	id := msgmon.SubscriptionID(uuid.New().String())
	p.subs[id] = sub
	p.lock.Unlock()

	if len(known) != 0 {
		cb(known)
	}
	return id, nil
}

// Unsubscribe implements msgmon.Provider.
func (p *Provider) Unsubscribe(ctx context.Context, id msgmon.SubscriptionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.unsubscribeErr != nil {
		return p.unsubscribeErr
	}
	sub, ok := p.subs[id]
	if !ok || !sub.active {
		return ErrUnknownSubscription
	}
	sub.active = false
	return nil
}

// Resend implements msgmon.Resender.
func (p *Provider) Resend(ctx context.Context, msgs []msgmon.MessageMonitoringParams) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.resendErr != nil {
		return p.resendErr
	}
	p.resent = append(p.resent, msgs...)
	return nil
}

// Deliver passes results to every active subscription covering them. It
// returns the number of callbacks made.
func (p *Provider) Deliver(results ...msgmon.MessageMonitoringResult) int {
	return p.deliver(false, results)
}

// DeliverLate is like Deliver, but also calls back subscriptions that are
// already unsubscribed from.
func (p *Provider) DeliverLate(results ...msgmon.MessageMonitoringResult) int {
	return p.deliver(true, results)
}

func (p *Provider) deliver(late bool, results []msgmon.MessageMonitoringResult) int {
	type call struct {
		cb      msgmon.Callback
		results []msgmon.MessageMonitoringResult
	}
	var calls []call

	p.lock.Lock()
	for _, r := range results {
		p.recent.Add(r.Hash, r)
	}
	for _, sub := range p.subs {
		if !sub.active && !late {
			continue
		}
		var batch []msgmon.MessageMonitoringResult
		for _, r := range results {
			if _, ok := sub.hashes[r.Hash]; ok {
				batch = append(batch, r)
			}
		}
		if len(batch) != 0 {
			calls = append(calls, call{cb: sub.cb, results: batch})
		}
	}
	p.lock.Unlock()

	for _, c := range calls {
		c.cb(c.results)
	}
	return len(calls)
}

// Active returns the number of active subscriptions.
func (p *Provider) Active() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	var n int
	for _, sub := range p.subs {
		if sub.active {
			n++
		}
	}
	return n
}

// SubscribeCalls returns the number of Subscribe calls made.
func (p *Provider) SubscribeCalls() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.subscribeCalls
}

// Resent returns all messages passed to Resend so far.
func (p *Provider) Resent() []msgmon.MessageMonitoringParams {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]msgmon.MessageMonitoringParams(nil), p.resent...)
}

// FailSubscribe makes subsequent Subscribe calls fail with err (nil resets it).
func (p *Provider) FailSubscribe(err error) {
	p.lock.Lock()
	p.subscribeErr = err
	p.lock.Unlock()
}

// FailUnsubscribe makes subsequent Unsubscribe calls fail with err (nil
// resets it).
func (p *Provider) FailUnsubscribe(err error) {
	p.lock.Lock()
	p.unsubscribeErr = err
	p.lock.Unlock()
}

// FailResend makes subsequent Resend calls fail with err (nil resets it).
func (p *Provider) FailResend(err error) {
	p.lock.Lock()
	p.resendErr = err
	p.lock.Unlock()
}
