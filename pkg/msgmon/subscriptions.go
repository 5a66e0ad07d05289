package msgmon

import (
	"github.com/nspcc-dev/msgmon/pkg/util"
)

// subscription is a provider subscription along with hashes it still covers.
// id is empty until the provider confirms the subscription.
type subscription struct {
	id     SubscriptionID
	hashes map[util.Uint256]struct{}
}

// subscriptions is a table of active provider subscriptions. Every covered
// hash belongs to exactly one subscription. It's not thread-safe.
type subscriptions struct {
	last    uint64
	table   map[uint64]*subscription
	covered map[util.Uint256]uint64
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		table:   make(map[uint64]*subscription),
		covered: make(map[util.Uint256]uint64),
	}
}

// isCovered tells whether some subscription covers h.
func (s *subscriptions) isCovered(h util.Uint256) bool {
	_, ok := s.covered[h]
	return ok
}

// reserve creates an unconfirmed subscription entry covering the given
// hashes and returns its key.
func (s *subscriptions) reserve(hashes []util.Uint256) uint64 {
	s.last++
	sub := &subscription{hashes: make(map[util.Uint256]struct{}, len(hashes))}
	for _, h := range hashes {
		sub.hashes[h] = struct{}{}
		s.covered[h] = s.last
	}
	s.table[s.last] = sub
	activeSubscriptions.Set(float64(len(s.table)))
	return s.last
}

// confirm assigns the provider handle to a reserved entry. It returns false
// if the entry is gone.
func (s *subscriptions) confirm(key uint64, id SubscriptionID) bool {
	sub, ok := s.table[key]
	if !ok {
		return false
	}
	sub.id = id
	return true
}

// discard removes a reserved entry along with the coverage it holds and
// returns the hashes that were still covered by it.
func (s *subscriptions) discard(key uint64) []util.Uint256 {
	sub, ok := s.table[key]
	if !ok {
		return nil
	}
	hashes := make([]util.Uint256, 0, len(sub.hashes))
	for h := range sub.hashes {
		delete(s.covered, h)
		hashes = append(hashes, h)
	}
	delete(s.table, key)
	activeSubscriptions.Set(float64(len(s.table)))
	return hashes
}

// drop removes h from the subscription covering it. It returns true if that
// subscription has become empty.
func (s *subscriptions) drop(h util.Uint256) bool {
	key, ok := s.covered[h]
	if !ok {
		return false
	}
	delete(s.covered, h)
	sub := s.table[key]
	delete(sub.hashes, h)
	return len(sub.hashes) == 0
}

// takeDrained removes confirmed subscriptions that cover nothing and
// returns their handles.
func (s *subscriptions) takeDrained() []SubscriptionID {
	var ids []SubscriptionID
	for key, sub := range s.table {
		if sub.id != "" && len(sub.hashes) == 0 {
			ids = append(ids, sub.id)
			delete(s.table, key)
		}
	}
	if len(ids) != 0 {
		activeSubscriptions.Set(float64(len(s.table)))
	}
	return ids
}

// takeAll empties the table and returns all confirmed handles.
func (s *subscriptions) takeAll() []SubscriptionID {
	var ids []SubscriptionID
	for _, sub := range s.table {
		if sub.id != "" {
			ids = append(ids, sub.id)
		}
	}
	s.table = make(map[uint64]*subscription)
	s.covered = make(map[util.Uint256]uint64)
	activeSubscriptions.Set(0)
	return ids
}
