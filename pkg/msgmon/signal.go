package msgmon

// signal is a broadcast wake-up primitive bridging result delivery and
// blocked waiters. Its zero value is ready to use. Both wait and broadcast
// must be called with the lock protecting the awaited state held, so a
// waiter checks its condition and obtains the wake-up channel atomically
// with respect to any state change.
type signal struct {
	ch chan struct{}
}

// wait returns a channel that is closed by the next broadcast.
func (s *signal) wait() <-chan struct{} {
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// broadcast wakes up all current waiters.
func (s *signal) broadcast() {
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}
