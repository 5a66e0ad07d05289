package msgmon

import "errors"

var (
	// ErrInvalidMessageData is returned from Monitor for malformed message
	// identity or payload.
	ErrInvalidMessageData = errors.New("invalid message data")
	// ErrProviderSubscribeFailed is returned from Monitor when the provider
	// rejects a subscription.
	ErrProviderSubscribeFailed = errors.New("provider subscription failed")
	// ErrProviderUnsubscribeFailed is returned from Cancel when the provider
	// rejects an unsubscription.
	ErrProviderUnsubscribeFailed = errors.New("provider unsubscription failed")
	// ErrProviderCallback wraps per-message errors reported by the provider,
	// see MessageMonitoringResult.Err.
	ErrProviderCallback = errors.New("provider reported message error")
	// ErrInternalState means the monitor state is inconsistent, it's never
	// returned and only logged.
	ErrInternalState = errors.New("internal monitor state error")
	// ErrContextDone is returned from WaitFor when its context is done before
	// the wait condition is satisfied.
	ErrContextDone = errors.New("waiter context done")
	// ErrMonitorClosed is returned by any Monitor method called after Close.
	ErrMonitorClosed = errors.New("monitor is closed")
)
