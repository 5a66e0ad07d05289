package msgmon

import "context"

// SubscriptionID is an opaque provider-issued subscription handle.
type SubscriptionID string

// Callback is invoked by the Provider with message results. It may be called
// from any goroutine, including synchronously from within Subscribe or
// Unsubscribe, and it must not be called after a successful Unsubscribe
// returns. Results for hashes not covered by the subscription are ignored.
type Callback func([]MessageMonitoringResult)

// Provider is a remote source of message status notifications.
type Provider interface {
	// Subscribe starts watching for the given messages. Results are passed
	// to cb as they become known, an intermediate status may be followed by
	// a terminal one for the same message.
	Subscribe(ctx context.Context, msgs []MessageMonitoringParams, cb Callback) (SubscriptionID, error)
	// Unsubscribe stops the subscription, no callbacks are made for it after
	// Unsubscribe returns.
	Unsubscribe(ctx context.Context, id SubscriptionID) error
}

// Resender is an optional Provider extension that allows to re-broadcast
// message bodies while they're pending and not expired yet.
type Resender interface {
	Resend(ctx context.Context, msgs []MessageMonitoringParams) error
}
