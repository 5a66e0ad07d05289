/*
Package policy contains pure decision functions used by the message monitor:
bounded retry counting and expiration deadline evaluation.
*/
package policy

import (
	"math"
	"time"
)

const (
	// DefaultInterval is the default spacing between subsequent attempts.
	DefaultInterval = time.Second
	// DefaultNetworkRetries is the default limit of network retries (unlimited).
	DefaultNetworkRetries = -1
	// DefaultExpirationRetries is the default number of message re-sends
	// attempted before its expiration.
	DefaultExpirationRetries = 20
)

// Policy is a bounded retry policy. Negative Limit means unlimited retries,
// zero Limit means no retries at all.
type Policy struct {
	Limit    int           `yaml:"Limit"`
	Interval time.Duration `yaml:"Interval"`
}

// DefaultNetwork returns the network retry policy used when none is configured:
// unlimited attempts spaced by one second.
func DefaultNetwork() Policy {
	return Policy{Limit: DefaultNetworkRetries, Interval: DefaultInterval}
}

// DefaultExpiration returns the expiration retry policy used when none is
// configured: up to 20 attempts spaced by one second.
func DefaultExpiration() Policy {
	return Policy{Limit: DefaultExpirationRetries, Interval: DefaultInterval}
}

// OrDefault returns p if it's set and def otherwise. Interval is also
// defaulted separately if only Limit is specified.
func (p Policy) OrDefault(def Policy) Policy {
	if p == (Policy{}) {
		return def
	}
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	return p
}

// CanRetryMore increments the given retries counter and tells whether one more
// attempt is allowed under the given limit. The counter saturates instead of
// wrapping around. Negative limit means there is no limit.
func CanRetryMore(retries *uint32, limit int) bool {
	if *retries < math.MaxUint32 {
		*retries++
	}
	return limit < 0 || uint64(*retries) <= uint64(limit)
}

// Counter tracks attempts made under some Policy.
type Counter struct {
	policy  Policy
	retries uint32
}

// NewCounter creates a Counter for the given policy.
func (p Policy) NewCounter() *Counter {
	return &Counter{policy: p}
}

// Next registers one more attempt and tells whether it's allowed.
func (c *Counter) Next() bool {
	return CanRetryMore(&c.retries, c.policy.Limit)
}

// Retries returns the number of attempts registered so far.
func (c *Counter) Retries() uint32 {
	return c.retries
}

// Expired tells whether a message with the given wait_until boundary (UNIX
// timestamp in seconds) is expired at the given moment. The boundary itself
// is not expired yet.
func Expired(waitUntil uint32, now time.Time) bool {
	return now.After(time.Unix(int64(waitUntil), 0))
}
