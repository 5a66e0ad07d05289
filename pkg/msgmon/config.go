package msgmon

import (
	"time"

	"github.com/nspcc-dev/msgmon/pkg/msgmon/policy"
)

// DefaultExpirationCheckInterval is the default period of expiration checks
// made in background.
const DefaultExpirationCheckInterval = time.Second

// Config is the monitor configuration.
type Config struct {
	// ExpirationCheckInterval is the period of background expiration checks.
	ExpirationCheckInterval time.Duration `yaml:"ExpirationCheckInterval"`
	// NetworkRetry controls retries of failed background unsubscriptions.
	NetworkRetry policy.Policy `yaml:"NetworkRetry"`
	// ExpirationRetry controls message re-sends made before expiration, it
	// only applies to providers implementing Resender.
	ExpirationRetry policy.Policy `yaml:"ExpirationRetry"`
	// Now is a clock used for expiration checks, time.Now is used if nil.
	Now func() time.Time `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.ExpirationCheckInterval <= 0 {
		c.ExpirationCheckInterval = DefaultExpirationCheckInterval
	}
	c.NetworkRetry = c.NetworkRetry.OrDefault(policy.DefaultNetwork())
	c.ExpirationRetry = c.ExpirationRetry.OrDefault(policy.DefaultExpiration())
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
