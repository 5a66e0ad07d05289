package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/nspcc-dev/msgmon/pkg/msgmon/policy"
	"github.com/nspcc-dev/msgmon/pkg/rpcclient"
)

// RPC is a message status provider connection configuration.
type RPC struct {
	// Endpoint is a websocket URL of the provider, like ws://127.0.0.1:8080/ws.
	Endpoint       string        `yaml:"Endpoint"`
	DialTimeout    time.Duration `yaml:"DialTimeout"`
	RequestTimeout time.Duration `yaml:"RequestTimeout"`
	Reconnect      policy.Policy `yaml:"Reconnect"`
	DedupCacheSize int           `yaml:"DedupCacheSize"`
}

// Validate checks RPC configuration, empty endpoint is allowed since it can
// be specified later.
func (r RPC) Validate() error {
	if r.DialTimeout < 0 || r.RequestTimeout < 0 {
		return errors.New("negative timeout")
	}
	if r.DedupCacheSize < 0 {
		return fmt.Errorf("negative DedupCacheSize: %d", r.DedupCacheSize)
	}
	if r.Endpoint == "" {
		return nil
	}
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return fmt.Errorf("bad Endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("bad Endpoint scheme %q, ws or wss expected", u.Scheme)
	}
	return nil
}

// Options converts r to the websocket client options.
func (r RPC) Options() rpcclient.Options {
	return rpcclient.Options{
		DialTimeout:    r.DialTimeout,
		RequestTimeout: r.RequestTimeout,
		Reconnect:      r.Reconnect,
		DedupCacheSize: r.DedupCacheSize,
	}
}
