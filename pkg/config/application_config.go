package config

import (
	"fmt"
	"time"

	"github.com/nspcc-dev/msgmon/pkg/msgmon"
	"go.uber.org/zap/zapcore"
)

// ApplicationConfiguration config specific to the monitoring tool.
type ApplicationConfiguration struct {
	LogLevel   string        `yaml:"LogLevel"`
	LogPath    string        `yaml:"LogPath"`
	Pprof      BasicService  `yaml:"Pprof"`
	Prometheus BasicService  `yaml:"Prometheus"`
	RPC        RPC           `yaml:"RPC"`
	Monitor    msgmon.Config `yaml:"Monitor"`
}

// Validate checks ApplicationConfiguration for internal consistency and returns
// an error if any invalid settings are found.
func (a *ApplicationConfiguration) Validate() error {
	if len(a.LogLevel) > 0 {
		if _, err := zapcore.ParseLevel(a.LogLevel); err != nil {
			return fmt.Errorf("invalid LogLevel: %w", err)
		}
	}
	if err := a.RPC.Validate(); err != nil {
		return fmt.Errorf("invalid RPC config: %w", err)
	}
	if a.Monitor.ExpirationCheckInterval < 0 {
		return fmt.Errorf("negative Monitor.ExpirationCheckInterval: %s", a.Monitor.ExpirationCheckInterval)
	}
	for name, p := range map[string]time.Duration{
		"NetworkRetry":    a.Monitor.NetworkRetry.Interval,
		"ExpirationRetry": a.Monitor.ExpirationRetry.Interval,
	} {
		if p < 0 {
			return fmt.Errorf("negative Monitor.%s.Interval: %s", name, p)
		}
	}
	for _, s := range []struct {
		name string
		svc  BasicService
	}{{"Pprof", a.Pprof}, {"Prometheus", a.Prometheus}} {
		if err := s.svc.Validate(); err != nil {
			return fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}
	return nil
}
