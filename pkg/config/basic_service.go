package config

import (
	"errors"
	"net"
)

// BasicService is an HTTP service configuration shared by Prometheus and
// Pprof.
type BasicService struct {
	Enabled bool `yaml:"Enabled"`
	// Addresses are "host:port" pairs to listen on, port 0 picks a free one.
	Addresses []string `yaml:"Addresses"`
}

// GetAddresses returns a copy of the listen addresses.
func (s BasicService) GetAddresses() []string {
	return append([]string(nil), s.Addresses...)
}

// Validate checks that an enabled service has valid addresses to listen on.
// Disabled services are not checked.
func (s BasicService) Validate() error {
	if !s.Enabled {
		return nil
	}
	if len(s.Addresses) == 0 {
		return errors.New("enabled, but no Addresses specified")
	}
	for _, addr := range s.Addresses {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return err
		}
	}
	return nil
}
