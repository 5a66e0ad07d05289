/*
Package metrics contains HTTP services exposing Prometheus metrics and pprof
profiles of the monitoring tool.
*/
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/nspcc-dev/msgmon/pkg/config"
	"go.uber.org/zap"
)

// Service serves metrics on a set of addresses.
type Service struct {
	http        []*http.Server
	config      config.BasicService
	log         *zap.Logger
	serviceType string

	lock    sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewService configures a service of the given type with the provided
// servers.
func NewService(name string, httpServers []*http.Server, cfg config.BasicService, log *zap.Logger) *Service {
	return &Service{
		http:        httpServers,
		config:      cfg,
		serviceType: name,
		log:         log.With(zap.String("service", name)),
	}
}

// Name returns the service name.
func (ms *Service) Name() string {
	return ms.serviceType
}

// Start runs http service with the exposed endpoint on the configured port.
// It returns an error if any of the addresses can't be listened on.
func (ms *Service) Start() error {
	if !ms.config.Enabled {
		ms.log.Info("service hasn't started since it's disabled")
		return nil
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if ms.started {
		return nil
	}
	for i, srv := range ms.http {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, running := range ms.http[:i] {
				_ = running.Close()
			}
			ms.wg.Wait()
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		srv.Addr = ln.Addr().String()
		ms.log.Info("service is running", zap.String("endpoint", srv.Addr))
		ms.wg.Add(1)
		go func(srv *http.Server) {
			defer ms.wg.Done()
			err := srv.Serve(ln)
			if !errors.Is(err, http.ErrServerClosed) {
				ms.log.Error("failed to serve", zap.String("endpoint", srv.Addr), zap.Error(err))
			}
		}(srv)
	}
	ms.started = true
	return nil
}

// Addresses returns the addresses service listens on, actual ports are
// known after Start.
func (ms *Service) Addresses() []string {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	addrs := make([]string, 0, len(ms.http))
	for _, srv := range ms.http {
		addrs = append(addrs, srv.Addr)
	}
	return addrs
}

// ShutDown stops the service.
func (ms *Service) ShutDown() {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if !ms.started {
		return
	}
	for _, srv := range ms.http {
		ms.log.Info("shutting down service", zap.String("endpoint", srv.Addr))
		err := srv.Shutdown(context.Background())
		if err != nil {
			ms.log.Error("can't shut service down", zap.String("endpoint", srv.Addr), zap.Error(err))
		}
	}
	ms.wg.Wait()
	ms.started = false
}
