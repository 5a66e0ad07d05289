package metrics

import (
	"net/http"
	"net/http/pprof"

	"github.com/nspcc-dev/msgmon/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewPrometheusService creates a service exposing collectors of the default
// registry (monitor metrics included) at /metrics.
func NewPrometheusService(cfg config.BasicService, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(log),
			ErrorHandling: promhttp.ContinueOnError,
		})))
	return newHTTPService("Prometheus", mux, cfg, log)
}

// NewPprofService creates a service exposing runtime profiles at
// /debug/pprof/.
func NewPprofService(cfg config.BasicService, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	for path, h := range map[string]http.HandlerFunc{
		"/debug/pprof/":        pprof.Index,
		"/debug/pprof/cmdline": pprof.Cmdline,
		"/debug/pprof/profile": pprof.Profile,
		"/debug/pprof/symbol":  pprof.Symbol,
		"/debug/pprof/trace":   pprof.Trace,
	} {
		mux.HandleFunc(path, h)
	}
	return newHTTPService("Pprof", mux, cfg, log)
}

// newHTTPService creates a server for every configured address, all of them
// sharing the same handler.
func newHTTPService(name string, handler http.Handler, cfg config.BasicService, log *zap.Logger) *Service {
	addrs := cfg.GetAddresses()
	srvs := make([]*http.Server, 0, len(addrs))
	for _, addr := range addrs {
		srvs = append(srvs, &http.Server{
			Addr:    addr,
			Handler: handler,
		})
	}
	return NewService(name, srvs, cfg, log)
}
