package bakerd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"
)

// debugListener is one optional HTTP side listener (metrics or pprof)
// with its own lifecycle, kept apart from the reactor-owned sockets.
type debugListener struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

func (d *debugListener) stop(ctx context.Context, logger pslog.Logger) error {
	err := d.srv.Shutdown(ctx)
	_ = d.ln.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		if logger != nil {
			logger.Warn("telemetry.stop_failure", "listener", d.name, "error", err)
		}
		return fmt.Errorf("%s shutdown: %w", d.name, err)
	}
	return nil
}

type telemetryBundle struct {
	listeners []*debugListener
	logger    pslog.Logger
}

// Shutdown stops every telemetry listener, joining their errors.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	for _, d := range t.listeners {
		if err := d.stop(ctx, t.logger); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if t.logger != nil {
		t.logger.Info("telemetry.stopped")
	}
	return nil
}

// setupTelemetry starts the optional metrics and pprof listeners and
// returns nil when both addresses are empty. The registry already
// carries the reactor, hub and coordinator collectors.
func setupTelemetry(metricsListen, pprofListen string, registry *prometheus.Registry, logger pslog.Logger) (*telemetryBundle, error) {
	metricsListen = strings.TrimSpace(metricsListen)
	pprofListen = strings.TrimSpace(pprofListen)
	if metricsListen == "" && pprofListen == "" {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	bundle := &telemetryBundle{logger: logger}

	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		d, err := startDebugListener("metrics", metricsListen, mux, logger)
		if err != nil {
			return nil, err
		}
		bundle.listeners = append(bundle.listeners, d)
		logger.Info("telemetry.metrics.listen", "address", d.ln.Addr().String())
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		d, err := startDebugListener("pprof", pprofListen, mux, logger)
		if err != nil {
			for _, started := range bundle.listeners {
				_ = started.stop(context.Background(), logger)
			}
			return nil, err
		}
		bundle.listeners = append(bundle.listeners, d)
		logger.Info("telemetry.pprof.listen", "address", d.ln.Addr().String())
	}

	return bundle, nil
}

func startDebugListener(name, addr string, mux *http.ServeMux, logger pslog.Logger) (*debugListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Warn("telemetry.serve_error", "listener", name, "error", err)
			}
		}
	}()
	return &debugListener{name: name, srv: srv, ln: ln}, nil
}
