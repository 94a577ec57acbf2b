package observability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
	metricspkg "github.com/tphakala/callaudio/internal/observability/metrics"
)

// Endpoint serves /metrics on its own listener, for deployments that keep
// the control API on loopback but scrape metrics from elsewhere.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
}

// NewEndpoint creates an endpoint for listen. An empty listen address is a
// configuration error; callers mount Metrics.Handler on the API instead.
func NewEndpoint(listen string, metrics *Metrics) (*Endpoint, error) {
	if listen == "" {
		return nil, errors.Newf("metrics listen address not set").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &Endpoint{
		listenAddress: listen,
		metrics:       metrics,
		server: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Run serves until ctx is done, then shuts the server down gracefully.
func (e *Endpoint) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Context("address", e.listenAddress).
			Build()
	}
	return e.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (e *Endpoint) Serve(ctx context.Context, ln net.Listener) error {
	log.Info("metrics endpoint starting", logger.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", logger.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("stopping metrics endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", logger.Error(err))
		return err
	}
	<-errCh
	return nil
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
