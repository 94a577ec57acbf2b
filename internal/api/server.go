package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Run serves the API on listen until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("listen", listen).
			Build()
	}
	return c.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is cancelled, then shuts down
// gracefully.
func (c *Controller) Serve(ctx context.Context, ln net.Listener) error {
	c.Echo.Listener = ln
	errCh := make(chan error, 1)
	go func() {
		c.log.Info("api listening", logger.String("addr", ln.Addr().String()))
		errCh <- c.Echo.Start("")
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).Component("api").Category(errors.CategoryNetwork).Build()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Echo.Shutdown(shutdownCtx); err != nil {
		return errors.New(err).Component("api").Category(errors.CategorySystem).Build()
	}
	<-errCh
	return nil
}
