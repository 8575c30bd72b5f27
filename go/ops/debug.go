package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// ServeDebug runs the /metrics and /healthz listener until ctx is
// canceled. A port of zero disables the listener.
func ServeDebug(ctx context.Context, port int) error {
	if port == 0 {
		<-ctx.Done()
		return nil
	}

	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	var errCh = make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.WithField("port", port).Info("serving debug endpoints")

	select {
	case <-ctx.Done():
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("debug listener: %w", err)
	}
}
