package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/arl/statsviz"

	"github.com/ahrav/volscan/pkg/common/logger"
)

// DebugMux returns a mux serving pprof profiles and the statsviz runtime
// dashboard under /debug/.
func DebugMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := statsviz.Register(mux); err != nil {
		return nil, err
	}
	return mux, nil
}

// StartDebug serves DebugMux on addr until ctx ends.
func StartDebug(ctx context.Context, addr string, log *logger.Logger) error {
	mux, err := DebugMux()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "starting debug server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
