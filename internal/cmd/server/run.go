// Package server wires storage, the sync backend, and both network
// adapters into one process lifecycle.
package server

import (
	"context"
	"errors"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/livestorejs/syncd/internal/config"
	httpserver "github.com/livestorejs/syncd/internal/server/http"
	"github.com/livestorejs/syncd/internal/server/ws"
	pebblestore "github.com/livestorejs/syncd/internal/storage/pebble"
	"github.com/livestorejs/syncd/internal/sync"
	logpkg "github.com/livestorejs/syncd/pkg/log"
)

// Run starts the sync service and blocks until ctx is canceled or a
// listener fails. The HTTP adapter and the WebSocket adapter each get
// their own listener so operators can firewall them independently.
func Run(ctx context.Context, cfg config.Config, logger logpkg.Logger) error {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	logger.Info("opening storage", logpkg.Str("dataDir", dataDir))
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: dataDir,
		Fsync:   pebblestore.FsyncModeInterval,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	backend := sync.NewBackend(db, sync.Options{
		Logger:      logger.WithComponent("sync"),
		AdminSecret: cfg.AdminSecret,
		Limits: sync.Limits{
			MaxBatchEvents:  cfg.MaxBatchEvents,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
	})
	defer backend.Close()

	httpHandler := httpserver.NewServer(backend, httpserver.Options{
		Logger: logger.WithComponent("http"),
	}).Handler()
	wsHandler := ws.NewServer(backend, ws.Options{
		Logger: logger.WithComponent("ws"),
	}).Handler()

	servers := []*http.Server{
		{Addr: cfg.HTTPAddr, Handler: httpHandler, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.WSAddr, Handler: wsHandler, ReadHeaderTimeout: 10 * time.Second},
	}
	names := []string{"http", "ws"}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		logger.Info("listening", logpkg.Str("adapter", names[i]), logpkg.Str("addr", srv.Addr))
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	var failure error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case failure = <-errCh:
		logger.Error("listener failed", logpkg.Err(failure))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg stdsync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			_ = srv.Shutdown(shutdownCtx)
		}(srv)
	}
	wg.Wait()
	return failure
}
