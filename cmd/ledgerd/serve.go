package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicos/ledger/api"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root)
		},
	}
}

func runServe(ctx context.Context, root *rootOptions) error {
	rt, err := loadRuntime(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = rt.logger.Sync() }()

	if err := rt.ledger.Start(ctx); err != nil {
		_ = rt.store.Close()
		return err
	}

	if !rt.cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.New(rt.ledger, rt.logger), rt.cfg.Server.BasePath)
	router.GET("/healthz", func(c *gin.Context) {
		if err := rt.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if rt.cfg.Metrics.Enabled {
		router.GET(rt.cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})))
	}

	srv := &http.Server{Addr: rt.cfg.Server.Address, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("listening", zap.String("address", srv.Addr), zap.String("base_path", rt.cfg.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = rt.ledger.Stop(context.Background())
			return errors.Wrap(err, "listen")
		}
	}

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
	defer cancel()

	serr := srv.Shutdown(shutdownCtx)
	lerr := rt.ledger.Stop(shutdownCtx)
	return errors.CombineErrors(serr, lerr)
}
