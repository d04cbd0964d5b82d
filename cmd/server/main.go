package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/richardliu001/coinledger/internal/app"
	"github.com/richardliu001/coinledger/internal/autopay"
	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/logger"
	httptransport "github.com/richardliu001/coinledger/internal/transport/http"
)

func configPath() string {
	if p := os.Getenv("LEDGER_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. storage, cache, services
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer a.Close()

	// 4. gin router
	gin.SetMode(gin.ReleaseMode)
	router := httptransport.NewRouter(&httptransport.Handler{
		Balances:  a.Balances,
		Admin:     a.Admin,
		Autopay:   a.Autopay,
		Shops:     a.Shops,
		ExportDir: cfg.Export.Dir,
		Log:       log,
	}, cfg.RateLimit, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 5. serve until signalled
	g, gctx := errgroup.WithContext(ctx)
	if a.Autopay != nil {
		sched := autopay.NewScheduler(a.Autopay, cfg.Autopay.TickInterval, log)
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		log.Infof("ledger server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Errorf("server stopped: %v", err)
		return
	}
	log.Info("server stopped")
}
