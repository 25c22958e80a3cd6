package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/whistle/internal/config"
	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/internal/health"
	"github.com/pingsantohq/whistle/internal/history"
	"github.com/pingsantohq/whistle/internal/metrics"
	"github.com/pingsantohq/whistle/internal/runtime"
	"github.com/pingsantohq/whistle/internal/server"
	"github.com/pingsantohq/whistle/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Serve exposes the probe engine over HTTP until ctx is cancelled.
func Serve(ctx context.Context, args []string, deps Dependencies) error {
	deps = deps.withDefaults()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(deps.Err)
	configPath := fs.String("config", "", "Path to whistle configuration file (default $WHISTLE_CONFIG or "+config.DefaultConfigPath+")")
	listenAddr := fs.String("listen", "", "Override server.listen")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(ctx, *configPath)
	} else {
		cfg, err = config.LoadFromEnv(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}

	logger := deps.Logger
	metricsStore := metrics.NewStore()
	recent := history.NewRing(cfg.Run.History)

	rt := runtime.New(
		runtime.WithJobBuffer(cfg.Run.Queue),
		runtime.WithWorkerOptions(worker.WithWorkerCount(cfg.Run.Workers)),
		runtime.WithMetricsStore(metricsStore),
		runtime.WithRecorder(events.NewLogRecorder(logger)),
		runtime.WithRecorder(recent),
	)

	checker := health.NewChecker(metricsStore, rt.Workers(), rt.Running)
	if err := checker.CheckLoopback(ctx, time.Now().UTC()); err != nil {
		logger.Printf("loopback check failed: %v", err)
	}

	srv := server.New(server.Config{
		Addr:              cfg.Server.Listen,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		MaxListenSessions: cfg.Server.MaxListenSessions,
		MetricsEnabled:    cfg.Metrics.Enabled,
	}, server.Dependencies{
		Logger:  logger,
		Runner:  rt,
		Metrics: metricsStore,
		Checker: checker,
		History: recent,
	})

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	waitWorkers := rt.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("whistle serving on %s (workers=%d)", ln.Addr(), rt.Workers())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if err := checker.CheckLoopback(gctx, now.UTC()); err != nil {
					logger.Printf("loopback check failed: %v", err)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("graceful shutdown failed: %v", err)
		}
		return nil
	})

	if deps.OnListen != nil {
		deps.OnListen(ln.Addr().String())
	}

	err = g.Wait()
	cancel()
	waitWorkers()
	logger.Println("whistle stopped")
	return err
}
