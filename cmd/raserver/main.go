// Command raserver serves named SQL statements over the ra protocol.
//
// Usage:
//
//	raserver -config raserver.yaml [-env .env]
//
// Commands:
//
//	0 ping   built-in liveness check
//	1 query  {statement, args, limit} -> {columns, rows}
//	2 exec   {statement, args} or {batch: [...]} -> {rows_affected}
//	3 stats  -> connection and pool counters
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ice-blockchain/go-ra"
	"github.com/ice-blockchain/go-ra/config"
	"github.com/ice-blockchain/go-ra/metrics"
	"github.com/ice-blockchain/go-ra/pool"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *envFile); err != nil {
		log.Fatalf("raserver: %v", err)
	}
}

func run(ctx context.Context, configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}

	zl, err := newZapLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer zl.Sync() //nolint:errcheck

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	logger := collector.Logger(zapLogger{log: zl})

	connector, closeConnector, err := newConnector(cfg.DB)
	if err != nil {
		return err
	}
	defer closeConnector()

	p, err := pool.New(ctx, connector, cfg.PoolOpts(logger))
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	defer p.Close()
	collector.WatchPool(p)

	svc := newService(p, cfg.Statements)
	dispatcher := ra.NewDispatcher(ra.DispatcherOpts{
		Validator: ra.ValidatorFunc(svc.validate),
		Logger:    logger,
	})
	svc.register(dispatcher)

	opts := cfg.ServerOpts(logger, collector)
	srv := ra.NewServer(dispatcher, opts)
	svc.server = srv
	collector.WatchServer(srv)

	ln, err := ra.Listen(cfg.Server.Listen, opts.Transport, opts.Ssl)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	zl.Info("serving", zap.String("addr", ln.Addr().String()))

	var httpSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		httpSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, ra.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if httpSrv != nil {
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var result *multierror.Error
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, ra.ErrServerClosed) {
			result = multierror.Append(result, err)
		}
		if httpSrv != nil {
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	})
	return g.Wait()
}

func newConnector(db config.DB) (pool.Connector, func(), error) {
	switch db.Driver {
	case config.DriverPgx:
		connector, err := pool.NewPgxConnector(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("create pgx connector: %w", err)
		}
		return connector, func() {}, nil
	default:
		connector, err := pool.NewSQLConnector(db.Driver, db.DSN, db.Size)
		if err != nil {
			return nil, nil, fmt.Errorf("create sql connector: %w", err)
		}
		return connector, func() { connector.Close() }, nil
	}
}
