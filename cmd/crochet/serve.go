package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stitchworks/crochet3d/internal/config"
	"github.com/stitchworks/crochet3d/internal/engine"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/observability"
	"github.com/stitchworks/crochet3d/internal/rpc"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var grpcAddr, metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the AssemblyService over gRPC with Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if grpcAddr != "" {
				cfg.Server.GRPCAddr = grpcAddr
			}
			if metricsAddr != "" {
				cfg.Server.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts.configPath)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "TCP address the gRPC server listens on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (empty config value disables)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, configPath string) error {
	log := logging.New(cfg.Logging)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	collector, err := observability.NewRPCCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return err
	}

	eng, err := engine.New(ctx, cfg, engine.WithLogger(log), engine.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer eng.Close()

	server := rpc.NewServer(eng, log, collector)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Server.GRPCAddr), logging.Err(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	log.Info(ctx, "starting gRPC server", logging.String("addr", lis.Addr().String()))
	g.Go(func() error { return server.Serve(lis) })
	g.Go(func() error { return eng.Run(gctx) })

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		log.Info(ctx, "serving Prometheus metrics", logging.String("addr", cfg.Server.MetricsAddr))
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, log, func(next config.Config) {
				if err := eng.Apply(gctx, next); err != nil {
					log.Warn(gctx, "config reload not applied", logging.Err(err))
				}
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down")
		server.GracefulStop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}
