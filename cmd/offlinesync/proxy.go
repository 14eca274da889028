package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/huykn/offline-sync/edgeproxy"
	"github.com/huykn/offline-sync/metrics"
	"github.com/huykn/offline-sync/storage"
	offsync "github.com/huykn/offline-sync/sync"
)

const shutdownTimeout = 10 * time.Second

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Proxy.Listen = listen
	}
	if origin, _ := cmd.Flags().GetString("origin"); origin != "" {
		cfg.Proxy.Origin = origin
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cfg.EdgeProxyOptions()

	if cfg.Redis.Addr != "" {
		store, err := storage.NewRedisStore(storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix + "edge:",
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer store.Close()
		opts.Redis = store

		bus := offsync.NewRedisBus(store.GetClient(), offsync.RedisBusOptions{
			ID:     cfg.NodeID + "-edge",
			Prefix: cfg.Redis.Prefix,
			Logger: cfg.Logger,
		})
		defer bus.Close()
		opts.Bus = bus
	}

	reg := prometheus.NewRegistry()
	if opts.Metrics, err = metrics.New(reg); err != nil {
		return err
	}

	proxy, err := edgeproxy.New(opts)
	if err != nil {
		return err
	}
	if err := proxy.Start(ctx); err != nil {
		return err
	}
	defer proxy.Close()

	servers := []*http.Server{{Addr: cfg.Proxy.Listen, Handler: proxy}}
	if cfg.Proxy.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.Proxy.MetricsListen, Handler: mux})
	}

	cfg.Logger.Info("edge proxy listening",
		"addr", cfg.Proxy.Listen,
		"origin", cfg.Proxy.Origin,
		"version", proxy.Version(),
		"cache", humanize.IBytes(uint64(opts.LocalCacheConfig.MaxCost)),
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
