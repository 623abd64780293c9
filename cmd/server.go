/*
Copyright © 2026 Deutsche Telekom AG
*/
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/telekom/openapi-discovery-operator/internal/server"
	"github.com/telekom/openapi-discovery-operator/internal/system"
	"github.com/telekom/openapi-discovery-operator/pkg/config"
	"github.com/telekom/openapi-discovery-operator/pkg/record"
	"github.com/telekom/openapi-discovery-operator/pkg/refresh"
	"github.com/telekom/openapi-discovery-operator/pkg/speccache"
	"github.com/telekom/openapi-discovery-operator/pkg/tracing"
)

var redisConnectTimeout time.Duration

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Refresh and serve the OpenAPI documents of the discovered APIs",
	Long: `Run the documentation server which periodically fetches the OpenAPI
document of every API in the discovery record into the spec cache and serves
the cached documents over HTTP.

Requests are answered from the cache alone, so an unreachable API never slows
down the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLog.Info("starting server",
			"listen", cfg.ListenAddr,
			"cacheBackend", cfg.CacheBackend,
			"refreshInterval", cfg.RefreshInterval,
			"fetchTimeout", cfg.FetchTimeout,
			"fetchConcurrency", cfg.FetchConcurrency,
			"fetchQPS", cfg.FetchQPS,
		)

		ctx := log.IntoContext(ctrl.SetupSignalHandler(), ctrl.Log)

		provider, err := tracing.Setup(ctx, tracingCfg, system.Version)
		if err != nil {
			return fmt.Errorf("unable to set up tracing: %w", err)
		}
		defer func() {
			if err := provider.Shutdown(ctx); err != nil {
				setupLog.Error(err, "unable to flush traces")
			}
		}()

		records, err := newRecordReader()
		if err != nil {
			return err
		}
		cache, err := newSpecCache(ctx)
		if err != nil {
			return err
		}

		engine := refresh.NewEngine(records, cache, refresh.Options{
			Interval:     cfg.RefreshInterval,
			FetchTimeout: cfg.FetchTimeout,
			Concurrency:  cfg.FetchConcurrency,
			QPS:          cfg.FetchQPS,
			HTTPClient:   &http.Client{Transport: provider.Transport(nil)},
			Tracer:       provider.Tracer(),
		})
		srv := server.New(cache, engine, server.Options{
			Addr:        cfg.ListenAddr,
			Middlewares: []func(http.Handler) http.Handler{provider.Middleware("openapi-docs")},
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return engine.Start(gctx) })
		g.Go(func() error { return srv.Start(gctx) })
		if err := g.Wait(); err != nil {
			return fmt.Errorf("problem running server: %w", err)
		}
		return nil
	},
}

// newRecordReader reads the mounted record file when configured and the
// ConfigMap through the API otherwise.
func newRecordReader() (record.Reader, error) {
	if cfg.DiscoveryPath != "" {
		setupLog.Info("reading discovery record from file", "path", cfg.DiscoveryPath)
		return record.NewFileReader(cfg.DiscoveryPath), nil
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("unable to get kubeconfig: %w", err)
	}
	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("unable to create client: %w", err)
	}
	key := cfg.RecordKey()
	setupLog.Info("reading discovery record from ConfigMap", "configmap", key.String())
	return record.NewConfigMapStore(c, key), nil
}

func newSpecCache(ctx context.Context) (speccache.Store, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		rdb, err := speccache.NewRedisClient(ctx, speccache.RedisOptions{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			ConnectTimeout: redisConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return speccache.NewRedisStore(rdb, ""), nil
	default:
		store, err := speccache.NewFileStore(ctx, cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		setupLog.Info("using file spec cache", "dir", store.Dir())
		return store, nil
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().DurationVar(&redisConnectTimeout, "redis-connect-timeout", 30*time.Second,
		"Time to wait for the redis spec cache to become reachable at startup.")
}
