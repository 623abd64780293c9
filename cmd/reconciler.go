/*
Copyright © 2026 Deutsche Telekom AG
*/
package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/telekom/openapi-discovery-operator/internal/system"
	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
	"github.com/telekom/openapi-discovery-operator/pkg/discovery"
	"github.com/telekom/openapi-discovery-operator/pkg/record"
	"github.com/telekom/openapi-discovery-operator/pkg/tracing"
)

var (
	enableLeaderElection    bool
	resyncInterval          time.Duration
	gracefulShutdownTimeout time.Duration
)

// reconcilerCmd represents the reconciler command
var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Keep the discovery record in sync with the documented Services",
	Long: `Run the reconciler which lists and watches Services in the configured
namespaces and commits the set of documented APIs to the discovery ConfigMap
whenever it changes.

Only the elected leader writes the record. Standby replicas report ready.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateReconcilerFlags(resyncInterval, gracefulShutdownTimeout); err != nil {
			return err
		}
		scope, err := cfg.Scope()
		if err != nil {
			return err
		}
		key := cfg.RecordKey()
		resync := resyncInterval
		if resync == 0 {
			resync = -1
		}

		setupLog.Info("starting reconciler",
			"scope", scope.String(),
			"record", key.String(),
			"enableLeaderElection", enableLeaderElection,
			"debounce", cfg.Debounce,
			"commitAttempts", cfg.CommitAttempts,
			"resyncInterval", resyncInterval,
		)

		ctx := ctrl.SetupSignalHandler()

		provider, err := tracing.Setup(ctx, tracingCfg, system.Version)
		if err != nil {
			return fmt.Errorf("unable to set up tracing: %w", err)
		}
		defer func() {
			if err := provider.Shutdown(ctx); err != nil {
				setupLog.Error(err, "unable to flush traces")
			}
		}()

		restConfig, err := ctrl.GetConfig()
		if err != nil {
			return fmt.Errorf("unable to get kubeconfig: %w", err)
		}

		mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
			Scheme:                  scheme,
			Metrics:                 metricsserver.Options{BindAddress: metricsAddr},
			HealthProbeBindAddress:  probeAddr,
			LeaderElection:          enableLeaderElection,
			LeaderElectionID:        "openapi-discovery.telekom.com",
			LeaderElectionNamespace: cfg.CurrentNamespace(),
			GracefulShutdownTimeout: &gracefulShutdownTimeout,
		})
		if err != nil {
			return fmt.Errorf("unable to start manager: %w", err)
		}

		// Uncached client, the reconciler runs its own list+watch.
		c, err := client.NewWithWatch(restConfig, client.Options{Scheme: scheme})
		if err != nil {
			return fmt.Errorf("unable to create client: %w", err)
		}

		reconciler := discovery.NewReconciler(
			discovery.SourcesForScope(c, scope),
			record.NewConfigMapStore(c, key),
			discovery.Options{
				Extractor:      apidoc.Extractor{ClusterDomain: cfg.ClusterDomain},
				Debounce:       cfg.Debounce,
				CommitBackoff:  record.NewCommitBackoff(cfg.CommitAttempts),
				ResyncInterval: resync,
				Tracer:         provider.Tracer(),
			},
		)
		if err := mgr.Add(reconciler); err != nil {
			return fmt.Errorf("unable to add reconciler to manager: %w", err)
		}

		if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
			return fmt.Errorf("unable to set up health check: %w", err)
		}
		if err := mgr.AddReadyzCheck("readyz", reconciler.ReadyCheck); err != nil {
			return fmt.Errorf("unable to set up ready check: %w", err)
		}

		setupLog.Info("starting manager")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("problem running manager: %w", err)
		}
		return nil
	},
}

func validateReconcilerFlags(resync, shutdown time.Duration) error {
	if resync < 0 {
		return errors.New("--resync-interval must not be negative, use 0 to disable periodic rescans")
	}
	if shutdown < 0 {
		return errors.New("--graceful-shutdown-timeout must not be negative")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(reconcilerCmd)

	reconcilerCmd.Flags().BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager. "+"Enabling this will ensure there is only one active controller manager.")
	reconcilerCmd.Flags().DurationVar(&resyncInterval, "resync-interval", discovery.DefaultResyncInterval,
		"Interval of full rescans that catch missed watch events. Use 0 to disable.")
	reconcilerCmd.Flags().DurationVar(&gracefulShutdownTimeout, "graceful-shutdown-timeout", 30*time.Second,
		"Time to wait for the reconciler to stop after a termination signal.")
}
