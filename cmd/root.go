/*
Copyright © 2026 Deutsche Telekom AG
*/
package cmd

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/telekom/openapi-discovery-operator/internal/system"
	"github.com/telekom/openapi-discovery-operator/pkg/config"
	"github.com/telekom/openapi-discovery-operator/pkg/tracing"
)

var (
	setupLog    logr.Logger
	scheme      *runtime.Scheme
	verbosity   int
	probeAddr   string
	metricsAddr string
	cfg         = config.Default()
	tracingCfg  tracing.Config
)

// sensitivePattern matches flag names whose values must not be logged.
var sensitivePattern = regexp.MustCompile(`(?i)(token|secret|password|passphrase|key|auth|credential|private|cert|bearer|client[-_]id)`)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "openapi-discovery-operator",
	Short: "Discover and serve the OpenAPI documents of cluster services",
	Long: `openapi-discovery-operator watches Services annotated with api-doc.io/enabled,
maintains a discovery ConfigMap listing their APIs and serves the cached
OpenAPI documents of those APIs.

The reconciler command keeps the discovery record in sync with the cluster.
The server command refreshes the documents and serves them over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := flag.Set("v", strconv.Itoa(verbosity)); err != nil {
			return fmt.Errorf("unable to set verbosity: %w", err)
		}
		ctrl.SetLogger(klog.NewKlogr())
		setupLog = ctrl.Log.WithName("setup")
		setupLog.Info("app info", "name", system.Name, "version", system.Version, "commit", system.Commit)

		if err := cfg.LoadEnv(os.LookupEnv, cmd.Flags()); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		setupLog.V(1).Info("effective flags", "flags", redactSensitiveFlags(cmd.Flags()))
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := tracingCfg.Validate(); err != nil {
			return fmt.Errorf("invalid tracing configuration: %w", err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	setupLog = ctrl.Log.WithName("setup")
	klog.InitFlags(nil)
	cobra.OnInitialize(initScheme)

	flags := rootCmd.PersistentFlags()
	flags.IntVarP(&verbosity, "verbosity", "v", 2, "Log level (0-9)")
	flags.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flags.StringVar(&metricsAddr, "metrics-bind-address", ":8082",
		"The address the metric endpoint binds to. Use 0 to disable the metrics server.")
	flags.BoolVar(&tracingCfg.Enabled, "tracing-enabled", false, "Export OpenTelemetry traces.")
	flags.StringVar(&tracingCfg.Endpoint, "tracing-endpoint", "localhost:4317", "OTLP gRPC collector endpoint.")
	flags.Float64Var(&tracingCfg.SamplingRate, "tracing-sampling-rate", 0.1, "Ratio of traces to sample (0.0 to 1.0).")
	flags.BoolVar(&tracingCfg.Insecure, "tracing-insecure", false, "Disable TLS for the OTLP exporter.")
	cfg.BindFlags(flags)
}

func initScheme() {
	scheme = runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// redactSensitiveFlags returns all flag values of fs with sensitive values replaced.
func redactSensitiveFlags(fs *pflag.FlagSet) map[string]string {
	values := map[string]string{}
	fs.VisitAll(func(f *pflag.Flag) {
		if sensitivePattern.MatchString(f.Name) {
			values[f.Name] = "[REDACTED]"
			return
		}
		values[f.Name] = f.Value.String()
	})
	return values
}
