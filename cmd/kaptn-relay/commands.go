package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/aaronlmathis/kaptn-relay/internal/api"
	"github.com/aaronlmathis/kaptn-relay/internal/collector"
	"github.com/aaronlmathis/kaptn-relay/internal/config"
	"github.com/aaronlmathis/kaptn-relay/internal/ingest"
	"github.com/aaronlmathis/kaptn-relay/internal/kube/client"
	"github.com/aaronlmathis/kaptn-relay/internal/kube/informers"
	kubemetrics "github.com/aaronlmathis/kaptn-relay/internal/kube/metrics"
	"github.com/aaronlmathis/kaptn-relay/internal/logging"
	"github.com/aaronlmathis/kaptn-relay/internal/taxonomy"
	"github.com/aaronlmathis/kaptn-relay/internal/timeseries"
	"github.com/aaronlmathis/kaptn-relay/internal/version"
)

type rootOptions struct {
	configPath string
	namespace  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "kaptn-relay",
		Short:         "Relays per-pod CPU and memory usage into an ingestion client",
		Example:       "kaptn-relay collect --namespace default\nkaptn-relay show-config",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&opts.namespace, "namespace", "n", "", "restrict collection to one namespace")

	rootCmd.AddCommand(
		newCollectCmd(opts),
		newShowConfigCmd(opts),
		newVersionCmd(),
	)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// loadConfig resolves file, environment and flag settings, flags winning
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if o.namespace != "" {
		cfg.Collector.Namespace = o.namespace
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newCollectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "collect",
		Short:   "Run the collection loop until interrupted",
		Example: "kaptn-relay collect --config relay.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runCollect(ctx, logger, cfg)
		},
	}
}

func runCollect(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	info := version.Get()
	logger.Info("Starting kaptn-relay",
		zap.String("version", info.Version),
		zap.String("gitCommit", info.GitCommit),
		zap.String("buildDate", info.BuildDate),
		zap.String("goVersion", info.GoVersion),
		zap.String("namespace", cfg.Collector.Namespace),
	)

	factory, err := client.NewFactory(logger, client.ClientMode(cfg.Kubernetes.Mode), cfg.Kubernetes.KubeconfigPath)
	if err != nil {
		return err
	}
	if err := factory.ValidateConnection(); err != nil {
		return err
	}

	var pods collector.PodLister = kubemetrics.NewPodsAdapter(logger, factory.Client())
	if cfg.Collector.PodSource == "informer" {
		manager := informers.NewManager(logger, factory.Client(), cfg.Collector.Namespace, informers.DefaultResync)
		if err := manager.Start(ctx); err != nil {
			return err
		}
		defer manager.Stop()
		pods = manager
	}

	usage := kubemetrics.NewAPIMetricsAdapter(logger, factory.Client(), factory.MetricsClient())
	if !usage.HasMetricsAPI(ctx) {
		logger.Warn("metrics.k8s.io is not available, pods will be registered without samples")
	}

	sink := ingest.NewClient(logger, ingestConfig(cfg))
	sink.Start(ctx)
	defer sink.Stop()

	coll, err := collector.New(logger, pods, usage, sink, collector.Options{
		Namespace:     cfg.Collector.Namespace,
		LabelSelector: cfg.Collector.LabelSelector,
		Workers:       cfg.Collector.Workers,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coll.Run(gctx)
	})
	if cfg.Server.Enabled {
		server := api.NewServer(logger, cfg.Server.Addr, sink, coll.Registry())
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("kaptn-relay stopped with error", zap.Error(err))
		return err
	}
	logger.Info("kaptn-relay exited")
	return nil
}

func ingestConfig(cfg *config.Config) ingest.Config {
	ic := ingest.DefaultConfig()
	ic.Resolution = cfg.Ingest.ResolutionDuration()
	ic.ConfirmDelay = cfg.Ingest.ConfirmDelayDuration()
	ic.RegisterRate = cfg.Ingest.RegisterRate
	ic.RegisterBurst = cfg.Ingest.RegisterBurst
	ic.Store = timeseries.Config{
		Retention:          cfg.Ingest.RetentionDuration(),
		MaxSeries:          cfg.Ingest.MaxSeries,
		MaxPointsPerSeries: cfg.Ingest.MaxPointsPerSeries,
	}
	return ic
}

func newShowConfigCmd(opts *rootOptions) *cobra.Command {
	var effective bool

	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "Print the element kinds and metric codes the relay reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			printTaxonomy(cmd.OutOrStdout())
			if !effective {
				return nil
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nEffective configuration:")
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&effective, "effective", false, "also print the resolved configuration")

	return cmd
}

func printTaxonomy(w io.Writer) {
	fmt.Fprintln(w, "Element kinds:")
	for _, kind := range taxonomy.ElementKinds() {
		fmt.Fprintf(w, "  %s\n", kind)
	}
	fmt.Fprintln(w, "Metric codes:")
	for _, code := range taxonomy.MetricCodes() {
		fmt.Fprintf(w, "  %s\n", code)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}

