package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	eventbus "github.com/glimte/eventbus-go"
	"github.com/glimte/eventbus-go/config"
	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/health"
	"github.com/glimte/eventbus-go/interceptors"
	"github.com/glimte/eventbus-go/messaging"
	"github.com/glimte/eventbus-go/metrics"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath  string
	logFormat   string
	verbose     bool
	metricsAddr string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "eventbus",
		Short: "Publish and consume integration events over RabbitMQ",
		Long: `eventbus publishes integration events to the configured topic exchange
and listens for them on the configured consumer queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file (yaml, json or toml); EVENTBUS_* env vars override it")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address (e.g. :9090)")

	rootCmd.AddCommand(
		newPublishCmd(flags),
		newListenCmd(flags),
		newConfigCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "publish <event-name> [json-data]",
		Short: "Publish one integration event",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := json.RawMessage("null")
			if len(args) == 2 {
				data = json.RawMessage(args[1])
			}

			var options []contracts.EventOption
			if id != "" {
				options = append(options, contracts.WithEventID(id))
			}
			event, err := contracts.NewIntegrationEvent(args[0], data, options...)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			bus, _, err := newBus(ctx, flags)
			if err != nil {
				return err
			}
			defer bus.Close()

			if !bus.Publish(ctx, event) {
				return fmt.Errorf("event %s was not accepted by the broker", event.ID())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", event)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Event ID (defaults to a new UUID)")
	return cmd
}

func newListenCmd(flags *globalFlags) *cobra.Command {
	var (
		retryCount int
		noAck      bool
	)

	cmd := &cobra.Command{
		Use:   "listen <event-name>...",
		Short: "Print events as they arrive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			bus, fatal, err := newBus(ctx, flags)
			if err != nil {
				return err
			}
			defer bus.Close()
			logger := bus.Logger()

			out := cmd.OutOrStdout()
			printer := messaging.HandlerFunc(func(_ context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope) {
				fmt.Fprintf(out, "%s %s attempt=%d data=%s\n",
					event.CreatedDate().Format(time.RFC3339), event, env.Attempt, event.Data())
				done(nil)
			})
			handler := interceptors.Chain(printer, interceptors.NewLoggingInterceptor(logger))

			for _, name := range args {
				err := bus.Subscribe(ctx, name, handler,
					messaging.WithRetryCount(retryCount),
					messaging.WithNoAck(noAck))
				if err != nil {
					return fmt.Errorf("failed to subscribe to %s: %w", name, err)
				}
			}
			logger.Info("listening", "events", args)

			select {
			case <-ctx.Done():
				return nil
			case <-fatal.Done():
				return fatal.Err()
			}
		},
	}

	cmd.Flags().IntVar(&retryCount, "retry-count", messaging.DefaultRetryCount, "Redeliveries before a failing event is rejected")
	cmd.Flags().BoolVar(&noAck, "no-ack", false, "Consume in auto-ack mode")
	return cmd
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			cfg.Password = ""

			enc := codec.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "url:", cfg.Redacted())
			return nil
		},
	}
}

// newBus builds the bus from flags. The returned checker owns the bus Fatal
// channel.
func newBus(ctx context.Context, flags *globalFlags) (*eventbus.Bus, *health.FatalChecker, error) {
	logger, err := newLogger(flags.logFormat, flags.verbose)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}

	var (
		recorder metrics.Recorder = metrics.Nop{}
		registry *prometheus.Registry
	)
	if flags.metricsAddr != "" {
		registry = prometheus.NewRegistry()
		prom, err := metrics.NewPrometheus(registry, "")
		if err != nil {
			return nil, nil, err
		}
		recorder = prom
	}

	bus, err := eventbus.New(cfg,
		eventbus.WithLogger(logger),
		eventbus.WithMetrics(recorder))
	if err != nil {
		return nil, nil, err
	}

	fatal := health.NewFatalChecker(ctx, bus.Fatal())
	if registry != nil {
		checks := health.NewRegistry()
		checks.Register(health.NewConnectionChecker(bus))
		checks.Register(fatal)
		serve(ctx, flags.metricsAddr, registry, checks, logger)
	}
	return bus, fatal, nil
}

func newLogger(format string, verbose bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func serve(ctx context.Context, addr string, registry *prometheus.Registry, checks *health.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.Handler(checks, logger))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
