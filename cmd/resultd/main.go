// Command resultd runs a Flight result host backed by DuckDB.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugr-lab/resultflight"
	"github.com/hugr-lab/resultflight/executor/duckdb"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "resultd",
		Short: "Flight result host",
		Long: `resultd buffers query results and serves them to clients over Apache Arrow Flight.
Queries submitted through the streaming protocol run on an embedded DuckDB database.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./resultd.yaml or /etc/resultd/resultd.yaml)")

	flags.String("host", "", "interface to bind (default: all)")
	flags.Int("port", resultflight.DefaultPort, "Flight port")
	flags.String("advertise-host", "", "host name advertised in ticket locations (default: canonical host name)")
	flags.String("node-id", "", "node id in ticket paths (default: store instance id)")
	flags.Int("max-message-size", 0, "maximum gRPC message size in bytes (0 = gRPC default)")
	flags.Duration("shutdown-timeout", resultflight.DefaultShutdownTimeout, "graceful shutdown timeout")

	flags.Int64("arena-limit", 0, "maximum bytes of buffered results (0 = unbounded)")
	flags.Duration("idle-timeout", 5*time.Minute, "how long an unclaimed result chunk is kept")
	flags.Duration("query-retention", 0, "how long finished queries stay queryable (0 = default)")

	flags.String("duckdb-dsn", "", "DuckDB database path (empty = in-memory)")
	flags.Int("batch-size", duckdb.DefaultBatchSize, "rows per result batch")
	flags.Int("batches-per-chunk", 1, "result batches per ticket")

	flags.StringSlice("token", nil, "accepted bearer token as token=identity (repeatable)")

	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS key file")
	flags.String("tls-client-ca", "", "CA file for verifying client certificates")
	flags.Bool("tls-self-signed", false, "serve with a throwaway self-signed certificate")

	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("metrics-addr", "", "Prometheus metrics listen address (empty = disabled)")

	bind := map[string]string{
		"server.host":              "host",
		"server.port":              "port",
		"server.advertise_host":    "advertise-host",
		"server.node_id":           "node-id",
		"server.max_message_size":  "max-message-size",
		"server.shutdown_timeout":  "shutdown-timeout",
		"store.arena_limit":        "arena-limit",
		"store.idle_timeout":       "idle-timeout",
		"store.query_retention":    "query-retention",
		"duckdb.dsn":               "duckdb-dsn",
		"duckdb.batch_size":        "batch-size",
		"duckdb.batches_per_chunk": "batches-per-chunk",
		"auth.tokens":              "token",
		"tls.cert_file":            "tls-cert",
		"tls.key_file":             "tls-key",
		"tls.client_ca_file":       "tls-client-ca",
		"tls.self_signed":          "tls-self-signed",
		"logging.level":            "log-level",
		"logging.format":           "log-format",
		"metrics.addr":             "metrics-addr",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

// serve runs the host until ctx is canceled.
func serve(ctx context.Context, config *Config) error {
	logger, err := config.Logging.Logger()
	if err != nil {
		return err
	}
	authenticator, err := config.Auth.Authenticator()
	if err != nil {
		return err
	}

	hosts := []string{"localhost", "127.0.0.1"}
	if config.Server.AdvertiseHost != "" {
		hosts = append([]string{config.Server.AdvertiseHost}, hosts...)
	}
	creds, err := config.TLS.Credentials(hosts)
	if err != nil {
		return err
	}

	exec, err := duckdb.Open(config.DuckDB.DSN, duckdb.Options{
		BatchSize:       config.DuckDB.BatchSize,
		BatchesPerChunk: config.DuckDB.BatchesPerChunk,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer exec.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	host, err := resultflight.NewHost(resultflight.HostConfig{
		Host:              config.Server.Host,
		Port:              config.Server.Port,
		AdvertiseHost:     config.Server.AdvertiseHost,
		NodeID:            config.Server.NodeID,
		MaxMessageSize:    config.Server.MaxMessageSize,
		ShutdownTimeout:   config.Server.ShutdownTimeout,
		ArenaLimit:        config.Store.ArenaLimit,
		IdleTimeout:       config.Store.IdleTimeout,
		QueryRetention:    config.Store.QueryRetention,
		Executor:          exec,
		Auth:              authenticator,
		TLS:               creds,
		Logger:            logger,
		MetricsRegisterer: registry,
	})
	if err != nil {
		return err
	}
	if err := host.Start(); err != nil {
		host.Close()
		return err
	}

	var metricsServer *http.Server
	if config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		metricsServer = &http.Server{
			Addr:              config.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		logger.Info("Metrics server started", "address", config.Metrics.Addr)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- host.AwaitTermination() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		logger.Error("Flight host stopped serving", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if cerr := host.Close(); cerr != nil && !errors.Is(cerr, resultflight.ErrHostClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}
