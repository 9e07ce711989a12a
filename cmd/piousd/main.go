package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pious-project/pious/internal/config"
	"github.com/pious-project/pious/internal/dataserver"
	"github.com/pious-project/pious/internal/metrics"
	"github.com/pious-project/pious/internal/piouslog"
	"github.com/pious-project/pious/internal/txnlog"
	"github.com/pious-project/pious/pkg/wire"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "piousd",
	Short: "piousd - PIOUS data server daemon",
	Long: `piousd runs one data server: it stripes a share of every parafile's
segments on local disk, serves reads and writes from a segmented-LRU
block cache, and participates in two-phase-commit for the transactions
that touch it.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"piousd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to a YAML config file (defaults to built-in config.Default())")
	rootCmd.Flags().String("data-dir", "./pious-data", "Directory holding this server's segment files and redo log")
	rootCmd.Flags().String("listen", "127.0.0.1:9900", "Address to accept client connections on")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9901", "Address for the /metrics HTTP endpoint")
	rootCmd.Flags().Bool("stable", true, "Open a redo log and accept PREPARE for stable transactions")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	piouslog.Init(piouslog.Config{
		Level: piouslog.Level(logLevel),
		JSON:  logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	listen, _ := cmd.Flags().GetString("listen")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	stable, _ := cmd.Flags().GetBool("stable")

	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var redo *txnlog.Log
	if stable {
		log, err := txnlog.Open(dataDir + "/redo.db")
		if err != nil {
			return fmt.Errorf("open redo log: %w", err)
		}
		defer log.Close()
		redo = log
	}

	srv := dataserver.New(cfg, dataDir, redo)

	ln, err := wire.TCP{}.Listen(wire.Endpoint(listen))
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	log := piouslog.WithComponent("piousd")
	log.Info().Str("listen", string(ln.Addr())).Str("data_dir", dataDir).Bool("stable", stable).Msg("starting data server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	go srv.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	cancel()
	return nil
}
