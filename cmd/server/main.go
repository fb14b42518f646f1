package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zref/internal/app"
	"github.com/zzenonn/zref/internal/config"
	"github.com/zzenonn/zref/internal/logging"
	"github.com/zzenonn/zref/internal/metrics"
	"github.com/zzenonn/zref/internal/repository/migrate"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "zrefd",
	Short:        "zref scheduling daemon",
	Long:         "Runs the dispatcher loop, the job runner, the cache and request purges and serves Prometheus metrics.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		doMigrate, _ := cmd.Flags().GetBool("migrate")
		return serve(cmd.Context(), doMigrate)
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("log_level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("metrics_addr", ":9090", "listen address of the metrics endpoint, empty to disable")
	rootCmd.PersistentFlags().Bool("migrate", false, "create missing DynamoDB tables before starting")
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(cfgFile, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)
}

func serve(ctx context.Context, doMigrate bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Jobs are drained on shutdown, not interrupted.
	zref, err := app.New(context.WithoutCancel(ctx), cfg, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := zref.Close(); err != nil {
			log.Warnf("Close failed: %v", err)
		}
	}()

	if doMigrate && zref.Database != nil {
		if err := migrate.Up(ctx, zref.Database.Client, migrate.All(cfg.Store.TablePrefix)); err != nil {
			return fmt.Errorf("failed to migrate the database: %w", err)
		}
	}

	var server *metrics.Server
	if cfg.MetricsAddr != "" {
		server = metrics.NewServer(cfg.MetricsAddr, zref.Gatherer)
		server.Start()
	}

	go zref.Maintain(ctx, cfg.Scheduler.PurgeInterval)
	zref.Dispatcher.Start(ctx)
	log.Infof("zrefd started with %d locations", len(zref.Registry.List()))

	<-ctx.Done()
	log.Info("Shutting down")
	zref.Dispatcher.Stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Metrics server shutdown failed: %v", err)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
