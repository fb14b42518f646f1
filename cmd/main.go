package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zzenonn/zref/internal/app"
	"github.com/zzenonn/zref/internal/config"
	"github.com/zzenonn/zref/internal/logging"
	"github.com/zzenonn/zref/internal/repository/migrate"
)

var (
	cfgFile string
	cfg     *config.Config
	zref    *app.App
)

var rootCmd = &cobra.Command{
	Use:           "zref",
	Short:         "Reference counted file storage across storage locations",
	Long:          "zref keeps track of which owners reference which files on which storage locations, and queues the storage, deletion, restoration and copy work that keeps them in place.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("log_level", "info", "log level: trace, debug, info, warn, error")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the DynamoDB tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if zref.Database == nil {
			fmt.Println("Nothing to migrate for the badger store")
			return nil
		}
		if err := migrate.Up(cmd.Context(), zref.Database.Client, migrate.All(cfg.Store.TablePrefix)); err != nil {
			return fmt.Errorf("failed to migrate the database: %w", err)
		}
		fmt.Println("Database initialized and migrated successfully")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Drop the DynamoDB tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if zref.Database == nil {
			fmt.Println("Nothing to roll back for the badger store")
			return nil
		}
		if err := migrate.Down(cmd.Context(), zref.Database.Client, migrate.All(cfg.Store.TablePrefix)); err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		fmt.Println("Database migrations rolled back successfully")
		return nil
	},
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(cfgFile, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)

	zref, err = app.New(context.Background(), cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
}

// printYAML writes v to stdout.
func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(downCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if zref != nil {
		// Waits for the jobs a schedule command submitted.
		if closeErr := zref.Close(); closeErr != nil {
			log.Warnf("Close failed: %v", closeErr)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
