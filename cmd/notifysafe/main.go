package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/notifysafe/internal/app"
	"github.com/foxzi/notifysafe/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "notifysafe",
	Short: "NotifySafe - notification delivery orchestrator",
	Long: `NotifySafe delivers notifications over email, SMS and in-app channels
with ordered fallback, retries and an inbox for undeliverable messages.
Every attempt is written to an append-only audit log.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long:  `Start the HTTP API, event consumers and background workers.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("notifysafe version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults and NOTIFYSAFE_* env when empty)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStores opens the configured stores for offline commands.
// The server must not be running against a bolt file at the same time.
func openStores() (*config.Config, *app.Stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	stores, err := app.OpenStores(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if cfg.Storage.ShouldSeed() {
		if err := stores.Seed(context.Background(), cliLogger(cfg)); err != nil {
			stores.Close()
			return nil, nil, err
		}
	}
	return cfg, stores, nil
}

// cliLogger only reports warnings so command output stays readable
func cliLogger(cfg *config.Config) *slog.Logger {
	lc := cfg.Logging
	if lc.Level == "debug" || lc.Level == "info" {
		lc.Level = "warn"
	}
	lc.Format = "text"
	return app.NewLogger(lc)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app.Version = version
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Name:     %s\n", cfg.Server.Name)
	fmt.Printf("  API:      %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage:  %s (%s)\n", cfg.Storage.Path, cfg.Storage.Driver)
	fmt.Printf("  Policy:   %s (max attempts %d)\n", cfg.Delivery.DefaultPolicy, cfg.Delivery.MaxAttempts)
	if cfg.Consumer.Kafka.Enabled {
		fmt.Printf("  Kafka:    %v topic %s\n", cfg.Consumer.Kafka.Brokers, cfg.Consumer.Kafka.Topic)
	}
	if cfg.Consumer.AMQP.Enabled {
		fmt.Printf("  AMQP:     queue %s\n", cfg.Consumer.AMQP.Queue)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:  %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
