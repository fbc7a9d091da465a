// Command consent-server runs the consent lifecycle manager: the gRPC API, the
// gateway callback endpoint and the expiry sweeper.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/consent-keeper/internal/config"
	"github.com/and161185/consent-keeper/internal/migrate"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "consent-server",
		Short:        "HIE consent lifecycle manager",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Apply migrations and start the gRPC and callback servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Dev)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger.Info("starting",
				zap.String("version", version),
				zap.String("buildDate", buildDate),
				zap.String("grpc", cfg.GRPC.Addr),
				zap.String("http", cfg.HTTP.Addr),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := dsnOnly(cmd)
			if err != nil {
				return err
			}
			if err := migrate.Up(cmd.Context(), dsn); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := dsnOnly(cmd)
			if err != nil {
				return err
			}
			return migrate.Status(cmd.Context(), dsn)
		},
	})
	return cmd
}

// dsnOnly loads config without the full validation: migrations need nothing but the DSN.
func dsnOnly(cmd *cobra.Command) (string, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return "", err
	}
	if cfg.DSN == "" {
		return "", fmt.Errorf("dsn is required (--dsn or %s_DSN)", config.EnvPrefix)
	}
	return cfg.DSN, nil
}
