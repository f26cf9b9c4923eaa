package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"shophub/config"
	"shophub/logger"
	"shophub/models"
	"shophub/server"
	"shophub/services"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "supportd",
		Short:         "Real-time customer support chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configPath != "" {
				_ = os.Setenv("SHOPHUB_CONFIG", configPath)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to JSON config (default config/config.json)")

	cmd.AddCommand(newUserAddCommand())
	return cmd
}

func serve() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	s, err := server.NewServer(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.Start(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func newUserAddCommand() *cobra.Command {
	var email, name, password, userType string

	cmd := &cobra.Command{
		Use:   "useradd",
		Short: "Create a local account (admin or client)",
		Example: `  supportd useradd --email ann@shop.test --name Ann --password secret --type admin
  supportd useradd --email alice@shop.test --name Alice --password secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("database.dsn is not configured")
			}
			db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			if err := models.AutoMigrateAll(db); err != nil {
				return err
			}
			user, err := services.NewAuthService(db, cfg.Auth).RegisterLocal(email, name, password, userType)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s user %s (chat id %s)\n", user.Type, user.Username, user.ChatID())
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "login email (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&password, "password", "", "password (required)")
	cmd.Flags().StringVar(&userType, "type", models.UserTypeClient, "account type (admin|client)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
