package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/mathsolver/core/internal/chat/conversations"
	"github.com/mathsolver/core/internal/chat/model"
	"github.com/mathsolver/core/internal/chat/repo"
	"github.com/mathsolver/core/internal/chat/settings"
	"github.com/mathsolver/core/internal/chat/stream"
	"github.com/mathsolver/core/internal/core"
	errx "github.com/mathsolver/core/internal/core/error"
	logx "github.com/mathsolver/core/pkg/logger"
	pkgredis "github.com/mathsolver/core/pkg/redis"
)

// AppConfig defines every configurable parameter, sourced from environment
// variables (loaded from .env for local runs).
type AppConfig struct {
	Environment core.Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string           `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Storage model.StorageConfig
	Redis   pkgredis.Config

	Conversation model.ConversationConfig
	API          model.APIOverrides
}

// app holds the services a command runs against.
type app struct {
	cfg      AppConfig
	kv       repo.KV
	store    *conversations.Store
	settings *settings.Manager
	client   *stream.Client
}

var (
	envFile string
	verbose bool
	plain   bool

	current *app
)

func loadConfig() (AppConfig, error) {
	// a missing default .env is fine; an explicit --env-file must exist
	if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
		return AppConfig{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("process environment config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg AppConfig) (*app, error) {
	kv, err := repo.Open(ctx, cfg.Storage, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}

	a := &app{
		cfg:      cfg,
		kv:       kv,
		store:    conversations.NewStore(kv, cfg.Storage.Namespace, cfg.Conversation),
		settings: settings.NewManager(kv, cfg.Storage.Namespace, cfg.API),
		client:   stream.NewClient(),
	}
	if err := a.store.Load(ctx); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	if err := a.settings.Load(ctx); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return a, nil
}

func (a *app) Close() error {
	return a.kv.Close()
}

var rootCmd = &cobra.Command{
	Use:   "mathsolver",
	Short: "Math tutoring chat in the terminal",
	Long: `mathsolver sends math questions to an OpenAI-compatible chat endpoint,
streams the worked answer back and keeps the conversation history locally.

Write formulas inline as $...$ or as display blocks $$...$$.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = "debug"
		} else if cfg.LogLevel == "" && !cfg.Environment.IsProduction() {
			cfg.LogLevel = "warn"
		}
		logx.Init(logx.LoggerOpts{Environment: cfg.Environment, Level: cfg.LogLevel})
		logx.Debug().
			Str("environment", cfg.Environment.String()).
			Str("storage", cfg.Storage.Backend).
			Msg("configuration loaded")

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		current = a
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "Print raw markdown instead of rendering it")

	rootCmd.AddCommand(askCmd, newCmd, listCmd, showCmd, useCmd, deleteCmd, clearCmd)
	rootCmd.AddCommand(settingsCmd, personaCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if current != nil {
		if cerr := current.Close(); cerr != nil {
			logx.Warn().Err(cerr).Msg("failed to close storage")
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", userMessage(err))
		os.Exit(1)
	}
}

// userMessage prefers the safe message of an AppError. Verbose runs also
// get the underlying cause.
func userMessage(err error) string {
	var appErr *errx.AppError
	if !errors.As(err, &appErr) {
		return err.Error()
	}
	if verbose && appErr.Err != nil {
		return fmt.Sprintf("%s (%v)", appErr.Message, appErr.Err)
	}
	return appErr.Message
}
