package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"coatywamp/internal/agent"
	"coatywamp/internal/config"
	"coatywamp/internal/diag"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "coatywamp",
		Short: "Coaty-style communication agent speaking WAMP",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "Path to config file")

	root.AddCommand(newInitCommand(&cfgPath))
	root.AddCommand(newRunCommand(&cfgPath))
	root.AddCommand(newPublishCommand(&cfgPath))
	root.AddCommand(newMonitorCommand(&cfgPath))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newInitCommand(cfgPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(*cfgPath); err == nil {
					return fmt.Errorf("%s already exists, pass --force to overwrite", *cfgPath)
				}
			}
			out, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			if err := os.WriteFile(*cfgPath, out, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", *cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newRunCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigMaybe(*cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ag, err := agent.New(agent.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := ag.Start(ctx); err != nil {
				return err
			}

			var diagSrv *diag.Server
			diagErr := make(chan error, 1)
			if cfg.Diag.Enabled {
				diagSrv = diag.New(config.DiagAddr(cfg), ag.Stats, logger)
				go func() { diagErr <- diagSrv.Start() }()
			}

			var runErr error
			select {
			case <-ctx.Done():
			case err := <-diagErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					runErr = fmt.Errorf("diagnostics server: %w", err)
				}
			}
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if diagSrv != nil {
				_ = diagSrv.Shutdown(shutdownCtx)
			}
			if err := ag.Stop(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}

func loadConfigMaybe(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return config.Config{}, err
	}
	return config.Load(path)
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.Logging.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
