package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolgw/gateway/internal/application"
	"github.com/toolgw/gateway/internal/infrastructure/config"
	"github.com/toolgw/gateway/internal/infrastructure/logger"
	"github.com/toolgw/gateway/internal/interfaces/repl"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	appName    = "toolgw-gateway"
	appVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Local-first tool-orchestration gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "validate-config",
		Short: "Load configuration and the server roster, reporting any errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateConfig()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidateConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if _, err := config.LoadServerRoster(cfg.ServersDir + "/client_config.json"); err != nil {
		return fmt.Errorf("server roster: %w", err)
	}
	fmt.Println("configuration and server roster are valid")
	return nil
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: cfg.Log.OutputPath}
	if logCfg.OutputPath == "" {
		logCfg.OutputPath = "stdout"
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting gateway", zap.String("name", appName), zap.String("version", appVersion))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}
	if err := app.Start(ctx); err != nil {
		log.Fatal("failed to start application", zap.Error(err))
	}

	replDone := make(chan error, 1)
	go func() {
		r := repl.New(app.Agent(), app.Registry(), app.ActionLog(), log, os.Stdin, os.Stdout)
		replDone <- r.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-replDone:
		if err != nil {
			log.Warn("repl exited with an error", zap.Error(err))
		}
		log.Info("repl session ended")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("gateway stopped successfully")
	return nil
}
