// Command alarm-relay runs the alarm notification queue service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/alarm-relay/internal/app"
	"github.com/bissquit/alarm-relay/internal/config"
	"github.com/bissquit/alarm-relay/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var cfgPath string
	var showVersion bool
	flag.StringVar(&cfgPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to config yaml")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get())
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to create app", "error", err)
		os.Exit(1)
	}

	slog.Info("alarm-relay starting", version.Get().LogAttrs()...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
			exitCode = 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}

	os.Exit(exitCode)
}
