package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/loykin/autoexec"
)

// loadConfig reads path (optional) and applies command-line overrides.
func loadConfig(path, services, repos string) (*autoexec.Config, error) {
	cfg, err := autoexec.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if services != "" {
		cfg.ServicesFile = services
	}
	if repos != "" {
		cfg.ReposDir = repos
	}
	return cfg, nil
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	cfg, err := loadConfig(flags.ConfigPath, flags.ServicesFile, flags.ReposDir)
	if err != nil {
		return err
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
		cfg.Server.Enabled = true
	}
	if flags.PidFile != "" {
		cfg.PIDFile = flags.PidFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w := cfg.ManagerFiles().ManagerWriter(cfg.Log.File)
		defer func() { _ = w.Close() }()
		out = w
	}
	log := cfg.Logger().NewSlogger(out)
	if !log.Enabled(ctx, slog.LevelDebug) {
		gin.SetMode(gin.ReleaseMode)
	}

	mgr, err := autoexec.New(cfg, log)
	if err != nil {
		return err
	}

	if cfg.PIDFile != "" {
		if err := writePidFile(cfg.PIDFile, mgr.PID()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() {
			if err := removePidFile(cfg.PIDFile); err != nil {
				log.Warn("cannot remove pidfile", "file", cfg.PIDFile, "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return mgr.Run(ctx)
}
