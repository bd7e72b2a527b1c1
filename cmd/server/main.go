// Command server runs the Courier chat server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/courier-chat/courier/internal/server"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to a YAML configuration file")
		listen     = pflag.String("listen", "", "listen address (overrides config)")
		dbPath     = pflag.String("db", "", "SQLite database path (overrides config)")
		logLevel   = pflag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	logger := server.InitLogger(os.Stderr, *logLevel)

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("signal received", "signal", sig.String())
	case err := <-srv.Fatal():
		logger.Error("fatal server error", "error", err)
		exitCode = 1
	}

	if err := srv.Shutdown(); err != nil {
		logger.Warn("shutdown finished with errors", "error", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
