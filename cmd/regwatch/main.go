package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"regwatch/internal/regwatch"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("REGWATCH_CONFIG", "regwatch.yaml"), "path to regwatch.yaml")
	flag.Parse()

	boot := regwatch.NewLogger(regwatch.LogConfig{Level: "info"})

	cfg, err := regwatch.LoadConfig(configPath)
	if err != nil {
		boot.Fatal().Err(err).Str("config", configPath).Msg("load config")
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			boot.Fatal().Str("PORT", v).Msg("PORT must be a number")
		}
		cfg.Server.Port = port
	}

	logger := regwatch.NewLogger(regwatch.LogConfig{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})

	svc, err := regwatch.NewService(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init service")
	}

	if err := run(cfg, svc, logger); err != nil {
		svc.Close()
		logger.Fatal().Err(err).Msg("server")
	}
	svc.Close()
}

func run(cfg regwatch.Config, svc *regwatch.Service, logger zerolog.Logger) error {
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("resource", cfg.Source.ResourceURL).Msg("regwatch listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
