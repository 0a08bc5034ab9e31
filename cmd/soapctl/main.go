package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/soapctl/internal/control"
	"github.com/danmuck/soapctl/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to soapctl config.toml")
	flag.Parse()

	logger := observability.InitLogger("soapctl")

	cfg := control.DefaultServiceConfig()
	if path := strings.TrimSpace(*configPath); path != "" {
		loaded, err := loadServiceConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "soapctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeStore, err := control.Assemble(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("close donor store")
		}
	}()

	if err := svc.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("soapctl stopped")
		stop()
		_ = closeStore()
		os.Exit(1)
	}
	logger.Info().Msg("soapctl stopped")
}
