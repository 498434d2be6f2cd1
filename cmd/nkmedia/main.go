package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atyenoria/nkmedia/internal/app"
	"github.com/atyenoria/nkmedia/internal/banner"
	"github.com/atyenoria/nkmedia/internal/config"
	"github.com/atyenoria/nkmedia/internal/logger"
)

func main() {
	cfg := config.Load()

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Close()

	banner.Print("nkmedia media-signaling orchestrator", []banner.ConfigLine{
		{Label: "Service", Value: cfg.Service},
		{Label: "SIP", Value: fmt.Sprintf("%s:%d", cfg.SIPBindAddr, cfg.SIPPort)},
		{Label: "Verto", Value: strings.Join(cfg.VertoListen, ", ")},
		{Label: "API", Value: cfg.APIListen},
	})
	slog.Info("Starting nkmedia orchestrator",
		"service", cfg.Service,
		"sip_port", cfg.SIPPort,
		"verto", cfg.VertoListen,
		"api", cfg.APIListen,
	)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Orchestrator exited", "error", err)
		os.Exit(1)
	}
}
