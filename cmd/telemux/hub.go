package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/telemux/telemux/hub"
	"github.com/telemux/telemux/internal/hub/chat"
	"github.com/telemux/telemux/internal/hub/config"
	"github.com/telemux/telemux/internal/logging"
)

func runHub(args []string) error {
	fs := flag.NewFlagSet("hub", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default: "+config.DefaultPath()+")")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if lvl, err := logging.ParseLevel(cfg.Hub.LogLevel); err != nil {
		slog.Warn("unknown log level, keeping default", "level", cfg.Hub.LogLevel)
	} else {
		logging.SetLevel(lvl)
	}

	logging.PrintBanner(version, cfg.Hub.NotifyAddr, cfg.Hub.WebhookAddr)

	telegram, err := chat.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		return fmt.Errorf("telegram transport: %w", err)
	}
	if cfg.Telegram.WebhookURL != "" {
		if err := telegram.RegisterWebhook(cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
	}
	logging.PrintChatQR(telegram.BotLink())

	server, err := hub.NewServer(hub.ServerConfig{Config: cfg, Sender: telegram})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
