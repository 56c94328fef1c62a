package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"oventime/config"
	"oventime/internal/alert"
	"oventime/internal/bot"
	"oventime/internal/logger"
	"oventime/internal/notification"
	sqlitestore "oventime/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[bot] %v", err)
	}
	if _, err := logger.Init("bot", cfg.Log); err != nil {
		log.Fatalf("[bot] logger: %v", err)
	}
	if cfg.Telegram.Token == "" {
		log.Fatalf("[bot] TELEGRAM_TOKEN is not set")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		log.Fatalf("[bot] %v", err)
	}
	// the writer owns chat_alerts; the engine process writes it too, WAL
	// and the busy timeout serialise the two
	chats, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[bot] sqlite: %v", err)
	}
	defer chats.Close()
	reader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[bot] sqlite: %v", err)
	}
	defer reader.Close()

	telegram := notification.NewTelegramNotifier(cfg.Telegram.Token, "").WithAPIBase(cfg.Telegram.APIBase)
	dispatcher := alert.NewDispatcher(chats, telegram, cfg.Alerts, nil)

	b := bot.New(bot.Config{Token: cfg.Telegram.Token, APIBase: cfg.Telegram.APIBase}, reader, dispatcher, telegram)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[bot] fatal: %v", err)
	}
	log.Println("[bot] stopped")
}
