package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"oventime/config"
	"oventime/internal/engine"
	"oventime/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[engine] %v", err)
	}
	if _, err := logger.Init("engine", cfg.Log); err != nil {
		log.Fatalf("[engine] logger: %v", err)
	}
	log.Printf("[engine] data dir %s, cache %s, cycle every %s", cfg.DataDir, cfg.SQLitePath, cfg.Engine.Interval)

	svc, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("[engine] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[engine] fatal: %v", err)
	}
}
