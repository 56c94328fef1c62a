package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"oventime/config"
	"oventime/internal/api"
	"oventime/internal/gateway"
	"oventime/internal/logger"
	"oventime/internal/metrics"
	redisstore "oventime/internal/store/redis"
	sqlitestore "oventime/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[api] %v", err)
	}
	if _, err := logger.Init("api", cfg.Log); err != nil {
		log.Fatalf("[api] logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[api] sqlite: %v", err)
	}
	defer reader.Close()

	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()

	deps := api.Deps{Reader: reader, Health: health, Metrics: prom}

	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		health.SetRedisEnabled(true)
		live, err := redisstore.NewReader(redisstore.ReaderConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Printf("[api] WARNING: redis unavailable: %v (serving without /ws)", err)
		} else {
			defer live.Close()
			rdb = live.Client()
			hub := gateway.NewHub(live, reader, prom)
			go hub.Run(ctx)
			deps.WS = hub
		}
	}
	health.StartLivenessChecker(ctx, rdb, reader.DB(), 30*time.Second)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Wrap(api.NewRouter(deps)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[api] serving at http://localhost%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[api] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[api] shutting down...")
	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
}
