// Command backfill scores every quarter hour of a past range from the raw
// grid store and writes the snapshots into the cache.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oventime/config"
	"oventime/internal/clock"
	"oventime/internal/diagnostic"
	"oventime/internal/engine"
	"oventime/internal/logger"
	"oventime/internal/model"
	"oventime/internal/rawstore"
	sqlitestore "oventime/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	fromFlag := flag.String("from", "", "first instant to score (local or RFC3339)")
	toFlag := flag.String("to", "", "last instant to score, defaults to now")
	resume := flag.Bool("resume", false, "start after the latest cached diagnostic")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[backfill] %v", err)
	}
	if _, err := logger.Init("backfill", cfg.Log); err != nil {
		log.Fatalf("[backfill] logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	raw, err := rawstore.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("[backfill] %v", err)
	}
	svc := engine.NewService(engine.Deps{
		Raw:    raw,
		Grid:   cfg.GridSource(),
		Scorer: diagnostic.NewScorer(cfg.ScorerConfig(), nil),
	})

	now := time.Now().UTC()
	to, err := clock.ParseQueryTime(*toFlag, now)
	if err != nil {
		log.Fatalf("[backfill] -to: %v", err)
	}
	var from time.Time
	if *fromFlag != "" {
		if from, err = clock.ParseQueryTime(*fromFlag, now); err != nil {
			log.Fatalf("[backfill] -from: %v", err)
		}
	}

	writer, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[backfill] sqlite: %v", err)
	}
	defer writer.Close()

	if *resume {
		reader, err := sqlitestore.NewReader(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("[backfill] sqlite: %v", err)
		}
		latest, err := reader.Latest(ctx, model.KindDiagnostic)
		reader.Close()
		switch {
		case err == nil && latest.After(from):
			from = latest.Add(model.GridStep)
		case err != nil && !errors.Is(err, model.ErrNotFound):
			log.Fatalf("[backfill] latest: %v", err)
		}
	}

	ch := make(chan model.Snapshot, 256)
	done := make(chan struct{})
	var written, rejected int
	go func() {
		written, rejected = writer.RunDiagnostics(ctx, ch)
		close(done)
	}()

	sent, skipped, err := svc.Backfill(ctx, from, to, ch)
	close(ch)
	<-done
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[backfill] %v", err)
	}

	log.Printf("[backfill] done: %d scored, %d written, %d rejected, %d skipped", sent, written, rejected, skipped)
}
