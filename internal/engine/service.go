// Package engine runs the periodic cycle: sync the raw stores, score the grid,
// find the next low-price window, cache and publish the results and raise
// alerts.
package engine

import (
	"context"
	"database/sql"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"oventime/config"
	"oventime/internal/alert"
	"oventime/internal/breaker"
	"oventime/internal/clock"
	"oventime/internal/dayahead"
	"oventime/internal/diagnostic"
	"oventime/internal/metrics"
	"oventime/internal/model"
	"oventime/internal/notification"
	"oventime/internal/rawstore"
	redisstore "oventime/internal/store/redis"
	sqlitestore "oventime/internal/store/sqlite"
	"oventime/internal/syncer"

	goredis "github.com/go-redis/redis/v8"
)

// AlertChecker evaluates a fresh diagnostic against every subscriber.
type AlertChecker interface {
	Check(ctx context.Context, s model.Snapshot) (int, error)
}

// Deps are the collaborators of one Service. Publisher, Alerts, Metrics and
// Health are optional.
type Deps struct {
	Sync       *syncer.Synchronizer
	Raw        model.RawStore
	Grid       syncer.Source
	Prices     syncer.Source
	SyncPrices bool

	Scorer *diagnostic.Scorer
	Window dayahead.Params

	Cache     model.SnapshotWriter
	Publisher model.Publisher
	Alerts    AlertChecker

	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus

	Now      clock.Func
	Interval time.Duration
}

// Service is the top-level orchestrator of the engine process.
type Service struct {
	d Deps

	metricsAddr string
	redis       *goredis.Client
	sqlDB       *sql.DB
	closers     []io.Closer
}

// NewService creates a Service over explicit dependencies.
func NewService(d Deps) *Service {
	return &Service{d: withDefaults(d)}
}

func withDefaults(d Deps) Deps {
	if d.Now == nil {
		d.Now = clock.System
	}
	if d.Interval <= 0 {
		d.Interval = 5 * time.Minute
	}
	return d
}

// New wires the production dependencies from cfg: parquet raw store, the
// two providers, the SQLite cache, the optional Redis mirror and the alert
// notifiers.
func New(cfg *config.Config) (*Service, error) {
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()

	raw, err := rawstore.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	cache, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		return nil, err
	}

	sync := syncer.New(raw,
		syncer.WithFetchTimeout(cfg.Engine.FetchTimeout),
		syncer.WithMetrics(prom),
		syncer.WithBreaker(cfg.Engine.BreakerFailures, cfg.Engine.BreakerReset),
	)

	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.Telegram.Token != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID).WithAPIBase(cfg.Telegram.APIBase))
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Webhook.URL))
	}

	d := Deps{
		Sync:       sync,
		Raw:        raw,
		Grid:       cfg.GridSource(),
		Prices:     cfg.PriceSource(),
		SyncPrices: cfg.Entsoe.APIKey != "",
		Scorer:     diagnostic.NewScorer(cfg.ScorerConfig(), nil),
		Window:     cfg.WindowParams(),
		Cache:      cache,
		Alerts:     alert.NewDispatcher(cache, notifiers, cfg.Alerts, prom),
		Metrics:    prom,
		Health:     health,
		Interval:   cfg.Engine.Interval,
	}
	if !d.SyncPrices {
		log.Println("[engine] WARNING: no ENTSO-E API key, day-ahead prices will not be synced")
	}

	svc := &Service{metricsAddr: cfg.MetricsAddr, sqlDB: cache.DB()}
	svc.closers = append(svc.closers, cache)

	if cfg.Redis.Addr != "" {
		health.SetRedisEnabled(true)
		w, err := redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Printf("[engine] WARNING: redis unavailable: %v (continuing without live mirror)", err)
		} else {
			cb := breaker.New("redis", 3, 30*time.Second)
			cb.OnStateChange = func(name string, from, to breaker.State) {
				log.Printf("[engine] circuit breaker %s: %s -> %s", name, from, to)
				prom.BreakerState.WithLabelValues(name).Set(float64(to))
				if to == breaker.StateOpen {
					prom.BreakerTrips.WithLabelValues(name).Inc()
				}
			}
			bp := redisstore.NewBufferedPublisher(context.Background(), w, cb)
			bp.OnBuffer = func() { log.Println("[engine] redis down, holding latest result") }
			bp.OnFlush = func(n int) { log.Printf("[engine] replayed %d held results to redis", n) }
			d.Publisher = bp
			svc.redis = w.Client()
			svc.closers = append(svc.closers, w)
		}
	}

	svc.d = withDefaults(d)
	return svc, nil
}

// Run starts the cycle loop and blocks until ctx is cancelled. The first
// cycle runs immediately.
func (svc *Service) Run(ctx context.Context) error {
	log.Printf("[engine] starting, cycle every %s", svc.d.Interval)

	var srv *metrics.Server
	if svc.metricsAddr != "" && svc.d.Health != nil {
		srv = metrics.NewServer(svc.metricsAddr, svc.d.Health)
		srv.Start()
		svc.d.Health.StartLivenessChecker(ctx, svc.redis, svc.sqlDB, 30*time.Second)
	}

	svc.RunCycle(ctx)

	ticker := time.NewTicker(svc.d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			svc.shutdown(srv)
			return nil
		case <-ticker.C:
			svc.RunCycle(ctx)
		}
	}
}

// shutdown stops the metrics server and closes connections.
func (svc *Service) shutdown(srv *metrics.Server) {
	log.Println("[engine] shutdown signal received")
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Stop(shutCtx)
	}
	for _, c := range svc.closers {
		if err := c.Close(); err != nil {
			log.Printf("[engine] close: %v", err)
		}
	}
	log.Println("[engine] shutdown complete.")
}
