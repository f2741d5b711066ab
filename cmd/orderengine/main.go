package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"autotrade/config"
	"autotrade/internal/api"
	"autotrade/internal/engine"
	"autotrade/internal/gateway"
	"autotrade/internal/logger"
	"autotrade/internal/metrics"
	"autotrade/internal/model"
	"autotrade/internal/notification"
	"autotrade/internal/recommender"
	"autotrade/internal/store/memory"
	redisstore "autotrade/internal/store/redis"
	sqlitestore "autotrade/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[orderengine] starting...")

	cfg := config.Load()
	logger.Init("orderengine", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Store ----
	repo := openStore(cfg)
	defer repo.Close()

	// ---- Metrics & health ----
	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	// ---- Market data ----
	var (
		rdb       *goredis.Client
		feed      model.PriceFeed
		poster    api.PricePoster
		subscribe func(fn func(symbol string))
	)
	if cfg.RedisAddr != "" {
		var err error
		rdb, err = redisstore.Connect(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Fatalf("[orderengine] %v", err)
		}
		defer rdb.Close()

		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			m.SetBreakerState(int(to))
			log.Printf("[orderengine] redis price feed breaker %s -> %s", from, to)
		}
		feed = redisstore.NewPriceFeed(rdb, cfg.PriceKeyPrefix, cb)

		pub := redisstore.NewPricePublisher(rdb, cfg.PriceKeyPrefix, cfg.PriceEventsChannel)
		poster = pub.Publish
		subscribe = func(fn func(string)) {
			go redisstore.SubscribePrices(ctx, rdb, cfg.PriceEventsChannel, fn)
		}
		log.Printf("[orderengine] price feed: redis %s (prefix %q)", cfg.RedisAddr, cfg.PriceKeyPrefix)
	} else {
		prices := memory.NewPrices()
		feed = prices
		poster = func(_ context.Context, s model.PriceSnapshot) error {
			prices.Set(s.Symbol, s.Price, s.Timestamp)
			return nil
		}
		subscribe = prices.Subscribe
		log.Println("[orderengine] price feed: in-process (post prices to /api/v1/admin/prices)")
	}

	// ---- Notification fan-out ----
	dispatcher := notification.NewDispatcher(1024)
	dispatcher.OnDrop = m.SinkDropped
	dispatcher.OnError = func(sink string, err error) {
		m.SinkFailed(sink, err)
		slog.Warn("notification delivery failed", "sink", sink, "error", err)
	}

	hub := gateway.NewHub(5000)
	hub.OnDeliver = m.ObserveEventLag

	dispatcher.Add(notification.NewLogSink(slog.Default()))
	dispatcher.Add(m)
	dispatcher.Add(hub)
	if cfg.WebhookURL != "" {
		dispatcher.Add(notification.NewWebhookSink(cfg.WebhookURL))
		log.Printf("[orderengine] webhook notifications enabled")
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		dispatcher.Add(notification.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Printf("[orderengine] telegram notifications enabled")
	}
	if rdb != nil {
		dispatcher.Add(redisstore.NewEventPublisher(rdb, cfg.OrderEventsChannel, nil, 0))
		log.Printf("[orderengine] publishing lifecycle events to redis channel %s", cfg.OrderEventsChannel)
	}

	// ---- Engine ----
	eng := engine.New(repo, feed, dispatcher, cfg.EngineOptions())
	eng.Monitor().OnFeedError = m.ObserveFeedError
	sched := eng.Scheduler()
	sched.OnTick = func(rep engine.TickReport) {
		m.ObserveTick(rep)
		health.SetLastTick(time.Now())
	}

	// ---- Recommender ----
	var cross *recommender.Crossover
	if cfg.RecommenderURL != "" {
		eng.SetRecommender(recommender.NewClient(cfg.RecommenderURL, 5*time.Second))
		log.Printf("[orderengine] recommender: %s", cfg.RecommenderURL)
	} else {
		var err error
		cross, err = recommender.NewCrossover(5, 20, 14)
		if err != nil {
			log.Fatalf("[orderengine] crossover: %v", err)
		}
		eng.SetRecommender(cross)
		log.Println("[orderengine] recommender: built-in SMA crossover")
	}

	// ---- Price updates ----
	subscribe(func(symbol string) {
		if cross != nil {
			if snap, err := feed.Snapshot(ctx, symbol); err == nil {
				cross.Observe(symbol, snap.Price)
			}
		}
		if cfg.EventDriven {
			sched.NotifyPrice(symbol)
		}
	})

	// ---- Start ----
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatchDone)
	}()

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("[orderengine] scheduler: %v", err)
	}
	health.SetSchedulerRunning(true)
	health.StartLivenessChecker(ctx, repo, rdb, 15*time.Second)
	m.StartSampler(ctx, 5*time.Second, metrics.Sampler{
		Queues:  dispatcher.QueueStats,
		Clients: hub.ClientCount,
	})

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, m, health)
	metricsSrv.Start()

	apiSrv := api.NewServer(api.Deps{
		Engine:          eng,
		Hub:             hub,
		Prices:          poster,
		AdminTOTPSecret: cfg.AdminTOTPSecret,
		RPS:             cfg.APIRPS,
		Burst:           cfg.APIBurst,
	})
	go apiSrv.Limiter().Cleanup(ctx)
	if cfg.AdminTOTPSecret == "" {
		log.Println("[orderengine] WARNING: ADMIN_TOTP_SECRET not set, admin endpoints are open")
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[orderengine] api listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[orderengine] api server: %v", err)
		}
	}()

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[orderengine] shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	httpSrv.Shutdown(shutdownCtx)
	sched.Stop()
	health.SetSchedulerRunning(false)
	hub.Close()

	// Stopping the context makes the dispatcher drain its queues.
	cancel()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		log.Println("[orderengine] notification drain timed out")
	}
	metricsSrv.Stop(shutdownCtx)

	log.Println("[orderengine] shutdown complete.")
}

func openStore(cfg *config.Config) model.Repository {
	switch cfg.StoreDriver {
	case "memory":
		log.Println("[orderengine] store: in-memory (state is lost on exit)")
		return memory.New()
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatalf("[orderengine] create %s: %v", dir, err)
			}
		}
		store, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[orderengine] %v", err)
		}
		return store
	default:
		log.Fatalf("[orderengine] unknown STORE_DRIVER %q (want sqlite or memory)", cfg.StoreDriver)
		return nil
	}
}
