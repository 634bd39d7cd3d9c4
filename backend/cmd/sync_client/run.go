package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"syncClient/backend/config"
	"syncClient/backend/internal/authclient"
	"syncClient/backend/internal/cache"
	"syncClient/backend/internal/channel"
	"syncClient/backend/internal/control"
	"syncClient/backend/internal/export"
	"syncClient/backend/internal/httpapi"
	"syncClient/backend/internal/outbox"
	"syncClient/backend/internal/realtime"
	"syncClient/backend/internal/reconcile"
	"syncClient/backend/internal/store"
	"syncClient/backend/internal/upstream"
	"syncClient/backend/internal/ws"
)

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("init config failed: %w", err)
	}
	logger := log.Default()
	logger.Printf("sync_client %s (%s) upstream=%s port=%d", buildVersion, buildCommit, cfg.Channel.URL, cfg.Running.Port)

	api := upstream.New(upstream.Options{BaseURL: cfg.Auth.Path})
	var tokens channel.TokenSource
	if cfg.Auth.Token != "" {
		tokens = channel.StaticToken(cfg.Auth.Token)
	} else {
		tokens = authclient.NewSource(api, authclient.Options{
			Username: cfg.Auth.Username,
			Password: cfg.Auth.Password,
			Logger:   logger,
		})
	}
	api.SetToken(tokens.Token)

	client := realtime.New(realtime.Options{
		Credentials: channel.Credentials{URL: cfg.Channel.URL, Tokens: tokens},
		Channel: channel.Options{
			Backoff: channel.Backoff{
				Base:   cfg.Channel.BackoffBase,
				Cap:    cfg.Channel.BackoffCap,
				Jitter: cfg.Channel.Jitter,
			},
			Heartbeat:   cfg.Channel.Heartbeat,
			StableAfter: cfg.Channel.StableAfter,
			AuthTimeout: cfg.Channel.AuthTimeout,
		},
		Reconcile: reconcile.Options{
			Window:     cfg.Reconcile.Window,
			GapTimeout: cfg.Reconcile.GapTimeout,
		},
		Outbox: outbox.Options{
			Capacity:    cfg.Outbox.Capacity,
			MaxAttempts: cfg.Outbox.MaxAttempts,
			BaseDelay:   cfg.Outbox.BaseDelay,
			MaxDelay:    cfg.Outbox.MaxDelay,
		},
		Snapshots: api,
		Logger:    logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// === 可选 sink：配置为空即关闭 ===
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		mirror := cache.NewRedisMirror(rdb, cfg.Redis.TTL, logger)
		n, err := cache.WarmStart(ctx, mirror, client.Preload)
		if err != nil {
			logger.Printf("warm start from redis: %v", err)
		} else {
			logger.Printf("warm start: %d entities loaded as stale", n)
		}
		sub := client.Subscribe("")
		spawn(func() { cache.Run(runCtx, mirror, sub, logger) })
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := export.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := export.NewKafkaDispatcher(producer, cfg.Kafka.Topic, export.KafkaDispatcherOptions{
			QueueSize: cfg.Kafka.QueueSize,
			Workers:   cfg.Kafka.Workers,
			MaxRetry:  cfg.Kafka.MaxRetry,
			Logger:    logger,
		})
		// 先等 Run 退出再 Close，队列里剩下的事件会被尝试发送
		defer func() {
			_ = dispatcher.Close()
			sent, dropped := dispatcher.Stats()
			logger.Printf("kafka export: sent=%d dropped=%d", sent, dropped)
		}()
		sub := client.Subscribe("")
		spawn(func() { export.Run(runCtx, dispatcher, sub) })
	}

	routerOpt := httpapi.Options{
		API:          client,
		PasswordHash: cfg.API.PasswordHash,
		EnableCORS:   cfg.API.EnableCORS,
	}

	if cfg.Mysql.DSN != "" {
		sqlDB, err := store.OpenSQL(ctx, cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		defer sqlDB.Close()
		tracks := store.NewTrackStore(sqlDB)
		if err := tracks.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure entity_tracks: %w", err)
		}
		sub := client.Subscribe("")
		spawn(func() { store.RecordTracks(runCtx, tracks, sub, logger) })
		routerOpt.Tracks = tracks

		gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql (gorm): %w", err)
		}
		intents := store.NewIntentLog(gormDB)
		if err := intents.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate intent_outcomes: %w", err)
		}
		routerOpt.Intents = intents
		client.OnOutcome(func(o outbox.Outcome) {
			// 回调里不做 IO
			go func() {
				recCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := intents.Record(recCtx, o); err != nil {
					logger.Printf("record intent %s: %v", o.ID, err)
				}
			}()
		})
	}

	publisher := control.NewPublisher(client, control.Options{
		Interval: cfg.Control.Interval,
		EntityID: cfg.Control.EntityID,
		Logger:   logger,
	})
	defer publisher.Close()
	if cfg.Control.EntityID != "" {
		// 布防状态以船端回报为准
		sub := client.Subscribe(cfg.Control.EntityID)
		spawn(func() { publisher.Follow(runCtx, sub) })
	}

	hub := ws.NewHub(client, logger)
	spawn(func() { hub.Run(runCtx) })

	client.OnStateChange(func(s channel.State) {
		publisher.SetConnected(s.Phase == channel.Connected)
		hub.BroadcastStatus(client.Status())
	})

	if err := client.Start(runCtx); err != nil {
		return fmt.Errorf("start realtime client: %w", err)
	}
	defer client.Close()

	routerOpt.Publisher = publisher
	routerOpt.Feed = ws.NewManager(hub)
	router := httpapi.NewRouter(routerOpt)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Printf("local api listening on %s", srv.Addr)

	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	_ = client.Close()
	cancel()
	wg.Wait()
	return err
}
