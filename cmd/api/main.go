package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pawbridge/bridge-backend/internal/api"
	"github.com/pawbridge/bridge-backend/internal/blacklist"
	"github.com/pawbridge/bridge-backend/internal/bridge"
	"github.com/pawbridge/bridge-backend/internal/chain/evm"
	"github.com/pawbridge/bridge-backend/internal/chain/l1"
	"github.com/pawbridge/bridge-backend/internal/config"
	"github.com/pawbridge/bridge-backend/internal/ledger"
	"github.com/pawbridge/bridge-backend/internal/lock"
	"github.com/pawbridge/bridge-backend/internal/log"
	"github.com/pawbridge/bridge-backend/internal/metrics"
	"github.com/pawbridge/bridge-backend/internal/notify"
	"github.com/pawbridge/bridge-backend/internal/queue"
	"github.com/pawbridge/bridge-backend/internal/signer"
	"github.com/pawbridge/bridge-backend/internal/store"
	"github.com/pawbridge/bridge-backend/internal/ws"
	"github.com/pawbridge/bridge-backend/pkg/kv"
	_ "github.com/pawbridge/bridge-backend/pkg/kv/memory"
	_ "github.com/pawbridge/bridge-backend/pkg/kv/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting bridge backend",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"hotWallet", cfg.L1.HotWallet,
	)

	metricsObj, metricsHandler, err := metrics.Setup("paw-bridge")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	kvStore, err := kv.NewStoreFromConfig(kv.Config{
		Backend:  kv.Backend(cfg.Cache.Backend),
		RedisURL: cfg.Cache.RedisURL,
		Logger: func(msg string, pairs ...string) {
			args := make([]interface{}, len(pairs))
			for i, p := range pairs {
				args[i] = p
			}
			logger.Infow(msg, args...)
		},
	})
	if err != nil {
		logger.Fatalw("Failed to setup kv store", "error", err)
	}
	defer kvStore.Close()

	// The event bus rides Redis pub/sub when Redis backs the store, so a
	// multi-instance deployment shares one bus.
	var bus *store.Bus
	if kv.Backend(cfg.Cache.Backend) == kv.BackendRedis {
		opt, err := goredis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			logger.Fatalw("Bad redis URL", "error", err)
		}
		bus = store.NewRedisBus(goredis.NewClient(opt), logger)
	} else {
		bus = store.NewBus(logger)
	}

	locker := lock.NewLocker(kvStore)
	ledgerStore := ledger.NewStore(kvStore, locker, logger)
	cache := store.NewCache(kvStore, logger, metricsObj)
	oracle := blacklist.NewOracle(cfg.Blacklist.URL, cache, logger)

	sgn, err := signer.New(cfg.Evm.PrivateKey, cfg.Evm.ChainID)
	if err != nil {
		logger.Fatalw("Failed to load bridge key", "error", err)
	}
	logger.Infow("Bridge signer ready", "address", sgn.Address().Hex())

	l1Client := l1.NewClient(cfg.L1.RPCURL, cfg.L1.WSURL, cfg.L1.WalletID, cfg.L1.HotWallet, logger)

	evmClient, err := evm.NewClient(cfg.Evm.RPCURL, cfg.Evm.Contract, logger)
	if err != nil {
		logger.Fatalw("Failed to connect EVM client", "error", err)
	}

	hotMinimum, err := cfg.HotWalletMinimumUnits()
	if err != nil {
		logger.Fatalw("Bad hot wallet minimum", "error", err)
	}

	q := queue.New(kvStore, logger)

	svc := bridge.NewService(
		bridge.Config{
			Symbol:           cfg.Bridge.Symbol,
			HotWallet:        cfg.L1.HotWallet,
			ColdWallet:       cfg.L1.ColdWallet,
			HotWalletMinimum: hotMinimum,
			HotColdRatio:     cfg.Bridge.HotColdRatio,
		},
		ledgerStore, l1Client, evmClient, oracle, sgn,
		bridge.QueueScheduler{Q: q},
		logger,
	)

	evmWatcher := evm.NewWatcher(evmClient, ledgerStore, q, logger)
	l1Watcher := l1.NewWatcher(l1Client, q, cfg.L1.HotWallet, cfg.L1.ColdWallet, logger)

	// Processor registration precedes Start so every topic gets its worker.
	bridge.RegisterProcessors(q, svc)
	evmWatcher.RegisterProcessor(q)

	notifier := notify.NewNotifier(bus, logger)
	q.AddJobListener(notifier.Listener())
	q.AddJobListener(queue.Listener{
		OnCompleted: func(job *queue.Job, _ any) {
			ctx := context.Background()
			metricsObj.RecordJobProcessed(ctx, job.Topic)
			switch job.Topic {
			case queue.TopicDeposit:
				metricsObj.RecordDeposit(ctx)
			case queue.TopicWithdrawal:
				metricsObj.RecordWithdrawal(ctx)
			case queue.TopicSwapToWrapped:
				metricsObj.RecordSwap(ctx, "to-wrapped")
			case queue.TopicSwapToNative:
				metricsObj.RecordSwap(ctx, "to-native")
			}
		},
		OnFailed: func(job *queue.Job, _ error) {
			metricsObj.RecordJobFailed(context.Background(), job.Topic)
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(runCtx)
	if err := l1Watcher.Start(runCtx); err != nil {
		logger.Fatalw("Failed to start L1 watcher", "error", err)
	}
	if err := evmWatcher.Start(runCtx); err != nil {
		logger.Fatalw("Failed to start EVM watcher", "error", err)
	}

	sseHandler := ws.NewSSEHandler(bus, logger, metricsObj)
	handler := api.NewHandler(svc, ledgerStore, q, sseHandler, cfg.L1.HotWallet, logger, kvStore.Ping)
	middleware := api.NewMiddleware(logger, metricsObj)

	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)
	router.Handle("/metrics", metricsHandler)

	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		ctx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		// Stop watchers and workers; in-flight jobs finish or time out, and
		// the broker keeps waiting/delayed jobs for the next run.
		cancel()
		q.Wait()

		logger.Infow("Server stopped")
	}
}
