package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/ronaldslwong/copyrust-sub000/internal/affinity"
	"github.com/ronaldslwong/copyrust-sub000/internal/blockhash"
	"github.com/ronaldslwong/copyrust-sub000/internal/cache"
	"github.com/ronaldslwong/copyrust-sub000/internal/config"
	"github.com/ronaldslwong/copyrust-sub000/internal/correlation"
	"github.com/ronaldslwong/copyrust-sub000/internal/dispatch"
	"github.com/ronaldslwong/copyrust-sub000/internal/fanout"
	"github.com/ronaldslwong/copyrust-sub000/internal/flags"
	"github.com/ronaldslwong/copyrust-sub000/internal/landing"
	"github.com/ronaldslwong/copyrust-sub000/internal/logging"
	"github.com/ronaldslwong/copyrust-sub000/internal/metrics"
	"github.com/ronaldslwong/copyrust-sub000/internal/protocol"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
	"github.com/ronaldslwong/copyrust-sub000/internal/risk"
	"github.com/ronaldslwong/copyrust-sub000/internal/rpc"
	"github.com/ronaldslwong/copyrust-sub000/internal/server"
	"github.com/ronaldslwong/copyrust-sub000/internal/stream"
	"github.com/ronaldslwong/copyrust-sub000/internal/vendor"
	"github.com/ronaldslwong/copyrust-sub000/internal/wallet"
	"github.com/sirupsen/logrus"
)

const (
	vendorWarmInterval = 30 * time.Second
	blockhashWait      = 10 * time.Second
)

// loadEnv loads .env from the project root before anything reads os.Getenv
func loadEnv() string {
	_, filename, _, _ := runtime.Caller(0)
	envPath := filepath.Join(filepath.Dir(filename), "../..", ".env")
	if err := godotenv.Load(envPath); err != nil {
		// fall back to the working directory
		if err := godotenv.Load(); err != nil {
			return ""
		}
		return ".env"
	}
	return envPath
}

// runner starts long-lived components and waits for all of them on exit
type runner struct {
	wg     sync.WaitGroup
	logger *logrus.Logger
}

func (r *runner) goRun(ctx context.Context, name string, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.WithError(err).WithField("component", name).Error("component stopped")
			return
		}
		r.logger.WithField("component", name).Debug("component stopped")
	}()
}

func main() {
	envPath := loadEnv()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxAgeDays: cfg.LogMaxAgeDays,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to configure logging")
	}
	defer logCloser.Close()

	if envPath != "" {
		logger.WithField("path", envPath).Info("loaded .env")
	} else {
		logger.Warn("no .env file found, using system environment variables")
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	run := &runner{logger: logger}
	sinkGroup := race.NewSinkGroup(logger)
	started := time.Now()

	w, err := wallet.NewWallet(wallet.WalletConfig{
		PrivateKey:    cfg.WalletPrivateKey,
		NonceAccounts: cfg.NonceAccounts,
		Logger:        logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to load wallet")
	}

	rpcClient := rpc.NewClient(rpc.ClientConfig{
		BaseURL:      cfg.RPCUrl,
		Timeout:      cfg.HTTPTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       logger,
	})

	blocks := blockhash.NewCache(blockhash.Config{
		Fetcher:    rpcClient,
		Interval:   cfg.BlockhashRefresh,
		Commitment: cfg.Commitment,
		Logger:     logger,
	})
	run.goRun(ctx, "blockhash", blocks.Run)

	registry, err := vendor.NewRegistry(cfg.Vendors, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build vendor registry")
	}
	run.goRun(ctx, "vendor-warm", func(ctx context.Context) error {
		registry.KeepWarm(ctx, vendorWarmInterval)
		return nil
	})

	m := metrics.New(metrics.DefaultNamespace)
	sinks := []race.Sink{m}

	// Redis carries feature flags, race history and the race channel (optional)
	var (
		flagStore *flags.Store
		gate      *flags.VendorGate
		history   *cache.RecentRaces
	)
	if cfg.RedisAddr != "" {
		rclient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rclient.Close()
		if err := rclient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("failed to connect to Redis")
		}

		flagStore, err = flags.NewStore(rclient)
		if err != nil {
			logger.WithError(err).Fatal("failed to create flags store")
		}
		gate = flags.NewVendorGate(flagStore, cfg.FlagsRefresh, logger)
		if err := gate.Refresh(ctx); err != nil {
			logger.WithError(err).Warn("initial vendor flag refresh failed")
		}
		run.goRun(ctx, "vendor-gate", gate.Run)

		history = cache.NewRecentRaces(rclient, cache.RecentConfig{Logger: logger})
		publisher := cache.NewPublisher(rclient, logger)
		sinks = append(sinks,
			sinkGroup.Async("redis-history", history),
			sinkGroup.Async("redis-publish", publisher),
		)
	}

	if cfg.ClickHouseAddr != "" {
		ch, err := cache.NewClickHouseStore(ctx, cache.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
			Logger:   logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to ClickHouse")
		}
		defer ch.Close()
		if err := ch.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Fatal("failed to create ClickHouse schema")
		}
		sinks = append(sinks, sinkGroup.Async("clickhouse", ch))
	}

	coordinator, err := race.NewCoordinator(race.Config{
		Vendors:   registry,
		Sinks:     sinks,
		LogReport: logger.IsLevelEnabled(logrus.DebugLevel),
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create race coordinator")
	}

	var enabled func(string) bool
	if gate != nil {
		enabled = gate.Enabled
	}
	builder, err := fanout.NewBuilder(fanout.Config{
		Vendors:   registry,
		Wallet:    w,
		Blocks:    blocks,
		Nonces:    rpcClient,
		Simulator: rpcClient,
		Simulate:  cfg.CUSimulate,
		CULimit:   cfg.CULimit,
		CreateATA: cfg.CreateATA,
		Enabled:   enabled,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create fan-out builder")
	}

	store := correlation.NewStore(correlation.Config{
		Shards:        cfg.StoreShards,
		TTL:           cfg.StoreTTL,
		PurgeInterval: cfg.StorePurgeInterval,
		MaxEntries:    cfg.StoreMaxEntries,
		WarnAge:       cfg.StoreWarnAge,
		OnPurge:       m.ObservePurge,
		Logger:        logger,
	})
	run.goRun(ctx, "correlation", store.Run)

	descs, err := protocol.Merge(protocol.DefaultDescriptors(), cfg.Protocols)
	if err != nil {
		logger.WithError(err).Fatal("invalid protocol configuration")
	}
	table, err := protocol.NewTable(descs)
	if err != nil {
		logger.WithError(err).Fatal("failed to build protocol table")
	}
	mirror, err := protocol.NewMirrorBuilder(protocol.MirrorConfig{
		Wallet:      w.PublicKey(),
		BuyLamports: cfg.BuyLamports,
		SlippageBps: cfg.SlippageBps,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create mirror builder")
	}

	ignored, err := wallet.ParsePublicKeys(cfg.RiskIgnoreMints)
	if err != nil {
		logger.WithError(err).Fatal("invalid RISK_IGNORE_MINTS")
	}
	riskMgr := risk.NewManager(risk.Config{
		MaxTradeLamports:   cfg.RiskMaxTradeLamports,
		DailyLimitLamports: cfg.RiskDailyLimitLamports,
		IgnoredMints:       append(risk.DefaultIgnoredMints(), ignored...),
	})

	priority, err := affinity.ParsePriority(cfg.DispatchPriority)
	if err != nil {
		logger.WithError(err).Fatal("invalid DISPATCH_PRIORITY")
	}
	pool, err := dispatch.NewPool(dispatch.Config{
		Workers:       cfg.DispatchWorkers,
		QueueSize:     cfg.DispatchQueue,
		Cores:         cfg.DispatchCores,
		Priority:      priority,
		Table:         table,
		Builder:       mirror,
		Fanout:        builder,
		Store:         store,
		Race:          coordinator,
		Risk:          riskMgr,
		Slots:         blocks,
		SlowThreshold: cfg.SlowThreshold,
		Logger:        logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create dispatch pool")
	}

	seller, err := landing.NewWorker(landing.Config{
		Store:                store,
		Table:                table,
		Sell:                 mirror,
		Fanout:               builder,
		Race:                 coordinator,
		Wait:                 cfg.LandingSellDelay,
		SellMinOut:           cfg.LandingSellMinOut,
		QueueSize:            cfg.LandingQueue,
		MaxConsecutiveErrors: cfg.LandingErrorLimit,
		DedupTTL:             cfg.LandingDedupTTL,
		DedupMax:             cfg.LandingDedupMax,
		Logger:               logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create landing worker")
	}

	m.RegisterStore(store)
	m.RegisterDispatch(pool.Counters)
	m.RegisterLanding(seller.Counters)
	m.RegisterBlockhash(blocks)

	if !waitForBlockhash(ctx, blocks, blockhashWait) {
		logger.Warn("no blockhash yet, builds fail until the first refresh succeeds")
	}

	if err := pool.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start dispatch pool")
	}
	run.goRun(ctx, "landing", seller.Run)

	onEvent := func(ev dispatch.Event) {
		if err := pool.Submit(ev); err != nil {
			logger.WithError(err).WithField("signature", ev.Signature.String()).Debug("event dropped")
		}
	}
	onLanded := func(ev landing.Event) {
		if err := seller.Submit(ev); err != nil {
			logger.WithError(err).WithField("signature", ev.Signature.String()).Warn("landing dropped")
		}
	}

	feeds := map[string]func() stream.FeedStats{}
	if cfg.FeedWSURL != "" {
		include := append([]string{w.Address()}, cfg.TrackPrograms...)
		include = append(include, cfg.TrackWallets...)
		ws, err := stream.NewWSFeed(stream.WSConfig{
			URL:        cfg.FeedWSURL,
			Name:       "ws",
			Include:    include,
			Commitment: cfg.Commitment,
			Wallet:     w.PublicKey(),
			OnEvent:    onEvent,
			OnLanded:   onLanded,
			Logger:     logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("failed to create websocket feed")
		}
		feeds["ws"] = ws.Stats
		run.goRun(ctx, "ws-feed", ws.Run)
	} else {
		logger.Warn("FEED_WS_URL not set, no transactions will be mirrored")
	}

	poller, err := stream.NewSignaturePoller(stream.PollerConfig{
		Client:       rpcClient,
		Address:      w.PublicKey(),
		PollInterval: cfg.LandingPollInterval,
		OnLanded:     onLanded,
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create signature poller")
	}
	run.goRun(ctx, "signature-poller", poller.Run)

	h := &server.Handlers{
		Blocks:   blocks,
		Dispatch: pool.Counters,
		Landing:  seller.Counters,
		Store:    store,
		Feeds:    feeds,
		Risk:     riskMgr,
		Vendors:  registry,
		Logger:   logger,
		Started:  started,
	}
	if gate != nil {
		h.Gate = gate.Enabled
	}
	// nil pointers must stay nil interfaces
	if history != nil {
		h.Races = history
	}
	if flagStore != nil {
		h.Flags = flagStore
	}

	srv, err := server.NewServer(server.ServerDeps{
		Handlers: h,
		Config: server.ServerConfig{
			Addr:      cfg.APIAddr,
			DevMode:   cfg.DevMode,
			APIKey:    cfg.APIKey,
			Metrics:   m.Handler(),
			FlagRate:  cfg.FlagRate,
			FlagBurst: cfg.FlagBurst,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create http server")
	}

	// Setup graceful shutdown in a separate goroutine
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(logrus.Fields{
		"wallet":    w.Address(),
		"vendors":   registry.Names(),
		"protocols": len(descs),
		"workers":   cfg.DispatchWorkers,
	}).Info("copyrust started")

	if err := srv.Start(); err != nil {
		logger.WithError(err).Error("api server failed")
		cancel()
	}

	// feeds and landing sells stop with ctx, the pool drains its in-flight
	// races, and only then the sinks flush what those races reported
	run.wg.Wait()
	pool.Stop()
	sinkGroup.Close()

	waitCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.WaitClosed(waitCtx); err != nil {
		logger.WithError(err).Warn("api server did not close in time")
	}
	logger.Info("shutdown complete")
}

// waitForBlockhash polls the cache until it has a value or d elapses
func waitForBlockhash(ctx context.Context, blocks *blockhash.Cache, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := blocks.Latest(); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}
