package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fogbin/cfg"
	"fogbin/pkg/domain"
	"fogbin/pkg/kms"
	"fogbin/svc/api"
	"fogbin/svc/auth"
	"fogbin/svc/cache"
	"fogbin/svc/db"
	"fogbin/svc/notify"
	"fogbin/svc/svc"
	"fogbin/svc/util"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.InitLog("info", true)
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	util.InitLog(c.LogLevel, c.Dev())
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.Info().Msg("starting fogbin")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
	}
	util.Info().Str("provider", kmsAdapter.Provider()).Msg("KMS adapter initialized")

	pepper, err := loadPepper(ctx, c, kmsAdapter)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: failed to load pepper")
	}

	store, sqlite, err := openStore(c)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()

	walCtx, stopWAL := context.WithCancel(ctx)
	walDone := make(chan struct{})
	if sqlite != nil {
		go func() {
			defer close(walDone)
			sqlite.RunWALMaintenance(walCtx, 0)
		}()
		util.Info().Msg("WAL maintenance worker started")
	} else {
		close(walDone)
	}

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if !c.Dev() {
				util.Fatal().Err(err).Msg("CRITICAL: Redis configured but unreachable")
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
	}
	layers := []cache.MetaCache{lruCache}
	if rdb != nil {
		layers = append(layers, rdb)
	}
	metaCache := cache.NewChain(layers...)
	tombs := cache.NewTombstones(c.LRUCacheSize*10, c.TombstoneTTL)
	util.Info().Int("size", c.LRUCacheSize).Int("layers", len(layers)).Msg("metadata cache initialized")

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	util.Wipe(pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	sealer := kms.NewSealer(kmsAdapter, kms.NewKEKCache(kmsAdapter, c.KEKCacheTTL))
	defer sealer.Stop()

	eventSinks, natsSink := sinks(c, rdb)
	notifier := notify.New(notify.Options{
		QueueSize:  c.Notify.QueueSize,
		Workers:    c.Notify.Workers,
		RatePerSec: c.Notify.RatePerSec,
	}, eventSinks...)
	notifier.Start()
	util.Info().Strs("sinks", notifier.Sinks()).Msg("notifier started")

	life := svc.NewLifecycle(store, metaCache, tombs, notifier, svc.LifecycleOptions{IDLength: c.IDLength})
	if err := life.StartSweeper(ctx, c.SweepInterval); err != nil {
		util.Fatal().Err(err).Msg("failed to start sweeper")
	}
	util.Info().Dur("interval", c.SweepInterval).Msg("expiry sweeper started")

	pasteSvc := svc.NewPaste(life, auth.NewGate(hasher, auth.DefaultVerifyFloor), sealer, svc.PasteOptions{
		MaxPasteSize: c.MaxPasteSize,
		TTL:          domain.NewTTLMenu(c.TTLPresets, c.DefaultTTLMinutes),
	})

	server := api.NewServer(c, pasteSvc, store, rdb)
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown(shutdownCtx)
	cancel()
	notifier.Stop(shutdownCtx)
	if natsSink != nil {
		if err := natsSink.Close(shutdownCtx); err != nil {
			util.Warn().Err(err).Msg("nats drain failed")
		}
	}
	stopWAL()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-shutdownCtx.Done():
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

func loadPepper(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) ([]byte, error) {
	if !c.PepperFromKMS {
		return []byte(c.Pepper.Value()), nil
	}
	pepperB64, err := adapter.GetSecret(ctx, "ARGON2_PEPPER")
	if err != nil {
		return nil, errors.Wrap(err, "fetch pepper")
	}
	pepper, err := base64.StdEncoding.DecodeString(pepperB64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pepper format")
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, errors.New("pepper too short, must be >= 32 bytes")
	}
	return pepper, nil
}

// openStore returns the configured store; sqlite is non-nil only for the
// SQLite backend so WAL maintenance can be scheduled.
func openStore(c *cfg.Cfg) (db.Store, *db.SQLite, error) {
	if c.StoreBackend == cfg.BackendBolt {
		b, err := db.OpenBolt(c.BoltPath, c.DBQueryTimeout)
		if err != nil {
			return nil, nil, err
		}
		util.Info().Str("path", c.BoltPath).Msg("bolt store initialized")
		return b, nil, nil
	}
	s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		return nil, nil, err
	}
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")
	return s, s, nil
}

// sinks builds the configured event sinks. The NATS sink is returned
// separately so its connection can be drained on shutdown.
func sinks(c *cfg.Cfg, rdb *db.Redis) ([]notify.Sink, *notify.NATS) {
	var out []notify.Sink
	if c.Notify.WebhookCreatedURL != "" || c.Notify.WebhookDeletedURL != "" {
		out = append(out, notify.NewWebhook(c.Notify.WebhookCreatedURL, c.Notify.WebhookDeletedURL, c.Notify.WebhookTimeout))
	}
	var ns *notify.NATS
	if c.Notify.NATSURL != "" {
		nc, err := notify.DialNATS(c.Notify.NATSURL)
		if err != nil {
			util.Warn().Err(err).Msg("nats unavailable, sink disabled")
		} else {
			ns = notify.NewNATS(nc, c.Notify.NATSSubjectPrefix)
			out = append(out, ns)
		}
	}
	if rdb != nil && c.RedisEventChannel != "" {
		out = append(out, notify.NewRedisChannel(rdb, c.RedisEventChannel))
	}
	return out, ns
}
