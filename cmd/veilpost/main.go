package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"veilpost/cfg"
	"veilpost/metrics"
	"veilpost/pkg/seal"
	"veilpost/svc/api"
	"veilpost/svc/cache"
	"veilpost/svc/chain"
	"veilpost/svc/db"
	"veilpost/svc/lim"
	"veilpost/svc/svc"
	"veilpost/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "veilpost.db"
		}
		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()
		if err := sqlDB.Ping(ctx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting veilpost API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keyring, err := seal.NewKeyring(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize keyring")
		os.Exit(1)
	}

	var pepper []byte
	if c.PepperFromKMS {
		pepperB64, err := keyring.GetSecret(ctx, "VEILPOST_PEPPER")
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to load pepper from keyring")
			os.Exit(1)
		}
		pepper, err = base64.StdEncoding.DecodeString(pepperB64)
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: invalid pepper format")
			os.Exit(1)
		}
	} else {
		if c.Pepper.Value() == "" {
			util.Fatal().Msg("CRITICAL: PEPPER must be set when PEPPER_FROM_KMS=false")
			os.Exit(1)
		}
		pepper = []byte(c.Pepper.Value())
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		util.Fatal().Int("length", len(pepper)).Msg("CRITICAL: pepper too short, must be >= 32 bytes")
		os.Exit(1)
	}

	hasher, err := util.NewIdentityHasher(pepper, c.IdentityRotationInterval)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize identity hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	util.Wipe(pepper)
	util.Info().Dur("rotation_interval", c.IdentityRotationInterval).Msg("identity hasher initialized")

	dekCache := seal.NewDEKCache(keyring, c.DEKCacheTTL)
	defer dekCache.Stop()
	sealer := seal.NewSealer(keyring, dekCache)

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	var counter lim.Counter
	if rdb != nil {
		counter = rdb
	}
	limiter := lim.New(counter)
	defer limiter.Stop()

	var registry svc.Registry
	if c.LedgerURL != "" {
		client, err := chain.NewClient(chain.Config{
			BaseURL: c.LedgerURL,
			Program: c.CoreProgram,
		})
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize ledger client")
			os.Exit(1)
		}
		registry = client
		util.Info().Str("url", c.LedgerURL).Str("program", c.CoreProgram).Msg("ledger client initialized")
	} else {
		util.Warn().Msg("no ledger URL configured, creator registry checks disabled")
	}

	posts := svc.NewPost(sqlDB, lruCache, sealer, registry, limiter, hasher, c)
	server := api.NewServer(c, posts, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
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
	close(quitWAL)
	cancel()
	util.Info().Msg("shutdown complete")
}
