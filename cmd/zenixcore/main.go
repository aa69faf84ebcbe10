package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"zenixcore/internal/api"
	"zenixcore/internal/events"
	"zenixcore/internal/gateway"
	"zenixcore/internal/logqueue"
	"zenixcore/internal/monitor"
	"zenixcore/internal/orchestrator"
	"zenixcore/internal/reconciliation"
	"zenixcore/internal/risk"
	"zenixcore/internal/state"
	"zenixcore/internal/strategy"
	"zenixcore/internal/tickstore"
	"zenixcore/pkg/cache"
	"zenixcore/pkg/config"
	"zenixcore/pkg/crypto"
	"zenixcore/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("zenixcore starting, port=%s db=%s", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	db.SetLogCaps(cfg.LogMessageCap, cfg.LogDetailsCap)

	var keyMgr *crypto.KeyManager
	if os.Getenv("MASTER_ENCRYPTION_KEY") != "" {
		keyMgr, err = crypto.NewKeyManager()
		if err != nil {
			log.Fatalf("key manager init failed: %v", err)
		}
	} else {
		log.Println("MASTER_ENCRYPTION_KEY not set, venue tokens are stored in plaintext")
	}

	if os.Getenv("ROTATE_ENCRYPTION_KEY") == "true" {
		runKeyRotationAndExit(ctx, database, keyMgr)
	}

	configCache := cache.NewConfigCache(cfg.ConfigCacheTTL)
	riskMgr := risk.NewManager(database, configCache)
	riskMgr.SetBus(bus)

	stateMgr := state.NewManager()

	logs := logqueue.New(database, cfg.LogBatchSize, cfg.LogFlushInterval)
	defer logs.Close()

	gatewayMgr := gateway.NewManager(database, keyMgr, gateway.DefaultClientFactory(cfg), gateway.DefaultConfig())
	gatewayMgr.Start(ctx)
	defer gatewayMgr.Stop()

	gatewayCaller := gateway.NewCaller(database, gatewayMgr, cfg)

	ticks := tickstore.NewStore()
	trackedSymbols := append([]string{cfg.PrimarySymbol}, cfg.OtherSymbols...)
	if err := orchestrator.RestoreSnapshots(ctx, database, ticks, cfg.MaxHistory, trackedSymbols); err != nil {
		log.Fatalf("restore tick snapshots failed: %v", err)
	}

	modes := config.DefaultModes()
	if cfg.ModesConfigYAML != "" {
		loaded, err := config.LoadModes(cfg.ModesConfigYAML)
		if err != nil {
			log.Fatalf("modes config load failed: %v", err)
		}
		modes = loaded
	}

	runtime := strategy.New(modes, ticks, stateMgr, riskMgr, gatewayCaller, database, logs, bus,
		cfg.DefaultClientPayout, cfg.PayoutMarkup, 0)
	riskMgr.SetEvictor(runtime)

	recon := reconciliation.NewService(database, gatewayCaller, logs, cfg.ReconcileInterval, cfg.ReconcileEpsilon)

	orch := orchestrator.New(database, riskMgr, runtime, ticks, gatewayMgr, recon, cfg.MaxHistory, cfg.OrchestratorSyncEvery)
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("orchestrator start failed: %v", err)
	}
	defer orch.Stop()
	orchestrator.StartSnapshotLoop(ctx, database, ticks, trackedSymbols, cfg.OrchestratorSyncEvery)

	metrics := monitor.NewMetrics()
	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogAlertSink{}}
	mon.Start(ctx)

	server := api.NewServer(bus, metrics, db.NewSessionQueries(database.DB), cfg.JWTSecret, cfg.EnableOpsAuth)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}

// runKeyRotationAndExit re-encrypts every stored venue token to the
// current key version and exits, gated by a bcrypt passphrase check so
// rotation cannot be triggered by the environment alone. Operators
// produce KEY_ROTATION_PASSPHRASE_HASH once via
// crypto.HashRotationPassphrase and enter KEY_ROTATION_PASSPHRASE at
// run time.
func runKeyRotationAndExit(ctx context.Context, database *db.Database, keyMgr *crypto.KeyManager) {
	if keyMgr == nil {
		log.Fatal("key rotation requested but MASTER_ENCRYPTION_KEY is not set")
	}
	hash := os.Getenv("KEY_ROTATION_PASSPHRASE_HASH")
	passphrase := os.Getenv("KEY_ROTATION_PASSPHRASE")
	if hash == "" || passphrase == "" {
		log.Fatal("key rotation requires KEY_ROTATION_PASSPHRASE_HASH and KEY_ROTATION_PASSPHRASE")
	}
	if err := crypto.AuthorizeRotation(hash, passphrase); err != nil {
		log.Fatalf("key rotation not authorized: %v", err)
	}
	rotated, err := gateway.RotateTokens(ctx, database, keyMgr)
	if err != nil {
		log.Fatalf("key rotation failed after %d token(s): %v", rotated, err)
	}
	os.Exit(0)
}
