package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/VladimirBerl/bonusledger/internal/bonus"
	"github.com/VladimirBerl/bonusledger/internal/config"
	"github.com/VladimirBerl/bonusledger/internal/httpserver"
	"github.com/VladimirBerl/bonusledger/internal/idempotency"
	"github.com/VladimirBerl/bonusledger/internal/ledger"
	ledgerpg "github.com/VladimirBerl/bonusledger/internal/ledger/postgres"
	ledgersql "github.com/VladimirBerl/bonusledger/internal/ledger/sqlite"
	"github.com/VladimirBerl/bonusledger/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to bonusledger.yaml")
	flag.Parse()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(100 * 1024 * 1024)
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs.
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[bonusledgerd] ")
		defer rot.Close()
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer store.Close()
	log.Printf("ledger store ready driver=%s", cfg.Store.Driver)

	ctx := context.Background()
	var cache idempotency.Store
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		cache, err = idempotency.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("connect idempotency cache: %v", err)
		}
		log.Printf("idempotency cache: redis addr=%s", cfg.Redis.Addr)
	} else {
		cache = idempotency.NewMemoryStore()
		log.Printf("idempotency cache: in-memory")
	}
	defer cache.Close()

	settings := bonus.Settings{
		ExpirationMonths:    cfg.Bonus.ExpirationMonths,
		ReferralRate:        cfg.Bonus.ReferralRate,
		ReferralPurchaseCap: cfg.Bonus.ReferralPurchaseCap,
		MaxSpendPercent:     cfg.Bonus.MaxSpendPercent,
		RejectUnbacked:      cfg.Bonus.RejectUnbacked,
	}

	engineLogger := log.New(log.Writer(), "[bonusledgerd/engine] ", log.LstdFlags|log.Lmicroseconds)
	accrual := bonus.NewAccrualEngine(store, engineLogger)
	consumption := bonus.NewConsumptionEngine(store, engineLogger)
	sweeper := bonus.NewSweeper(store, engineLogger, cfg.SweepInterval())
	attributor := bonus.NewReferralAttributor(store, cache, engineLogger)
	attributor.SetCacheTTL(time.Duration(cfg.Redis.TTLHours) * time.Hour)

	stopSweep := make(chan struct{})
	go sweeper.Run(ctx, stopSweep)

	httpSrv := httpserver.New(httpserver.Options{
		Store:       store,
		Accrual:     accrual,
		Consumption: consumption,
		Sweeper:     sweeper,
		Attributor:  attributor,
		Settings:    settings,
		AdminToken:  cfg.AdminToken,
		Logger:      log.New(log.Writer(), "[bonusledgerd/http] ", log.LstdFlags|log.Lmicroseconds),
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("bonus ledger listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	close(stopSweep)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openStore(cfg config.StoreConfig) (ledger.Store, error) {
	if cfg.Driver == "postgres" {
		return ledgerpg.New(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime)
	}
	return ledgersql.New(cfg.Path)
}
