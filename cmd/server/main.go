package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/database"
	"coinledger/internal/handlers"
	"coinledger/internal/ledger"
	"coinledger/internal/models"
	"coinledger/internal/quote"
	"coinledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// store is what the server needs from a persistence backend.
type store interface {
	ledger.Store
	service.PriceStore
	handlers.PriceHistory
	EnsureCryptocurrency(ctx context.Context, c models.Cryptocurrency) error
}

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store
	if cfg.PostgresURL == "" {
		logger.Warn("POSTGRES_URL is not set; using the in-memory store, nothing will survive a restart")
		st = database.NewMemory(logger)
	} else {
		db, err := initDB(cfg.PostgresURL)
		if err != nil {
			logger.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		st = database.New(db, logger)
	}
	for _, c := range database.DefaultCatalogue() {
		if err := st.EnsureCryptocurrency(ctx, c); err != nil {
			logger.Warnf("ensure %s: %v", c.Symbol, err)
		}
	}

	var mirror service.PriceMirror
	var redisMirror *database.RedisMirror
	if cfg.RedisAddr != "" {
		rm, err := database.NewRedisMirror(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 2*cfg.PriceTTL)
		if err != nil {
			logger.Warnf("redis unavailable, running without price mirror: %v", err)
		} else {
			defer rm.Close()
			mirror = rm
			redisMirror = rm
		}
	}

	quoter := quote.NewCoinGecko(cfg.CoinGeckoURL, cfg.CoinGeckoAPIKey, cfg.FetchTimeout, logger)
	srcCfg := service.DefaultSourceConfig()
	srcCfg.RequestTimeout = cfg.FetchTimeout
	source := service.NewPriceSource(quoter, srcCfg, logger)
	cache := service.NewPriceCache(source, cfg.PriceTTL, logger)
	priceSvc := service.NewPriceService(cache, st, mirror, logger)

	priceSvc.Warm(ctx)
	priceSvc.Start(ctx, cfg.PriceUpdateInterval)

	l := ledger.New(st, priceSvc, logger)
	h := handlers.NewHandler(l, priceSvc, st, logger)
	if redisMirror != nil {
		h.AddHealthCheck("redis", redisMirror)
	}

	rg := gin.Default()
	h.Register(rg)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: rg}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
	}()

	logger.Infof("server starting on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server: %v", err)
	}
	logger.Info("server stopped")
}

func initDB(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}
