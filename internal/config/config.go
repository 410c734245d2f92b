// Package config reads server settings from the environment, after loading
// a .env file when one exists.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"coinledger/internal/quote"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	PostgresURL string
	Port        string
	LogLevel    logrus.Level

	PriceUpdateInterval time.Duration
	PriceTTL            time.Duration
	FetchTimeout        time.Duration
	CoinGeckoURL        string
	CoinGeckoAPIKey     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		PostgresURL:     os.Getenv("POSTGRES_URL"),
		Port:            getenv("PORT", "8080"),
		CoinGeckoURL:    getenv("COINGECKO_URL", quote.DefaultBaseURL),
		CoinGeckoAPIKey: os.Getenv("COINGECKO_API_KEY"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
	}

	level, err := logrus.ParseLevel(getenv("LOG_LEVEL", "debug"))
	if err != nil {
		return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	if cfg.PriceUpdateInterval, err = seconds("PRICE_UPDATE_INTERVAL", 600); err != nil {
		return Config{}, err
	}
	if cfg.PriceTTL, err = seconds("PRICE_TTL", 600); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout, err = seconds("FETCH_TIMEOUT", 10); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil || db < 0 {
			return Config{}, fmt.Errorf("REDIS_DB: invalid value %q", v)
		}
		cfg.RedisDB = db
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// seconds reads a positive number of seconds.
func seconds(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: expected a positive number of seconds, got %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
