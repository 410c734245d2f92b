package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"coinledger/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const priceKeyPrefix = "price:"

// RedisMirror keeps a copy of the latest price per coin in Redis so a
// restarted server can start with a warm cache.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

type redisPrice struct {
	Price decimal.Decimal `json:"price"`
	Ts    int64           `json:"ts"` // unix nano
}

// NewRedisMirror connects and pings Redis. Entries expire after ttl.
func NewRedisMirror(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisMirror{rdb: rdb, ttl: ttl}, nil
}

func priceKey(coinID string) string { return priceKeyPrefix + coinID }

func (r *RedisMirror) Save(ctx context.Context, p models.PricePoint) error {
	b, err := json.Marshal(redisPrice{Price: p.Price, Ts: p.Timestamp.UnixNano()})
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, priceKey(p.CoinID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set %s: %w", models.ErrPersistence, p.CoinID, err)
	}
	return nil
}

// LoadAll returns every mirrored price. Entries that fail to decode are
// skipped.
func (r *RedisMirror) LoadAll(ctx context.Context) ([]models.PricePoint, error) {
	res := []models.PricePoint{}
	iter := r.rdb.Scan(ctx, 0, priceKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		b, err := r.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var m redisPrice
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		res = append(res, models.PricePoint{
			CoinID:    strings.TrimPrefix(key, priceKeyPrefix),
			Price:     m.Price,
			Timestamp: time.Unix(0, m.Ts).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: redis scan: %w", models.ErrPersistence, err)
	}
	return res, nil
}

func (r *RedisMirror) Health(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisMirror) Close() error {
	return r.rdb.Close()
}
