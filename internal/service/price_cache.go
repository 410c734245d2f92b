package service

import (
	"context"
	"sync"
	"time"

	"coinledger/internal/keylock"
	"coinledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const DefaultPriceTTL = 10 * time.Minute

// PriceFetcher is the upstream side of the cache. FetchPrices reports a zero
// price for every id it could not resolve.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, coinID string) decimal.Decimal
	FetchPrices(ctx context.Context, coinIDs []string) map[string]decimal.Decimal
}

// PriceCache keeps the last refreshed price per coin id. Reads never block;
// refreshes are serialized per coin id so one id is never fetched twice at
// the same time, while unrelated ids refresh independently.
type PriceCache struct {
	entries sync.Map // coin id -> *models.PricePoint
	ttl     time.Duration
	source  PriceFetcher
	flight  singleflight.Group
	locks   *keylock.Locker
	log     *logrus.Logger
	now     func() time.Time

	onRefresh func(ctx context.Context, p models.PricePoint)
}

func NewPriceCache(source PriceFetcher, ttl time.Duration, log *logrus.Logger) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &PriceCache{
		ttl:    ttl,
		source: source,
		locks:  keylock.New(),
		log:    log,
		now:    time.Now,
	}
}

// OnRefresh registers fn to run after every price a refresh stored. It is not
// called for plain Update calls. Set it before the cache is shared.
func (c *PriceCache) OnRefresh(fn func(ctx context.Context, p models.PricePoint)) {
	c.onRefresh = fn
}

func (c *PriceCache) TryGet(coinID string) (decimal.Decimal, bool) {
	v, ok := c.entries.Load(coinID)
	if !ok {
		return decimal.Zero, false
	}
	return v.(*models.PricePoint).Price, true
}

func (c *PriceCache) LastUpdated(coinID string) (time.Time, bool) {
	v, ok := c.entries.Load(coinID)
	if !ok {
		return time.Time{}, false
	}
	return v.(*models.PricePoint).Timestamp, true
}

func (c *PriceCache) IsStale(coinID string) bool {
	ts, ok := c.LastUpdated(coinID)
	if !ok {
		return true
	}
	return c.now().Sub(ts) >= c.ttl
}

// Update stores price for coinID unless a newer entry is already present.
func (c *PriceCache) Update(coinID string, price decimal.Decimal, ts time.Time) {
	next := &models.PricePoint{CoinID: coinID, Price: price, Timestamp: ts}
	for {
		cur, loaded := c.entries.LoadOrStore(coinID, next)
		if !loaded {
			return
		}
		if cur.(*models.PricePoint).Timestamp.After(ts) {
			return
		}
		if c.entries.CompareAndSwap(coinID, cur, next) {
			return
		}
	}
}

// RefreshOne makes sure coinID has a fresh price. It returns false when a
// fetch was needed and did not produce a positive price, or when ctx ended
// first; a stale value, if any, stays in place. The shared fetch is detached
// from the caller that started it, so a cancelled caller does not fail the
// refresh for the others waiting on the same coin.
func (c *PriceCache) RefreshOne(ctx context.Context, coinID string) bool {
	if coinID == "" {
		return false
	}
	if !c.IsStale(coinID) {
		return true
	}

	ch := c.flight.DoChan(coinID, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		unlock := c.locks.Lock(coinID)
		defer unlock()

		// another caller may have refreshed it while we waited
		if !c.IsStale(coinID) {
			return true, nil
		}

		price := c.source.FetchPrice(fetchCtx, coinID)
		if !price.IsPositive() {
			c.log.WithField("coin_id", coinID).Warn("price refresh returned no usable price")
			return false, nil
		}
		c.store(fetchCtx, coinID, price, c.now())
		c.log.WithField("coin_id", coinID).Infof("refreshed price: $%s", price.String())
		return true, nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		c.log.WithField("coin_id", coinID).Debugf("stopped waiting for refresh: %v", ctx.Err())
		return false
	}
}

// RefreshMany fetches the stale subset of coinIDs in one batch. Nothing
// stale means nothing to do and reports true. Otherwise it reports whether
// at least one id got a new price.
func (c *PriceCache) RefreshMany(ctx context.Context, coinIDs []string) bool {
	stale := c.staleOf(normalizeIDs(coinIDs))
	if len(stale) == 0 {
		return true
	}

	unlock := c.locks.LockAll(stale)
	defer unlock()

	stale = c.staleOf(stale)
	if len(stale) == 0 {
		return true
	}

	prices := c.source.FetchPrices(ctx, stale)
	now := c.now()
	updated := 0
	for _, id := range stale {
		p := prices[id]
		if !p.IsPositive() {
			continue
		}
		c.store(ctx, id, p, now)
		updated++
	}

	if updated == 0 {
		c.log.WithField("requested", len(stale)).Warn("bulk price refresh updated nothing")
		return false
	}
	c.log.WithFields(logrus.Fields{"requested": len(stale), "updated": updated}).Info("refreshed prices")
	return true
}

func (c *PriceCache) Clear() {
	c.entries.Range(func(k, _ interface{}) bool {
		c.entries.Delete(k)
		return true
	})
}

// Entries returns a copy of every cached price.
func (c *PriceCache) Entries() []models.PricePoint {
	var res []models.PricePoint
	c.entries.Range(func(_, v interface{}) bool {
		res = append(res, *v.(*models.PricePoint))
		return true
	})
	return res
}

func (c *PriceCache) staleOf(ids []string) []string {
	var res []string
	for _, id := range ids {
		if c.IsStale(id) {
			res = append(res, id)
		}
	}
	return res
}

func (c *PriceCache) store(ctx context.Context, coinID string, price decimal.Decimal, ts time.Time) {
	c.Update(coinID, price, ts)
	if c.onRefresh != nil {
		c.onRefresh(ctx, models.PricePoint{CoinID: coinID, Price: price, Timestamp: ts})
	}
}
