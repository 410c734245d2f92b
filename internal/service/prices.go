package service

import (
	"context"
	"strings"
	"time"

	"coinledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type PriceProvider interface {
	GetPrice(ctx context.Context, coinID string) (decimal.Decimal, time.Time, error)
	RefreshPrices(ctx context.Context, coinIDs []string) bool
}

// PriceStore persists refreshed prices and the crypto catalogue.
type PriceStore interface {
	UpsertPrice(ctx context.Context, coinID string, price decimal.Decimal, ts time.Time) error
	ListCryptocurrencies(ctx context.Context) ([]models.Cryptocurrency, error)
	UpdateCurrentPrice(ctx context.Context, coinID string, price decimal.Decimal, ts time.Time) error
}

// PriceMirror is an optional shared copy of the cache, used to start warm.
type PriceMirror interface {
	Save(ctx context.Context, p models.PricePoint) error
	LoadAll(ctx context.Context) ([]models.PricePoint, error)
}

type PriceService struct {
	cache  *PriceCache
	store  PriceStore
	mirror PriceMirror
	log    *logrus.Logger
}

func NewPriceService(cache *PriceCache, store PriceStore, mirror PriceMirror, log *logrus.Logger) *PriceService {
	p := &PriceService{cache: cache, store: store, mirror: mirror, log: log}
	cache.OnRefresh(p.persist)
	return p
}

func (p *PriceService) Cache() *PriceCache {
	return p.cache
}

// GetPrice serves from the cache and refreshes when the entry is stale or
// missing. A failed refresh is not an error: the stale price, or zero when
// the coin was never seen, is returned.
func (p *PriceService) GetPrice(ctx context.Context, coinID string) (decimal.Decimal, time.Time, error) {
	coinID = strings.TrimSpace(coinID)
	if coinID == "" {
		return decimal.Zero, time.Time{}, models.Invalid("coin id is required")
	}
	if price, ok := p.cache.TryGet(coinID); ok && !p.cache.IsStale(coinID) {
		ts, _ := p.cache.LastUpdated(coinID)
		return price, ts, nil
	}

	if !p.cache.RefreshOne(ctx, coinID) {
		p.log.WithField("coin_id", coinID).Warn("price refresh failed, serving cached value if any")
	}
	price, ok := p.cache.TryGet(coinID)
	if !ok {
		return decimal.Zero, time.Time{}, nil
	}
	ts, _ := p.cache.LastUpdated(coinID)
	return price, ts, nil
}

// CachedPrice returns whatever the cache holds for coinID, stale or not,
// without refreshing.
func (p *PriceService) CachedPrice(coinID string) (decimal.Decimal, bool) {
	return p.cache.TryGet(strings.TrimSpace(coinID))
}

func (p *PriceService) RefreshPrices(ctx context.Context, coinIDs []string) bool {
	return p.cache.RefreshMany(ctx, coinIDs)
}

// Warm loads the mirror into the cache, keeping each entry's own timestamp
// so staleness still applies.
func (p *PriceService) Warm(ctx context.Context) int {
	if p.mirror == nil {
		return 0
	}
	points, err := p.mirror.LoadAll(ctx)
	if err != nil {
		p.log.Warnf("price mirror load failed: %v", err)
		return 0
	}
	n := 0
	for _, pt := range points {
		if !pt.Price.IsPositive() {
			continue
		}
		p.cache.Update(pt.CoinID, pt.Price, pt.Timestamp)
		n++
	}
	p.log.Infof("warmed price cache with %d entries", n)
	return n
}

// Start runs one refresh cycle right away and then one per interval until
// ctx is done. A failed cycle is logged and retried on the next tick.
func (p *PriceService) Start(ctx context.Context, interval time.Duration) {
	go func() {
		if err := p.RunCycle(ctx); err != nil {
			p.log.Errorf("initial price load failed: %v", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.log.Info("price updater stopping")
				return
			case <-ticker.C:
				if err := p.RunCycle(ctx); err != nil {
					p.log.Errorf("price update cycle failed: %v", err)
				}
			}
		}
	}()
}

// RunCycle refreshes every catalogue coin and writes cached prices back to
// the catalogue as its last known price.
func (p *PriceService) RunCycle(ctx context.Context) error {
	cryptos, err := p.store.ListCryptocurrencies(ctx)
	if err != nil {
		return err
	}
	if len(cryptos) == 0 {
		p.log.Warn("no cryptocurrencies in catalogue")
		return nil
	}

	ids := make([]string, 0, len(cryptos))
	for _, c := range cryptos {
		ids = append(ids, c.CoinID)
	}
	p.log.WithField("coins", len(ids)).Debug("starting price update cycle")
	if !p.RefreshPrices(ctx, ids) {
		p.log.Warn("failed to refresh prices from provider, keeping cached values")
	}

	for _, c := range cryptos {
		price, ok := p.cache.TryGet(c.CoinID)
		if !ok {
			p.log.WithFields(logrus.Fields{"symbol": c.Symbol, "coin_id": c.CoinID}).Warn("no price found")
			continue
		}
		if price.Equal(c.CurrentPrice) {
			continue
		}
		ts, _ := p.cache.LastUpdated(c.CoinID)
		if err := p.store.UpdateCurrentPrice(ctx, c.CoinID, price, ts); err != nil {
			p.log.Warnf("update current price for %s: %v", c.Symbol, err)
		}
	}
	p.log.Infof("price update cycle completed for %d cryptocurrencies", len(cryptos))
	return nil
}

func (p *PriceService) persist(ctx context.Context, pt models.PricePoint) {
	if err := p.store.UpsertPrice(ctx, pt.CoinID, pt.Price, pt.Timestamp); err != nil {
		p.log.WithField("coin_id", pt.CoinID).Warnf("store price history: %v", err)
	}
	if p.mirror == nil {
		return
	}
	if err := p.mirror.Save(ctx, pt); err != nil {
		p.log.WithField("coin_id", pt.CoinID).Warnf("mirror price: %v", err)
	}
}
