package ledger

import (
	"context"
	"errors"

	"coinledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PortfolioValue is the sum of quantity times current price over the
// portfolio's holdings, rounded to cents.
func (l *Ledger) PortfolioValue(ctx context.Context, portfolioID string) (decimal.Decimal, error) {
	_, total, err := l.Valuate(ctx, portfolioID)
	return total, err
}

// Valuate prices every holding of the portfolio. The stale subset is
// refreshed in one batch, after which prices are only read from the cache;
// stale quotes are used as is. Coins the cache has never seen fall back to
// the latest recorded price, the catalogue's last known price, then the
// holding's average cost, and the item is flagged as degraded.
func (l *Ledger) Valuate(ctx context.Context, portfolioID string) ([]models.PortfolioItem, decimal.Decimal, error) {
	holdings, err := l.Holdings(ctx, portfolioID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if len(holdings) == 0 {
		return []models.PortfolioItem{}, decimal.Zero, nil
	}

	cryptos := make([]models.Cryptocurrency, len(holdings))
	coinIDs := make([]string, 0, len(holdings))
	for i, h := range holdings {
		c, err := l.cryptocurrency(ctx, h.CryptoID)
		if err != nil {
			return nil, decimal.Zero, err
		}
		cryptos[i] = c
		coinIDs = append(coinIDs, c.CoinID)
	}
	if l.prices != nil && !l.prices.RefreshPrices(ctx, coinIDs) {
		l.log.WithField("portfolio_id", portfolioID).Warn("price refresh failed, valuing with cached prices")
	}

	items := make([]models.PortfolioItem, 0, len(holdings))
	total := decimal.Zero
	for i, h := range holdings {
		price, degraded := l.resolvePrice(ctx, cryptos[i], &h, false)
		value := h.Quantity.Mul(price)
		total = total.Add(value)
		items = append(items, models.PortfolioItem{
			CryptoID:     h.CryptoID,
			Quantity:     h.Quantity,
			AverageCost:  h.AverageCost,
			CurrentPrice: price,
			CurrentValue: value,
			Degraded:     degraded,
		})
		l.log.Tracef("value for %s: %s * $%s = $%s", cryptos[i].Symbol, h.Quantity, price, value)
	}
	return items, total.RoundBank(2), nil
}

// CurrentPrice resolves the price a new transaction should default to.
func (l *Ledger) CurrentPrice(ctx context.Context, cryptoID string) (decimal.Decimal, error) {
	c, err := l.store.GetCryptocurrency(ctx, cryptoID)
	if err != nil {
		return decimal.Zero, err
	}
	price, _ := l.resolvePrice(ctx, c, nil, true)
	return price, nil
}

func (l *Ledger) cryptocurrency(ctx context.Context, cryptoID string) (models.Cryptocurrency, error) {
	c, err := l.store.GetCryptocurrency(ctx, cryptoID)
	if errors.Is(err, models.ErrNotFound) {
		l.log.WithField("crypto_id", cryptoID).Debug("crypto not in catalogue, using its id as coin id")
		return models.Cryptocurrency{ID: cryptoID, Symbol: cryptoID, CoinID: cryptoID}, nil
	}
	return c, err
}

// resolvePrice walks the fallback chain for one coin. With refresh set a
// missing or stale cache entry is fetched first; otherwise the cache is only
// read.
func (l *Ledger) resolvePrice(ctx context.Context, c models.Cryptocurrency, h *models.Holding, refresh bool) (decimal.Decimal, bool) {
	fields := logrus.Fields{"symbol": c.Symbol, "coin_id": c.CoinID}
	if l.prices != nil {
		if refresh {
			price, _, err := l.prices.GetPrice(ctx, c.CoinID)
			if err != nil {
				l.log.WithFields(fields).Warnf("price lookup failed: %v", err)
			} else if price.IsPositive() {
				return price, false
			}
		} else if price, ok := l.prices.CachedPrice(c.CoinID); ok && price.IsPositive() {
			return price, false
		}
	}
	price, _, err := l.store.GetLatestPrice(ctx, c.CoinID)
	switch {
	case err == nil && price.IsPositive():
		l.log.WithFields(fields).Warnf("used latest recorded price $%s", price.String())
		return price, true
	case err != nil && !errors.Is(err, models.ErrNotFound):
		l.log.WithFields(fields).Warnf("price history lookup failed: %v", err)
	}
	if c.CurrentPrice.IsPositive() {
		l.log.WithFields(fields).Warnf("used last known price $%s", c.CurrentPrice.String())
		return c.CurrentPrice, true
	}
	if h != nil && h.AverageCost.IsPositive() {
		l.log.WithFields(fields).Warnf("no market price, used average cost $%s", h.AverageCost.String())
		return h.AverageCost, true
	}
	l.log.WithFields(fields).Error("no price available")
	return decimal.Zero, true
}
