package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"coinledger/internal/models"

	"github.com/shopspring/decimal"
)

const (
	day            = 24 * time.Hour
	maxHistoryDays = 365
)

// DailyValuations values the portfolio at the end of every UTC day from its
// first transaction up to yesterday, using recorded price history. Coins
// without a recorded price for a day do not count towards that day.
func (l *Ledger) DailyValuations(ctx context.Context, portfolioID string) ([]models.DailyValuation, error) {
	if _, err := l.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	res := []models.DailyValuation{}
	if len(txs) == 0 {
		return res, nil
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp.Before(txs[j].Timestamp) })

	start := txs[0].Timestamp.UTC().Truncate(day)
	end := l.now().UTC().Truncate(day).Add(-day)
	if start.After(end) {
		return res, nil
	}
	if oldest := end.Add(-(maxHistoryDays - 1) * day); start.Before(oldest) {
		start = oldest
	}

	coinIDs := map[string]string{}
	for _, t := range txs {
		if _, ok := coinIDs[t.CryptoID]; ok {
			continue
		}
		c, err := l.cryptocurrency(ctx, t.CryptoID)
		if err != nil {
			return nil, err
		}
		coinIDs[t.CryptoID] = c.CoinID
	}

	qty := map[string]decimal.Decimal{}
	next := 0
	for d := start; !d.After(end); d = d.Add(day) {
		// last moment of day d
		cutoff := d.Add(day).Add(-time.Microsecond)
		for ; next < len(txs) && !txs[next].Timestamp.After(cutoff); next++ {
			t := txs[next]
			if t.Kind == models.Sell {
				qty[t.CryptoID] = decimal.Max(qty[t.CryptoID].Sub(t.Amount), decimal.Zero)
			} else {
				qty[t.CryptoID] = qty[t.CryptoID].Add(t.Amount)
			}
		}

		total := decimal.Zero
		for cryptoID, q := range qty {
			if !q.IsPositive() {
				continue
			}
			price, err := l.store.PriceAt(ctx, coinIDs[cryptoID], cutoff)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				l.log.Warnf("price for %s on %s: %v", coinIDs[cryptoID], d.Format("2006-01-02"), err)
				continue
			}
			total = total.Add(q.Mul(price))
		}
		res = append(res, models.DailyValuation{Date: d.Format("2006-01-02"), TotalUSD: total.RoundBank(2)})
	}
	return res, nil
}
