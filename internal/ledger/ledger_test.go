package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coinledger/internal/database"
	"coinledger/internal/ledger"
	"coinledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrices struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	refreshes [][]string
}

func (f *fakePrices) GetPrice(_ context.Context, coinID string) (decimal.Decimal, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[coinID]
	if !ok {
		return decimal.Zero, time.Time{}, nil
	}
	return p, time.Now(), nil
}

func (f *fakePrices) CachedPrice(coinID string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[coinID]
	return p, ok
}

func (f *fakePrices) RefreshPrices(_ context.Context, coinIDs []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, coinIDs)
	return true
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store  *database.MemoryStore
	ledger *ledger.Ledger
	prices *fakePrices
	pid    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemory(logrus.New())
	for _, c := range []models.Cryptocurrency{
		{ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", CoinID: "bitcoin"},
		{ID: "ethereum", Symbol: "ETH", Name: "Ethereum", CoinID: "ethereum", CurrentPrice: dec("3000")},
		{ID: "cardano", Symbol: "ADA", Name: "Cardano", CoinID: "cardano"},
		{ID: "solana", Symbol: "SOL", Name: "Solana", CoinID: "solana"},
	} {
		require.NoError(t, store.EnsureCryptocurrency(ctx, c))
	}
	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": dec("50000")}}
	l := ledger.New(store, prices, logrus.New())
	p, err := l.CreatePortfolio(ctx, "main", "user-1")
	require.NoError(t, err)
	return &fixture{store: store, ledger: l, prices: prices, pid: p.ID}
}

func (f *fixture) holding(t *testing.T, cryptoID string) (models.Holding, bool) {
	t.Helper()
	h, err := f.store.GetHolding(context.Background(), f.pid, cryptoID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Holding{}, false
	}
	require.NoError(t, err)
	return h, true
}

func (f *fixture) buy(t *testing.T, cryptoID, amount, price string) models.Transaction {
	t.Helper()
	tx, err := f.ledger.ApplyTransaction(context.Background(), f.pid, cryptoID, models.Buy, dec(amount), dec(price))
	require.NoError(t, err)
	return tx
}

func (f *fixture) sell(t *testing.T, cryptoID, amount, price string) models.Transaction {
	t.Helper()
	tx, err := f.ledger.ApplyTransaction(context.Background(), f.pid, cryptoID, models.Sell, dec(amount), dec(price))
	require.NoError(t, err)
	return tx
}

func TestLedger_BuyWeightedAverage(t *testing.T) {
	f := newFixture(t)

	f.buy(t, "bitcoin", "1", "10000")
	f.buy(t, "bitcoin", "1", "20000")

	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("2")))
	assert.True(t, h.AverageCost.Equal(dec("15000")), "got %s", h.AverageCost)
}

func TestLedger_SellKeepsAverageCost(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "bitcoin", "2", "15000")

	f.sell(t, "bitcoin", "0.5", "40000")

	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("1.5")))
	assert.True(t, h.AverageCost.Equal(dec("15000")))
}

func TestLedger_FullSellRemovesHolding(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "bitcoin", "2", "15000")

	f.sell(t, "bitcoin", "2", "16000")

	_, ok := f.holding(t, "bitcoin")
	assert.False(t, ok)
}

func TestLedger_OversellFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, "bitcoin", "1", "10000")

	_, err := f.ledger.ApplyTransaction(ctx, f.pid, "bitcoin", models.Sell, dec("2"), dec("10000"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientBalance))
	var ib *models.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.True(t, ib.Available.Equal(dec("1")))
	assert.True(t, ib.Requested.Equal(dec("2")))

	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("1")), "holding unchanged")

	txs, err := f.ledger.Transactions(ctx, f.pid)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "failed sell is not recorded")
}

func TestLedger_SellWithoutHolding(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.ApplyTransaction(context.Background(), f.pid, "cardano", models.Sell, dec("1"), dec("1"))
	var ib *models.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.True(t, ib.Available.IsZero())
}

func TestLedger_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		pid    string
		crypto string
		kind   models.TransactionKind
		amount string
		price  string
		want   error
	}{
		{"zero amount", f.pid, "bitcoin", models.Buy, "0", "1", models.ErrInvalidArgument},
		{"negative amount", f.pid, "bitcoin", models.Buy, "-1", "1", models.ErrInvalidArgument},
		{"negative price", f.pid, "bitcoin", models.Buy, "1", "-1", models.ErrInvalidArgument},
		{"unknown kind", f.pid, "bitcoin", models.TransactionKind("HOLD"), "1", "1", models.ErrInvalidArgument},
		{"empty portfolio", "", "bitcoin", models.Buy, "1", "1", models.ErrInvalidArgument},
		{"empty crypto", f.pid, " ", models.Sell, "1", "1", models.ErrInvalidArgument},
		{"unknown portfolio", "missing", "bitcoin", models.Buy, "1", "1", models.ErrNotFound},
		{"unknown crypto", f.pid, "dogecoin", models.Buy, "1", "1", models.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.ApplyTransaction(ctx, tt.pid, tt.crypto, tt.kind, dec(tt.amount), dec(tt.price))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	holdings, err := f.ledger.Holdings(ctx, f.pid)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestLedger_BuyWithoutPriceUsesMarketPrice(t *testing.T) {
	f := newFixture(t)

	tx := f.buy(t, "bitcoin", "1", "0")
	assert.True(t, tx.PriceAtTime.Equal(dec("50000")))

	tx = f.buy(t, "ethereum", "1", "0")
	assert.True(t, tx.PriceAtTime.Equal(dec("3000")), "falls back to last known price")
}

func TestLedger_ApplySellPricesAtMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ApplyBuy(ctx, f.pid, "bitcoin", dec("2"), dec("10000"), time.Now())
	require.NoError(t, err)

	tx, err := f.ledger.ApplySell(ctx, f.pid, "bitcoin", dec("1"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.Sell, tx.Kind)
	assert.True(t, tx.PriceAtTime.Equal(dec("50000")))
}

func TestLedger_EditAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.buy(t, "bitcoin", "2", "100")

	amount := dec("3")
	updated, err := f.ledger.EditTransaction(ctx, tx.ID, ledger.TransactionUpdate{Amount: &amount})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(amount))
	assert.Equal(t, tx.Timestamp, updated.Timestamp)

	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("3")))
	assert.True(t, h.AverageCost.Equal(dec("100")))

	stored, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(amount))
}

func TestLedger_EditMovesToAnotherCrypto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.buy(t, "bitcoin", "2", "100")

	crypto := "cardano"
	_, err := f.ledger.EditTransaction(ctx, tx.ID, ledger.TransactionUpdate{CryptoID: &crypto})
	require.NoError(t, err)

	_, ok := f.holding(t, "bitcoin")
	assert.False(t, ok)
	h, ok := f.holding(t, "cardano")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("2")))
}

func TestLedger_FailedEditRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buy := f.buy(t, "bitcoin", "5", "100")

	kind := models.Sell
	amount := dec("20")
	_, err := f.ledger.EditTransaction(ctx, buy.ID, ledger.TransactionUpdate{Kind: &kind, Amount: &amount})
	assert.True(t, errors.Is(err, models.ErrInsufficientBalance))

	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok, "reversal was rolled back")
	assert.True(t, h.Quantity.Equal(dec("5")))
	stored, err := f.store.GetTransaction(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Buy, stored.Kind)

	negative := dec("-1")
	_, err = f.ledger.EditTransaction(ctx, buy.ID, ledger.TransactionUpdate{PriceAtTime: &negative})
	assert.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = f.ledger.EditTransaction(ctx, "missing", ledger.TransactionUpdate{})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestLedger_DeleteBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.buy(t, "bitcoin", "1", "10000")
	f.buy(t, "bitcoin", "1", "20000")

	require.NoError(t, f.ledger.DeleteTransaction(ctx, first.ID))

	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("1")))
	assert.True(t, h.AverageCost.Equal(dec("15000")), "undoing a buy leaves the average cost")

	_, err := f.store.GetTransaction(ctx, first.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	assert.True(t, errors.Is(f.ledger.DeleteTransaction(ctx, first.ID), models.ErrNotFound))
	assert.True(t, errors.Is(f.ledger.DeleteTransaction(ctx, ""), models.ErrInvalidArgument))
}

func TestLedger_DeleteBuyAfterSellsIsUnconditional(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buy := f.buy(t, "bitcoin", "2", "100")
	f.sell(t, "bitcoin", "1", "150")

	require.NoError(t, f.ledger.DeleteTransaction(ctx, buy.ID))

	_, ok := f.holding(t, "bitcoin")
	assert.False(t, ok, "quantity dropped to zero or below")
}

func TestLedger_DeleteSellReopensPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, "bitcoin", "2", "100")
	sell := f.sell(t, "bitcoin", "2", "150")
	_, ok := f.holding(t, "bitcoin")
	require.False(t, ok)

	require.NoError(t, f.ledger.DeleteTransaction(ctx, sell.ID))

	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("2")))
	assert.True(t, h.AverageCost.Equal(dec("150")))
}

func TestLedger_ReplayHolding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buy := f.buy(t, "bitcoin", "5", "100")
	f.sell(t, "bitcoin", "2", "150")

	amount := dec("4")
	_, err := f.ledger.EditTransaction(ctx, buy.ID, ledger.TransactionUpdate{Amount: &amount})
	require.NoError(t, err)
	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok)
	require.True(t, h.Quantity.Equal(dec("4")), "reverse-then-reapply forgets the later sell")

	replayed, err := f.ledger.ReplayHolding(ctx, f.pid, "bitcoin")
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.True(t, replayed.Quantity.Equal(dec("2")))
	assert.True(t, replayed.AverageCost.Equal(dec("100")))
	assert.Equal(t, h.ID, replayed.ID)

	h, ok = f.holding(t, "bitcoin")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("2")))
}

func TestLedger_ReplayClosesOversoldPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	buy, err := f.ledger.ApplyTransactionAt(ctx, f.pid, "bitcoin", models.Buy, dec("2"), dec("100"), base)
	require.NoError(t, err)
	_, err = f.ledger.ApplyTransactionAt(ctx, f.pid, "bitcoin", models.Sell, dec("1"), dec("100"), base.Add(time.Minute))
	require.NoError(t, err)

	// dating the buy after the sell leaves the sell with nothing to sell
	later := base.Add(2 * time.Minute)
	_, err = f.ledger.EditTransaction(ctx, buy.ID, ledger.TransactionUpdate{Timestamp: &later})
	require.NoError(t, err)

	replayed, err := f.ledger.ReplayHolding(ctx, f.pid, "bitcoin")
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.True(t, replayed.Quantity.Equal(dec("2")), "got %s", replayed.Quantity)

	require.NoError(t, f.ledger.DeleteTransaction(ctx, buy.ID))
	replayed, err = f.ledger.ReplayHolding(ctx, f.pid, "bitcoin")
	require.NoError(t, err)
	assert.Nil(t, replayed)
	_, ok := f.holding(t, "bitcoin")
	assert.False(t, ok)

	_, err = f.ledger.ReplayHolding(ctx, "missing", "bitcoin")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestLedger_ConcurrentBuysSamePortfolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.ApplyTransaction(ctx, f.pid, "bitcoin", models.Buy, dec("1"), dec("100"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h, ok := f.holding(t, "bitcoin")
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(dec("50")), "got %s", h.Quantity)
	txs, err := f.ledger.Transactions(ctx, f.pid)
	require.NoError(t, err)
	assert.Len(t, txs, 50)
}

func TestLedger_TransactionsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	old, err := f.ledger.ApplyTransactionAt(ctx, f.pid, "bitcoin", models.Buy, dec("1"), dec("1"), base)
	require.NoError(t, err)
	recent, err := f.ledger.ApplyTransactionAt(ctx, f.pid, "bitcoin", models.Buy, dec("1"), dec("1"), base.Add(time.Minute))
	require.NoError(t, err)

	txs, err := f.ledger.Transactions(ctx, f.pid)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, recent.ID, txs[0].ID)
	assert.Equal(t, old.ID, txs[1].ID)
}

func TestLedger_CreatePortfolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreatePortfolio(ctx, "", "user-1")
	assert.True(t, errors.Is(err, models.ErrInvalidArgument))
	_, err = f.ledger.CreatePortfolio(ctx, "x", " ")
	assert.True(t, errors.Is(err, models.ErrInvalidArgument))

	p, err := f.ledger.GetPortfolio(ctx, f.pid)
	require.NoError(t, err)
	assert.Equal(t, "main", p.Name)
	assert.Equal(t, "user-1", p.UserID)

	_, err = f.ledger.GetPortfolio(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
