package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"coinledger/internal/ledger"
	"coinledger/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *sqlx.DB {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL is not set; skipping integration tests")
	}
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	files := []string{"../../migrations/0001_init.up.sql"}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := db.Exec(string(b)); err != nil {
			t.Logf("exec migration %s: %v", f, err)
		}
	}
	return db
}

// seedRepo creates a portfolio and one catalogue coin unique to the test.
func seedRepo(t *testing.T, db *sqlx.DB) (*Repo, models.Portfolio, models.Cryptocurrency) {
	t.Helper()
	ctx := context.Background()
	r := New(db, logrus.New())

	suffix := uuid.NewString()[:8]
	c := models.Cryptocurrency{ID: "test-" + suffix, Symbol: "T" + suffix, Name: "Test Coin", CoinID: "test-coin-" + suffix}
	require.NoError(t, r.EnsureCryptocurrency(ctx, c))
	p := models.Portfolio{ID: uuid.NewString(), Name: "integration", UserID: "user-" + suffix, CreatedAt: time.Now().UTC()}
	require.NoError(t, r.CreatePortfolio(ctx, p))

	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM portfolios WHERE id = $1`, p.ID)
		_, _ = db.Exec(`DELETE FROM price_history WHERE coin_id = $1`, c.CoinID)
		_, _ = db.Exec(`DELETE FROM cryptocurrencies WHERE id = $1`, c.ID)
	})
	return r, p, c
}

func TestRepo_PortfolioAndCatalogue(t *testing.T) {
	db := setupDB(t)
	r, p, c := seedRepo(t, db)
	ctx := context.Background()

	got, err := r.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)

	_, err = r.GetPortfolio(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, models.ErrNotFound))

	err = r.CreatePortfolio(ctx, p)
	assert.True(t, errors.Is(err, models.ErrInvalidArgument), "duplicate id maps to invalid argument, got %v", err)

	require.NoError(t, r.EnsureCryptocurrency(ctx, models.Cryptocurrency{ID: c.ID, Symbol: "OTHER", Name: "x", CoinID: c.CoinID}))
	gotC, err := r.GetCryptocurrency(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Symbol, gotC.Symbol, "existing entry is kept")
	assert.Nil(t, gotC.UpdatedAt)

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, r.UpdateCurrentPrice(ctx, c.CoinID, decimal.RequireFromString("123.45"), ts))
	gotC, err = r.GetCryptocurrency(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, gotC.CurrentPrice.Equal(decimal.RequireFromString("123.45")))
	require.NotNil(t, gotC.UpdatedAt)
}

func TestRepo_PriceHistory(t *testing.T) {
	db := setupDB(t)
	r, _, c := seedRepo(t, db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, r.UpsertPrice(ctx, c.CoinID, decimal.NewFromInt(100), base))
	require.NoError(t, r.UpsertPrice(ctx, c.CoinID, decimal.NewFromInt(110), base.Add(10*time.Minute)))
	require.NoError(t, r.UpsertPrice(ctx, c.CoinID, decimal.NewFromInt(999), base), "same timestamp is ignored")

	price, ts, err := r.GetLatestPrice(ctx, c.CoinID)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(110)))
	assert.True(t, ts.Equal(base.Add(10*time.Minute)))

	at, err := r.PriceAt(ctx, c.CoinID, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, at.Equal(decimal.NewFromInt(100)))

	_, err = r.PriceAt(ctx, c.CoinID, base.Add(-time.Minute))
	assert.True(t, errors.Is(err, models.ErrNotFound))

	points, err := r.PriceHistory(ctx, c.CoinID, base)
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestRepo_InTxRollsBack(t *testing.T) {
	db := setupDB(t)
	r, p, c := seedRepo(t, db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := r.InTx(ctx, func(tx ledger.Store) error {
		h := models.Holding{ID: uuid.NewString(), PortfolioID: p.ID, CryptoID: c.ID, Quantity: decimal.NewFromInt(1), AverageCost: decimal.NewFromInt(10), AcquiredAt: time.Now().UTC()}
		if err := tx.SaveHolding(ctx, h); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = r.GetHolding(ctx, p.ID, c.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound), "holding write was rolled back")
}

func TestRepo_HoldingsAndTransactions(t *testing.T) {
	db := setupDB(t)
	r, p, c := seedRepo(t, db)
	ctx := context.Background()

	h := models.Holding{ID: uuid.NewString(), PortfolioID: p.ID, CryptoID: c.ID, Quantity: decimal.NewFromInt(2), AverageCost: decimal.NewFromInt(15000), AcquiredAt: time.Now().UTC()}
	require.NoError(t, r.SaveHolding(ctx, h))
	h.Quantity = decimal.NewFromInt(3)
	require.NoError(t, r.SaveHolding(ctx, h))

	holdings, err := r.ListHoldings(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Quantity.Equal(decimal.NewFromInt(3)))

	require.NoError(t, r.DeleteHolding(ctx, p.ID, c.ID))
	assert.True(t, errors.Is(r.DeleteHolding(ctx, p.ID, c.ID), models.ErrNotFound))

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := models.Transaction{ID: uuid.NewString(), PortfolioID: p.ID, CryptoID: c.ID, Kind: models.Buy, Amount: decimal.NewFromInt(1), PriceAtTime: decimal.NewFromInt(10), Timestamp: now}
	second := first
	second.ID = uuid.NewString()
	second.Kind = models.Sell
	require.NoError(t, r.InsertTransaction(ctx, first))
	require.NoError(t, r.InsertTransaction(ctx, second))

	txs, err := r.ListTransactions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, first.ID, txs[0].ID, "equal timestamps keep insertion order")
	assert.Equal(t, models.Sell, txs[1].Kind)

	second.Amount = decimal.RequireFromString("0.5")
	require.NoError(t, r.UpdateTransaction(ctx, second))
	got, err := r.GetTransaction(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("0.5")))

	require.NoError(t, r.DeleteTransaction(ctx, second.ID))
	_, err = r.GetTransaction(ctx, second.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
