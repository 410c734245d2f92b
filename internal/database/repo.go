package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coinledger/internal/ledger"
	"coinledger/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Repo is the Postgres store. A Repo returned to an InTx callback is bound
// to that database transaction.
type Repo struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
	tx  *sqlx.Tx
	log *logrus.Logger
}

func New(db *sqlx.DB, log *logrus.Logger) *Repo {
	return &Repo{db: db, ext: db, log: log}
}

func (r *Repo) InTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Repo{db: r.db, ext: tx, tx: tx, log: r.log}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Warnf("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

func wrapErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s: duplicate key %s", models.ErrInvalidArgument, op, pqErr.Constraint)
		case "23503":
			return fmt.Errorf("%s: referenced row %w (%s)", op, models.ErrNotFound, pqErr.Constraint)
		}
	}
	return fmt.Errorf("%w: %s: %w", models.ErrPersistence, op, err)
}

func (r *Repo) CreatePortfolio(ctx context.Context, p models.Portfolio) error {
	_, err := r.ext.ExecContext(ctx, `INSERT INTO portfolios (id, name, user_id, created_at) VALUES ($1, $2, $3, $4)`, p.ID, p.Name, p.UserID, p.CreatedAt)
	if err != nil {
		return wrapErr("create portfolio", err)
	}
	return nil
}

// GetPortfolio inside InTx locks the portfolio row until the transaction
// ends, which serializes ledger writes to one portfolio across processes
// even before any holding row exists.
func (r *Repo) GetPortfolio(ctx context.Context, id string) (models.Portfolio, error) {
	q := `SELECT id, name, user_id, created_at FROM portfolios WHERE id = $1`
	if r.tx != nil {
		q += ` FOR UPDATE`
	}
	var p models.Portfolio
	err := sqlx.GetContext(ctx, r.ext, &p, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Portfolio{}, models.NotFound("portfolio", id)
	}
	if err != nil {
		return models.Portfolio{}, wrapErr("get portfolio", err)
	}
	return p, nil
}

// EnsureCryptocurrency adds c to the catalogue unless its id is taken.
func (r *Repo) EnsureCryptocurrency(ctx context.Context, c models.Cryptocurrency) error {
	_, err := r.ext.ExecContext(ctx, `INSERT INTO cryptocurrencies (id, symbol, name, coin_id, current_price) VALUES ($1, $2, $3, $4, $5::numeric) ON CONFLICT (id) DO NOTHING`,
		c.ID, c.Symbol, c.Name, c.CoinID, c.CurrentPrice.String())
	if err != nil {
		return wrapErr("ensure cryptocurrency", err)
	}
	return nil
}

const cryptoColumns = `id, symbol, name, coin_id, current_price, updated_at`

func (r *Repo) GetCryptocurrency(ctx context.Context, id string) (models.Cryptocurrency, error) {
	var c models.Cryptocurrency
	err := sqlx.GetContext(ctx, r.ext, &c, `SELECT `+cryptoColumns+` FROM cryptocurrencies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Cryptocurrency{}, models.NotFound("cryptocurrency", id)
	}
	if err != nil {
		return models.Cryptocurrency{}, wrapErr("get cryptocurrency", err)
	}
	return c, nil
}

func (r *Repo) ListCryptocurrencies(ctx context.Context) ([]models.Cryptocurrency, error) {
	res := []models.Cryptocurrency{}
	if err := sqlx.SelectContext(ctx, r.ext, &res, `SELECT `+cryptoColumns+` FROM cryptocurrencies ORDER BY symbol`); err != nil {
		return nil, wrapErr("list cryptocurrencies", err)
	}
	return res, nil
}

func (r *Repo) UpdateCurrentPrice(ctx context.Context, coinID string, price decimal.Decimal, ts time.Time) error {
	_, err := r.ext.ExecContext(ctx, `UPDATE cryptocurrencies SET current_price = $2::numeric, updated_at = $3 WHERE coin_id = $1`, coinID, price.String(), ts)
	if err != nil {
		return wrapErr("update current price", err)
	}
	return nil
}

func (r *Repo) UpsertPrice(ctx context.Context, coinID string, price decimal.Decimal, ts time.Time) error {
	_, err := r.ext.ExecContext(ctx, `INSERT INTO price_history (coin_id, price_usd, timestamp) VALUES ($1, $2::numeric, $3) ON CONFLICT (coin_id, timestamp) DO NOTHING`, coinID, price.String(), ts)
	if err != nil {
		return wrapErr("insert price", err)
	}
	return nil
}

func (r *Repo) GetLatestPrice(ctx context.Context, coinID string) (decimal.Decimal, time.Time, error) {
	var priceStr string
	var ts time.Time
	err := r.ext.QueryRowxContext(ctx, `SELECT price_usd, timestamp FROM price_history WHERE coin_id = $1 ORDER BY timestamp DESC LIMIT 1`, coinID).Scan(&priceStr, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, time.Time{}, models.NotFound("price for", coinID)
	}
	if err != nil {
		return decimal.Zero, time.Time{}, wrapErr("latest price", err)
	}
	p, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, wrapErr("latest price", err)
	}
	return p, ts, nil
}

func (r *Repo) PriceAt(ctx context.Context, coinID string, at time.Time) (decimal.Decimal, error) {
	var price sql.NullString
	err := sqlx.GetContext(ctx, r.ext, &price, `
		SELECT price_usd
		FROM price_history
		WHERE coin_id = $1 AND timestamp <= $2
		ORDER BY timestamp DESC LIMIT 1`, coinID, at)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !price.Valid) {
		return decimal.Zero, models.NotFound("price for", coinID)
	}
	if err != nil {
		return decimal.Zero, wrapErr("price at", err)
	}
	p, err := decimal.NewFromString(price.String)
	if err != nil {
		return decimal.Zero, wrapErr("price at", err)
	}
	return p, nil
}

func (r *Repo) PriceHistory(ctx context.Context, coinID string, since time.Time) ([]models.PricePoint, error) {
	res := []models.PricePoint{}
	err := sqlx.SelectContext(ctx, r.ext, &res, `SELECT coin_id, price_usd, timestamp FROM price_history WHERE coin_id = $1 AND timestamp >= $2 ORDER BY timestamp ASC`, coinID, since)
	if err != nil {
		return nil, wrapErr("price history", err)
	}
	return res, nil
}

const holdingColumns = `id, portfolio_id, crypto_id, quantity, average_cost, acquired_at`

// GetHolding locks the row when called inside a unit of work.
func (r *Repo) GetHolding(ctx context.Context, portfolioID, cryptoID string) (models.Holding, error) {
	q := `SELECT ` + holdingColumns + ` FROM holdings WHERE portfolio_id = $1 AND crypto_id = $2`
	if r.tx != nil {
		q += ` FOR UPDATE`
	}
	var h models.Holding
	err := sqlx.GetContext(ctx, r.ext, &h, q, portfolioID, cryptoID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Holding{}, models.NotFound("holding", portfolioID+"/"+cryptoID)
	}
	if err != nil {
		return models.Holding{}, wrapErr("get holding", err)
	}
	return h, nil
}

func (r *Repo) ListHoldings(ctx context.Context, portfolioID string) ([]models.Holding, error) {
	res := []models.Holding{}
	err := sqlx.SelectContext(ctx, r.ext, &res, `SELECT `+holdingColumns+` FROM holdings WHERE portfolio_id = $1 ORDER BY crypto_id`, portfolioID)
	if err != nil {
		return nil, wrapErr("list holdings", err)
	}
	return res, nil
}

func (r *Repo) SaveHolding(ctx context.Context, h models.Holding) error {
	q := `INSERT INTO holdings (id, portfolio_id, crypto_id, quantity, average_cost, acquired_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		ON CONFLICT (portfolio_id, crypto_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, average_cost = EXCLUDED.average_cost, acquired_at = EXCLUDED.acquired_at`
	_, err := r.ext.ExecContext(ctx, q, h.ID, h.PortfolioID, h.CryptoID, h.Quantity.String(), h.AverageCost.String(), h.AcquiredAt)
	if err != nil {
		return wrapErr("save holding", err)
	}
	return nil
}

func (r *Repo) DeleteHolding(ctx context.Context, portfolioID, cryptoID string) error {
	res, err := r.ext.ExecContext(ctx, `DELETE FROM holdings WHERE portfolio_id = $1 AND crypto_id = $2`, portfolioID, cryptoID)
	if err != nil {
		return wrapErr("delete holding", err)
	}
	return expectRow(res, "holding", portfolioID+"/"+cryptoID)
}

const transactionColumns = `id, portfolio_id, crypto_id, kind, amount, price_at_time, timestamp`

func (r *Repo) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	var t models.Transaction
	err := sqlx.GetContext(ctx, r.ext, &t, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, models.NotFound("transaction", id)
	}
	if err != nil {
		return models.Transaction{}, wrapErr("get transaction", err)
	}
	return t, nil
}

func (r *Repo) ListTransactions(ctx context.Context, portfolioID string) ([]models.Transaction, error) {
	res := []models.Transaction{}
	err := sqlx.SelectContext(ctx, r.ext, &res, `SELECT `+transactionColumns+` FROM transactions WHERE portfolio_id = $1 ORDER BY timestamp ASC, seq ASC`, portfolioID)
	if err != nil {
		return nil, wrapErr("list transactions", err)
	}
	return res, nil
}

func (r *Repo) InsertTransaction(ctx context.Context, t models.Transaction) error {
	_, err := r.ext.ExecContext(ctx, `INSERT INTO transactions (id, portfolio_id, crypto_id, kind, amount, price_at_time, timestamp) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)`,
		t.ID, t.PortfolioID, t.CryptoID, string(t.Kind), t.Amount.String(), t.PriceAtTime.String(), t.Timestamp)
	if err != nil {
		return wrapErr("insert transaction", err)
	}
	return nil
}

func (r *Repo) UpdateTransaction(ctx context.Context, t models.Transaction) error {
	res, err := r.ext.ExecContext(ctx, `UPDATE transactions SET crypto_id = $2, kind = $3, amount = $4::numeric, price_at_time = $5::numeric, timestamp = $6 WHERE id = $1`,
		t.ID, t.CryptoID, string(t.Kind), t.Amount.String(), t.PriceAtTime.String(), t.Timestamp)
	if err != nil {
		return wrapErr("update transaction", err)
	}
	return expectRow(res, "transaction", t.ID)
}

func (r *Repo) DeleteTransaction(ctx context.Context, id string) error {
	res, err := r.ext.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete transaction", err)
	}
	return expectRow(res, "transaction", id)
}

func expectRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("rows affected", err)
	}
	if n == 0 {
		return models.NotFound(what, id)
	}
	return nil
}
