package ledger

import (
	"context"
	"time"

	"coinledger/internal/models"

	"github.com/shopspring/decimal"
)

// Store is the persistence the ledger needs. Lookups of a missing row return
// an error matching models.ErrNotFound; every other failure matches
// models.ErrPersistence.
type Store interface {
	// InTx runs fn against a store whose writes commit together when fn
	// returns nil and are discarded otherwise. Calling InTx on the store
	// passed to fn joins the running unit of work.
	InTx(ctx context.Context, fn func(tx Store) error) error

	CreatePortfolio(ctx context.Context, p models.Portfolio) error
	GetPortfolio(ctx context.Context, id string) (models.Portfolio, error)
	GetCryptocurrency(ctx context.Context, id string) (models.Cryptocurrency, error)

	GetHolding(ctx context.Context, portfolioID, cryptoID string) (models.Holding, error)
	ListHoldings(ctx context.Context, portfolioID string) ([]models.Holding, error)
	SaveHolding(ctx context.Context, h models.Holding) error
	DeleteHolding(ctx context.Context, portfolioID, cryptoID string) error

	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	// ListTransactions returns the portfolio's transactions oldest first.
	ListTransactions(ctx context.Context, portfolioID string) ([]models.Transaction, error)
	InsertTransaction(ctx context.Context, t models.Transaction) error
	UpdateTransaction(ctx context.Context, t models.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error

	// GetLatestPrice returns the most recent recorded price of coinID.
	GetLatestPrice(ctx context.Context, coinID string) (decimal.Decimal, time.Time, error)
	// PriceAt returns the last recorded price of coinID at or before at.
	PriceAt(ctx context.Context, coinID string, at time.Time) (decimal.Decimal, error)
}
