package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	Buy  TransactionKind = "BUY"
	Sell TransactionKind = "SELL"
)

func (k TransactionKind) Valid() bool {
	return k == Buy || k == Sell
}

type Portfolio struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	UserID    string    `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Holding is the open position of one crypto inside a portfolio. A missing
// holding means a zero position.
type Holding struct {
	ID          string          `db:"id" json:"id"`
	PortfolioID string          `db:"portfolio_id" json:"portfolio_id"`
	CryptoID    string          `db:"crypto_id" json:"crypto_id"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	AverageCost decimal.Decimal `db:"average_cost" json:"average_cost"`
	AcquiredAt  time.Time       `db:"acquired_at" json:"acquired_at"`
}

type Transaction struct {
	ID          string          `db:"id" json:"id"`
	PortfolioID string          `db:"portfolio_id" json:"portfolio_id"`
	CryptoID    string          `db:"crypto_id" json:"crypto_id"`
	Kind        TransactionKind `db:"kind" json:"kind"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	PriceAtTime decimal.Decimal `db:"price_at_time" json:"price_at_time"`
	Timestamp   time.Time       `db:"timestamp" json:"timestamp"`
}

// Cryptocurrency is a catalogue entry. CoinID is the key used by the quote
// provider and the price cache; CurrentPrice is the last price a refresh
// wrote back.
type Cryptocurrency struct {
	ID           string          `db:"id" json:"id"`
	Symbol       string          `db:"symbol" json:"symbol"`
	Name         string          `db:"name" json:"name"`
	CoinID       string          `db:"coin_id" json:"coin_id"`
	CurrentPrice decimal.Decimal `db:"current_price" json:"current_price"`
	UpdatedAt    *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

type PricePoint struct {
	CoinID    string          `db:"coin_id" json:"coin_id"`
	Price     decimal.Decimal `db:"price_usd" json:"price_usd"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
}

type PortfolioItem struct {
	CryptoID     string          `json:"crypto_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	CurrentValue decimal.Decimal `json:"current_value"`
	Degraded     bool            `json:"degraded,omitempty"`
}

// DailyValuation is the portfolio value at the end of one UTC day.
type DailyValuation struct {
	Date     string          `db:"date" json:"date"`
	TotalUSD decimal.Decimal `db:"total_usd" json:"total_usd"`
}
