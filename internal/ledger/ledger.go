// Package ledger applies buy and sell transactions to portfolio holdings
// while keeping quantity and weighted-average cost consistent.
//
// Every mutation of a portfolio runs under that portfolio's lock and inside
// a single Store unit of work, so concurrent requests against the same
// portfolio cannot lose updates and a failed edit leaves nothing half done.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"coinledger/internal/keylock"
	"coinledger/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PriceLookup resolves current prices by coin id. CachedPrice never calls
// the upstream provider.
type PriceLookup interface {
	GetPrice(ctx context.Context, coinID string) (decimal.Decimal, time.Time, error)
	RefreshPrices(ctx context.Context, coinIDs []string) bool
	CachedPrice(coinID string) (decimal.Decimal, bool)
}

type Ledger struct {
	store  Store
	prices PriceLookup
	locks  *keylock.Locker
	log    *logrus.Logger
	now    func() time.Time
}

// New builds a Ledger. prices may be nil, in which case valuation only uses
// persisted last known prices.
func New(store Store, prices PriceLookup, log *logrus.Logger) *Ledger {
	return &Ledger{
		store:  store,
		prices: prices,
		locks:  keylock.New(),
		log:    log,
		now:    time.Now,
	}
}

// TransactionUpdate lists the fields an edit may change. Nil fields keep
// their current value.
type TransactionUpdate struct {
	CryptoID    *string
	Kind        *models.TransactionKind
	Amount      *decimal.Decimal
	PriceAtTime *decimal.Decimal
	Timestamp   *time.Time
}

func (u TransactionUpdate) applyTo(t models.Transaction) models.Transaction {
	if u.CryptoID != nil {
		t.CryptoID = strings.TrimSpace(*u.CryptoID)
	}
	if u.Kind != nil {
		t.Kind = *u.Kind
	}
	if u.Amount != nil {
		t.Amount = *u.Amount
	}
	if u.PriceAtTime != nil {
		t.PriceAtTime = *u.PriceAtTime
	}
	if u.Timestamp != nil {
		t.Timestamp = u.Timestamp.UTC()
	}
	return t
}

func (l *Ledger) CreatePortfolio(ctx context.Context, name, userID string) (models.Portfolio, error) {
	name, userID = strings.TrimSpace(name), strings.TrimSpace(userID)
	if userID == "" {
		return models.Portfolio{}, models.Invalid("user id is required")
	}
	if name == "" {
		return models.Portfolio{}, models.Invalid("portfolio name is required")
	}
	p := models.Portfolio{ID: uuid.NewString(), Name: name, UserID: userID, CreatedAt: l.now().UTC()}
	if err := l.store.CreatePortfolio(ctx, p); err != nil {
		return models.Portfolio{}, err
	}
	l.log.WithFields(logrus.Fields{"portfolio_id": p.ID, "user_id": userID}).Info("created portfolio")
	return p, nil
}

func (l *Ledger) GetPortfolio(ctx context.Context, id string) (models.Portfolio, error) {
	if strings.TrimSpace(id) == "" {
		return models.Portfolio{}, models.Invalid("portfolio id is required")
	}
	return l.store.GetPortfolio(ctx, id)
}

func (l *Ledger) Holdings(ctx context.Context, portfolioID string) ([]models.Holding, error) {
	if _, err := l.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	return l.store.ListHoldings(ctx, portfolioID)
}

// Transactions returns the portfolio's transactions, newest first.
func (l *Ledger) Transactions(ctx context.Context, portfolioID string) ([]models.Transaction, error) {
	if _, err := l.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp.After(txs[j].Timestamp) })
	return txs, nil
}

// ApplyBuy records a purchase of amount at price per unit.
func (l *Ledger) ApplyBuy(ctx context.Context, portfolioID, cryptoID string, amount, price decimal.Decimal, ts time.Time) (models.Transaction, error) {
	return l.ApplyTransactionAt(ctx, portfolioID, cryptoID, models.Buy, amount, price, ts)
}

// ApplySell records a sale of amount. The sale is priced at the current
// market price when one is known.
func (l *Ledger) ApplySell(ctx context.Context, portfolioID, cryptoID string, amount decimal.Decimal, ts time.Time) (models.Transaction, error) {
	price := decimal.Zero
	if l.prices != nil && strings.TrimSpace(cryptoID) != "" {
		if p, err := l.CurrentPrice(ctx, strings.TrimSpace(cryptoID)); err == nil {
			price = p
		}
	}
	return l.ApplyTransactionAt(ctx, portfolioID, cryptoID, models.Sell, amount, price, ts)
}

func (l *Ledger) ApplyTransaction(ctx context.Context, portfolioID, cryptoID string, kind models.TransactionKind, amount, price decimal.Decimal) (models.Transaction, error) {
	return l.ApplyTransactionAt(ctx, portfolioID, cryptoID, kind, amount, price, l.now())
}

// ApplyTransactionAt records a transaction dated ts and applies it to the
// matching holding. A buy without a price is priced at the current market
// price.
func (l *Ledger) ApplyTransactionAt(ctx context.Context, portfolioID, cryptoID string, kind models.TransactionKind, amount, price decimal.Decimal, ts time.Time) (models.Transaction, error) {
	cryptoID = strings.TrimSpace(cryptoID)
	if kind == models.Buy && price.IsZero() && l.prices != nil && cryptoID != "" {
		current, err := l.CurrentPrice(ctx, cryptoID)
		if err != nil {
			return models.Transaction{}, err
		}
		price = current
	}
	t := models.Transaction{
		ID:          uuid.NewString(),
		PortfolioID: strings.TrimSpace(portfolioID),
		CryptoID:    cryptoID,
		Kind:        kind,
		Amount:      amount,
		PriceAtTime: price,
		Timestamp:   ts.UTC(),
	}
	if err := validate(t); err != nil {
		return models.Transaction{}, err
	}

	unlock := l.locks.Lock(t.PortfolioID)
	defer unlock()

	err := l.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.GetPortfolio(ctx, t.PortfolioID); err != nil {
			return err
		}
		if _, err := tx.GetCryptocurrency(ctx, t.CryptoID); err != nil {
			return err
		}
		if err := l.applyTo(ctx, tx, t); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, t)
	})
	if err != nil {
		return models.Transaction{}, err
	}
	l.log.WithFields(logrus.Fields{
		"portfolio_id": t.PortfolioID, "crypto_id": t.CryptoID, "kind": t.Kind,
	}).Infof("applied transaction %s: %s @ $%s", t.ID, t.Amount.String(), t.PriceAtTime.String())
	return t, nil
}

// EditTransaction reverses the stored transaction and applies the edited
// one. The reversal is unconditional; the reapplication is validated like a
// new transaction and a failure rolls the whole edit back.
func (l *Ledger) EditTransaction(ctx context.Context, id string, upd TransactionUpdate) (models.Transaction, error) {
	if strings.TrimSpace(id) == "" {
		return models.Transaction{}, models.Invalid("transaction id is required")
	}
	current, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}

	unlock := l.locks.Lock(current.PortfolioID)
	defer unlock()

	var updated models.Transaction
	err = l.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.GetPortfolio(ctx, current.PortfolioID); err != nil {
			return err
		}
		existing, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		updated = upd.applyTo(existing)
		if err := validate(updated); err != nil {
			return err
		}
		if updated.CryptoID != existing.CryptoID {
			if _, err := tx.GetCryptocurrency(ctx, updated.CryptoID); err != nil {
				return err
			}
		}
		if err := l.reverseFrom(ctx, tx, existing); err != nil {
			return err
		}
		if err := l.applyTo(ctx, tx, updated); err != nil {
			return err
		}
		return tx.UpdateTransaction(ctx, updated)
	})
	if err != nil {
		return models.Transaction{}, err
	}
	l.log.WithField("portfolio_id", updated.PortfolioID).Infof("edited transaction %s", id)
	return updated, nil
}

// DeleteTransaction undoes the transaction's effect on its holding and
// removes the record.
func (l *Ledger) DeleteTransaction(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return models.Invalid("transaction id is required")
	}
	current, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}

	unlock := l.locks.Lock(current.PortfolioID)
	defer unlock()

	err = l.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.GetPortfolio(ctx, current.PortfolioID); err != nil {
			return err
		}
		existing, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if err := l.reverseFrom(ctx, tx, existing); err != nil {
			return err
		}
		return tx.DeleteTransaction(ctx, id)
	})
	if err != nil {
		return err
	}
	l.log.WithField("portfolio_id", current.PortfolioID).Infof("deleted transaction %s", id)
	return nil
}

// ReplayHolding rebuilds one holding from its full transaction history in
// time order. It returns nil when the replay ends with no open position.
// A sell that exceeds the replayed balance closes the position.
func (l *Ledger) ReplayHolding(ctx context.Context, portfolioID, cryptoID string) (*models.Holding, error) {
	portfolioID, cryptoID = strings.TrimSpace(portfolioID), strings.TrimSpace(cryptoID)
	if portfolioID == "" || cryptoID == "" {
		return nil, models.Invalid("portfolio id and crypto id are required")
	}

	unlock := l.locks.Lock(portfolioID)
	defer unlock()

	var result *models.Holding
	err := l.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.GetPortfolio(ctx, portfolioID); err != nil {
			return err
		}
		all, err := tx.ListTransactions(ctx, portfolioID)
		if err != nil {
			return err
		}
		var history []models.Transaction
		for _, t := range all {
			if t.CryptoID == cryptoID {
				history = append(history, t)
			}
		}
		sort.SliceStable(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })

		var h *models.Holding
		for _, t := range history {
			next, err := apply(h, t)
			if err != nil {
				l.log.WithFields(logrus.Fields{"portfolio_id": portfolioID, "crypto_id": cryptoID}).
					Warnf("replay: transaction %s oversells the position, closing it: %v", t.ID, err)
				next = nil
			}
			h = next
		}

		current, err := loadHolding(ctx, tx, portfolioID, cryptoID)
		if err != nil {
			return err
		}
		if h != nil && current != nil {
			h.ID = current.ID
		}
		result = h
		return saveHolding(ctx, tx, portfolioID, cryptoID, h)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Ledger) applyTo(ctx context.Context, tx Store, t models.Transaction) error {
	h, err := loadHolding(ctx, tx, t.PortfolioID, t.CryptoID)
	if err != nil {
		return err
	}
	next, err := apply(h, t)
	if err != nil {
		return err
	}
	return saveHolding(ctx, tx, t.PortfolioID, t.CryptoID, next)
}

func (l *Ledger) reverseFrom(ctx context.Context, tx Store, t models.Transaction) error {
	h, err := loadHolding(ctx, tx, t.PortfolioID, t.CryptoID)
	if err != nil {
		return err
	}
	return saveHolding(ctx, tx, t.PortfolioID, t.CryptoID, reverse(h, t))
}

func loadHolding(ctx context.Context, tx Store, portfolioID, cryptoID string) (*models.Holding, error) {
	h, err := tx.GetHolding(ctx, portfolioID, cryptoID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func saveHolding(ctx context.Context, tx Store, portfolioID, cryptoID string, h *models.Holding) error {
	if h == nil {
		err := tx.DeleteHolding(ctx, portfolioID, cryptoID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	return tx.SaveHolding(ctx, *h)
}

func validate(t models.Transaction) error {
	switch {
	case t.PortfolioID == "":
		return models.Invalid("portfolio id is required")
	case t.CryptoID == "":
		return models.Invalid("crypto id is required")
	case !t.Kind.Valid():
		return models.Invalid("unknown transaction kind %q", t.Kind)
	case !t.Amount.IsPositive():
		return models.Invalid("amount must be positive, got %s", t.Amount.String())
	case t.PriceAtTime.IsNegative():
		return models.Invalid("price must not be negative, got %s", t.PriceAtTime.String())
	}
	return nil
}
