package ledger

import (
	"coinledger/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// The functions below are the only place holding math happens. A nil
// *models.Holding is a zero position; returning nil means the holding must
// be removed. Inputs are never mutated.

func applyBuy(h *models.Holding, t models.Transaction) *models.Holding {
	if h == nil {
		return &models.Holding{
			ID:          uuid.NewString(),
			PortfolioID: t.PortfolioID,
			CryptoID:    t.CryptoID,
			Quantity:    t.Amount,
			AverageCost: t.PriceAtTime,
			AcquiredAt:  t.Timestamp,
		}
	}
	next := *h
	next.AverageCost = weightedAvg(h.AverageCost, h.Quantity, t.PriceAtTime, t.Amount)
	next.Quantity = h.Quantity.Add(t.Amount)
	next.AcquiredAt = t.Timestamp
	return &next
}

func applySell(h *models.Holding, t models.Transaction) (*models.Holding, error) {
	if h == nil {
		return nil, &models.InsufficientBalanceError{CryptoID: t.CryptoID, Available: decimal.Zero, Requested: t.Amount}
	}
	if h.Quantity.LessThan(t.Amount) {
		return nil, &models.InsufficientBalanceError{CryptoID: t.CryptoID, Available: h.Quantity, Requested: t.Amount}
	}
	return reduce(h, t.Amount), nil
}

func apply(h *models.Holding, t models.Transaction) (*models.Holding, error) {
	if t.Kind == models.Sell {
		return applySell(h, t)
	}
	return applyBuy(h, t), nil
}

// reverse undoes t without validation. Undoing a buy only gives back
// quantity; the average cost it contributed is not recoverable once other
// transactions touched the holding. Undoing a sell of a position that has
// since been closed reopens it at the sell's price.
func reverse(h *models.Holding, t models.Transaction) *models.Holding {
	if t.Kind == models.Sell {
		if h == nil {
			return &models.Holding{
				ID:          uuid.NewString(),
				PortfolioID: t.PortfolioID,
				CryptoID:    t.CryptoID,
				Quantity:    t.Amount,
				AverageCost: t.PriceAtTime,
				AcquiredAt:  t.Timestamp,
			}
		}
		next := *h
		next.Quantity = h.Quantity.Add(t.Amount)
		return &next
	}
	if h == nil {
		return nil
	}
	return reduce(h, t.Amount)
}

func reduce(h *models.Holding, amount decimal.Decimal) *models.Holding {
	qty := h.Quantity.Sub(amount)
	if !qty.IsPositive() {
		return nil
	}
	next := *h
	next.Quantity = qty
	return &next
}

func weightedAvg(existingAvgPrice, existingQty, newPrice, newQty decimal.Decimal) decimal.Decimal {
	if existingQty.IsZero() {
		return newPrice
	}
	return existingAvgPrice.Mul(existingQty).
		Add(newPrice.Mul(newQty)).
		Div(existingQty.Add(newQty))
}
