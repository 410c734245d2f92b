package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coinledger/internal/ledger"
	"coinledger/internal/models"
	"coinledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PriceHistory reads recorded prices of one coin.
type PriceHistory interface {
	PriceHistory(ctx context.Context, coinID string, since time.Time) ([]models.PricePoint, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Handler struct {
	ledger   *ledger.Ledger
	priceSvc service.PriceProvider
	history  PriceHistory
	checks   map[string]HealthChecker
	log      *logrus.Logger
}

func NewHandler(l *ledger.Ledger, p service.PriceProvider, history PriceHistory, log *logrus.Logger) *Handler {
	return &Handler{ledger: l, priceSvc: p, history: history, checks: map[string]HealthChecker{}, log: log}
}

// AddHealthCheck makes GET /health report on hc under name. Call it before
// Register.
func (h *Handler) AddHealthCheck(name string, hc HealthChecker) {
	h.checks[name] = hc
}

func (h *Handler) Register(rg gin.IRouter) {
	rg.GET("/health", h.Health)

	rg.GET("/prices/:coinId", h.GetPrice)
	rg.GET("/prices/:coinId/history", h.GetPriceHistory)
	rg.POST("/prices/refresh", h.RefreshPrices)

	rg.POST("/portfolios", h.CreatePortfolio)
	rg.GET("/portfolios/:id", h.GetPortfolio)
	rg.GET("/portfolios/:id/holdings", h.GetHoldings)
	rg.GET("/portfolios/:id/transactions", h.GetTransactions)
	rg.POST("/portfolios/:id/transactions", h.PostTransaction)
	rg.GET("/portfolios/:id/value", h.GetValue)
	rg.GET("/portfolios/:id/history", h.GetHistory)
	rg.POST("/portfolios/:id/holdings/:cryptoId/replay", h.ReplayHolding)

	rg.PUT("/transactions/:id", h.PutTransaction)
	rg.DELETE("/transactions/:id", h.DeleteTransaction)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, models.ErrExternalFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Errorf("%s failed: %v", op, err)
		c.JSON(status, gin.H{"error": "internal"})
		return
	}
	h.log.Warnf("%s failed: %v", op, err)
	body := gin.H{"error": err.Error()}
	var ib *models.InsufficientBalanceError
	if errors.As(err, &ib) {
		body["available"] = ib.Available.String()
		body["requested"] = ib.Requested.String()
	}
	c.JSON(status, body)
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	res := gin.H{"status": "ok"}
	for name, hc := range h.checks {
		if err := hc.Health(ctx); err != nil {
			h.log.Warnf("health check %s failed: %v", name, err)
			res[name] = err.Error()
			res["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		res[name] = "ok"
	}
	c.JSON(status, res)
}

func (h *Handler) GetPrice(c *gin.Context) {
	coinID := c.Param("coinId")
	price, ts, err := h.priceSvc.GetPrice(c.Request.Context(), coinID)
	if err != nil {
		h.fail(c, "get price", err)
		return
	}
	res := gin.H{"coin_id": coinID, "price_usd": price.String(), "available": !ts.IsZero()}
	if !ts.IsZero() {
		res["updated_at"] = ts
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetPriceHistory(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		hours = n
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	points, err := h.history.PriceHistory(c.Request.Context(), c.Param("coinId"), since)
	if err != nil {
		h.fail(c, "price history", err)
		return
	}
	c.JSON(http.StatusOK, points)
}

type refreshRequest struct {
	CoinIDs []string `json:"coin_ids" binding:"required"`
}

func (h *Handler) RefreshPrices(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid refresh body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok := h.priceSvc.RefreshPrices(c.Request.Context(), req.CoinIDs)
	c.JSON(http.StatusOK, gin.H{"refreshed": ok})
}

type portfolioRequest struct {
	Name   string `json:"name" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) CreatePortfolio(c *gin.Context) {
	var req portfolioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid portfolio body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.ledger.CreatePortfolio(c.Request.Context(), req.Name, req.UserID)
	if err != nil {
		h.fail(c, "create portfolio", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPortfolio(c *gin.Context) {
	p, err := h.ledger.GetPortfolio(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get portfolio", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) GetHoldings(c *gin.Context) {
	holdings, err := h.ledger.Holdings(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get holdings", err)
		return
	}
	c.JSON(http.StatusOK, holdings)
}

func (h *Handler) GetTransactions(c *gin.Context) {
	txs, err := h.ledger.Transactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get transactions", err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

type transactionRequest struct {
	CryptoID  string     `json:"crypto_id" binding:"required"`
	Kind      string     `json:"kind" binding:"required"`
	Amount    string     `json:"amount" binding:"required"`
	Price     string     `json:"price"`
	Timestamp *time.Time `json:"timestamp"`
}

func parseKind(s string) models.TransactionKind {
	return models.TransactionKind(strings.ToUpper(strings.TrimSpace(s)))
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, models.Invalid("invalid %s format", field)
	}
	return d, nil
}

func (h *Handler) PostTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid transaction body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		h.fail(c, "post transaction", err)
		return
	}
	price := decimal.Zero
	if req.Price != "" {
		if price, err = parseDecimal("price", req.Price); err != nil {
			h.fail(c, "post transaction", err)
			return
		}
	}

	ctx := c.Request.Context()
	var tx models.Transaction
	if req.Timestamp != nil {
		tx, err = h.ledger.ApplyTransactionAt(ctx, c.Param("id"), req.CryptoID, parseKind(req.Kind), amount, price, *req.Timestamp)
	} else {
		tx, err = h.ledger.ApplyTransaction(ctx, c.Param("id"), req.CryptoID, parseKind(req.Kind), amount, price)
	}
	if err != nil {
		h.fail(c, "post transaction", err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

type transactionUpdateRequest struct {
	CryptoID  *string    `json:"crypto_id"`
	Kind      *string    `json:"kind"`
	Amount    *string    `json:"amount"`
	Price     *string    `json:"price"`
	Timestamp *time.Time `json:"timestamp"`
}

func (r transactionUpdateRequest) toUpdate() (ledger.TransactionUpdate, error) {
	upd := ledger.TransactionUpdate{CryptoID: r.CryptoID, Timestamp: r.Timestamp}
	if r.Kind != nil {
		k := parseKind(*r.Kind)
		upd.Kind = &k
	}
	if r.Amount != nil {
		a, err := parseDecimal("amount", *r.Amount)
		if err != nil {
			return upd, err
		}
		upd.Amount = &a
	}
	if r.Price != nil {
		p, err := parseDecimal("price", *r.Price)
		if err != nil {
			return upd, err
		}
		upd.PriceAtTime = &p
	}
	return upd, nil
}

func (h *Handler) PutTransaction(c *gin.Context) {
	var req transactionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid transaction update body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	upd, err := req.toUpdate()
	if err != nil {
		h.fail(c, "edit transaction", err)
		return
	}
	tx, err := h.ledger.EditTransaction(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		h.fail(c, "edit transaction", err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) DeleteTransaction(c *gin.Context) {
	if err := h.ledger.DeleteTransaction(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "delete transaction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) GetValue(c *gin.Context) {
	items, total, err := h.ledger.Valuate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "portfolio value", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total_usd": total.StringFixed(2)})
}

func (h *Handler) GetHistory(c *gin.Context) {
	rows, err := h.ledger.DailyValuations(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "daily valuations", err)
		return
	}
	res := []map[string]string{}
	for _, r := range rows {
		res = append(res, map[string]string{"date": r.Date, "usd_value": r.TotalUSD.StringFixed(2)})
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ReplayHolding(c *gin.Context) {
	holding, err := h.ledger.ReplayHolding(c.Request.Context(), c.Param("id"), c.Param("cryptoId"))
	if err != nil {
		h.fail(c, "replay holding", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holding": holding})
}
