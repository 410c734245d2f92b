package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"coinledger/internal/ledger"
	"coinledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type holdingKey struct {
	portfolioID string
	cryptoID    string
}

type memTx struct {
	t   models.Transaction
	seq int64
}

type memState struct {
	mu         sync.Mutex
	portfolios map[string]models.Portfolio
	cryptos    map[string]models.Cryptocurrency
	holdings   map[holdingKey]models.Holding
	txs        map[string]memTx
	history    map[string][]models.PricePoint
	seq        int64
}

// MemoryStore keeps everything in process. It serves the same contracts as
// Repo and is used when no database is configured.
//
// A unit of work records an undo entry for every write and replays them in
// reverse when it fails. Writes are visible to other callers before commit,
// which is fine as long as callers serialize per portfolio.
type MemoryStore struct {
	state *memState
	undo  *[]func()
	log   *logrus.Logger
}

func NewMemory(log *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		state: &memState{
			portfolios: map[string]models.Portfolio{},
			cryptos:    map[string]models.Cryptocurrency{},
			holdings:   map[holdingKey]models.Holding{},
			txs:        map[string]memTx{},
			history:    map[string][]models.PricePoint{},
		},
		log: log,
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	if m.undo != nil {
		return fn(m)
	}
	undo := []func(){}
	tx := &MemoryStore{state: m.state, undo: &undo, log: m.log}
	if err := fn(tx); err != nil {
		m.state.mu.Lock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		m.state.mu.Unlock()
		m.log.Debugf("rolled back %d writes: %v", len(undo), err)
		return err
	}
	return nil
}

// record must be called with state.mu held.
func (m *MemoryStore) record(fn func()) {
	if m.undo != nil {
		*m.undo = append(*m.undo, fn)
	}
}

func (m *MemoryStore) CreatePortfolio(ctx context.Context, p models.Portfolio) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.portfolios[p.ID]; ok {
		return models.Invalid("portfolio %s already exists", p.ID)
	}
	s.portfolios[p.ID] = p
	m.record(func() { delete(s.portfolios, p.ID) })
	return nil
}

func (m *MemoryStore) GetPortfolio(ctx context.Context, id string) (models.Portfolio, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portfolios[id]
	if !ok {
		return models.Portfolio{}, models.NotFound("portfolio", id)
	}
	return p, nil
}

func (m *MemoryStore) EnsureCryptocurrency(ctx context.Context, c models.Cryptocurrency) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cryptos[c.ID]; !ok {
		s.cryptos[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) GetCryptocurrency(ctx context.Context, id string) (models.Cryptocurrency, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cryptos[id]
	if !ok {
		return models.Cryptocurrency{}, models.NotFound("cryptocurrency", id)
	}
	return c, nil
}

func (m *MemoryStore) ListCryptocurrencies(ctx context.Context) ([]models.Cryptocurrency, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]models.Cryptocurrency, 0, len(s.cryptos))
	for _, c := range s.cryptos {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Symbol < res[j].Symbol })
	return res, nil
}

func (m *MemoryStore) UpdateCurrentPrice(ctx context.Context, coinID string, price decimal.Decimal, ts time.Time) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.cryptos {
		if c.CoinID != coinID {
			continue
		}
		updated := ts
		c.CurrentPrice = price
		c.UpdatedAt = &updated
		s.cryptos[id] = c
	}
	return nil
}

func (m *MemoryStore) UpsertPrice(ctx context.Context, coinID string, price decimal.Decimal, ts time.Time) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	points := append(s.history[coinID], models.PricePoint{CoinID: coinID, Price: price, Timestamp: ts})
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	s.history[coinID] = points
	return nil
}

func (m *MemoryStore) GetLatestPrice(ctx context.Context, coinID string) (decimal.Decimal, time.Time, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	points := s.history[coinID]
	if len(points) == 0 {
		return decimal.Zero, time.Time{}, models.NotFound("price for", coinID)
	}
	last := points[len(points)-1]
	return last.Price, last.Timestamp, nil
}

func (m *MemoryStore) PriceAt(ctx context.Context, coinID string, at time.Time) (decimal.Decimal, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	points := s.history[coinID]
	i := sort.Search(len(points), func(i int) bool { return points[i].Timestamp.After(at) })
	if i == 0 {
		return decimal.Zero, models.NotFound("price for", coinID)
	}
	return points[i-1].Price, nil
}

func (m *MemoryStore) PriceHistory(ctx context.Context, coinID string, since time.Time) ([]models.PricePoint, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	res := []models.PricePoint{}
	for _, p := range s.history[coinID] {
		if !p.Timestamp.Before(since) {
			res = append(res, p)
		}
	}
	return res, nil
}

func (m *MemoryStore) GetHolding(ctx context.Context, portfolioID, cryptoID string) (models.Holding, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holdings[holdingKey{portfolioID, cryptoID}]
	if !ok {
		return models.Holding{}, models.NotFound("holding", portfolioID+"/"+cryptoID)
	}
	return h, nil
}

func (m *MemoryStore) ListHoldings(ctx context.Context, portfolioID string) ([]models.Holding, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	res := []models.Holding{}
	for k, h := range s.holdings {
		if k.portfolioID == portfolioID {
			res = append(res, h)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CryptoID < res[j].CryptoID })
	return res, nil
}

func (m *MemoryStore) SaveHolding(ctx context.Context, h models.Holding) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	k := holdingKey{h.PortfolioID, h.CryptoID}
	prev, existed := s.holdings[k]
	s.holdings[k] = h
	m.record(func() {
		if existed {
			s.holdings[k] = prev
		} else {
			delete(s.holdings, k)
		}
	})
	return nil
}

func (m *MemoryStore) DeleteHolding(ctx context.Context, portfolioID, cryptoID string) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	k := holdingKey{portfolioID, cryptoID}
	prev, ok := s.holdings[k]
	if !ok {
		return models.NotFound("holding", portfolioID+"/"+cryptoID)
	}
	delete(s.holdings, k)
	m.record(func() { s.holdings[k] = prev })
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return models.Transaction{}, models.NotFound("transaction", id)
	}
	return t.t, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, portfolioID string) ([]models.Transaction, error) {
	s := m.state
	s.mu.Lock()
	var rows []memTx
	for _, t := range s.txs {
		if t.t.PortfolioID == portfolioID {
			rows = append(rows, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].t.Timestamp.Equal(rows[j].t.Timestamp) {
			return rows[i].t.Timestamp.Before(rows[j].t.Timestamp)
		}
		return rows[i].seq < rows[j].seq
	})
	res := make([]models.Transaction, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.t)
	}
	return res, nil
}

func (m *MemoryStore) InsertTransaction(ctx context.Context, t models.Transaction) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[t.ID]; ok {
		return models.Invalid("transaction %s already exists", t.ID)
	}
	s.seq++
	s.txs[t.ID] = memTx{t: t, seq: s.seq}
	m.record(func() { delete(s.txs, t.ID) })
	return nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, t models.Transaction) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.txs[t.ID]
	if !ok {
		return models.NotFound("transaction", t.ID)
	}
	s.txs[t.ID] = memTx{t: t, seq: prev.seq}
	m.record(func() { s.txs[t.ID] = prev })
	return nil
}

func (m *MemoryStore) DeleteTransaction(ctx context.Context, id string) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.txs[id]
	if !ok {
		return models.NotFound("transaction", id)
	}
	delete(s.txs, id)
	m.record(func() { s.txs[id] = prev })
	return nil
}
