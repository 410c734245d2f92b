package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coinledger/internal/models"
	"coinledger/internal/quote"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type SourceConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Cooldown       time.Duration
	PageSize       int
	PagePause      time.Duration
	RequestTimeout time.Duration
}

func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		Cooldown:       200 * time.Millisecond,
		PageSize:       50,
		PagePause:      500 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

// PriceSource wraps a Quoter with retry, a single process-wide permit and
// paging. One PriceSource must be shared by every caller that talks to the
// same provider, otherwise the permit does not serialize them.
type PriceSource struct {
	quoter quote.Quoter
	cfg    SourceConfig
	permit *semaphore.Weighted
	log    *logrus.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewPriceSource(q quote.Quoter, cfg SourceConfig, log *logrus.Logger) *PriceSource {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultSourceConfig().PageSize
	}
	return &PriceSource{
		quoter: q,
		cfg:    cfg,
		permit: semaphore.NewWeighted(1),
		log:    log,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// FetchPrice returns the price of one coin, zero when it could not be fetched.
func (s *PriceSource) FetchPrice(ctx context.Context, coinID string) decimal.Decimal {
	return s.FetchPrices(ctx, []string{coinID})[coinID]
}

// FetchPrices returns a price for every distinct requested id. Ids whose page
// failed or that the provider left out are reported as zero.
func (s *PriceSource) FetchPrices(ctx context.Context, coinIDs []string) map[string]decimal.Decimal {
	ids := normalizeIDs(coinIDs)
	res := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return res
	}

	for start := 0; start < len(ids); start += s.cfg.PageSize {
		end := start + s.cfg.PageSize
		if end > len(ids) {
			end = len(ids)
		}
		page := ids[start:end]

		prices, err := s.throttled(ctx, page)
		if err != nil {
			s.log.WithFields(logrus.Fields{"page_start": start, "ids": len(page)}).Warnf("price page failed: %v", err)
		}
		for _, id := range page {
			p, ok := prices[id]
			if !ok {
				if err == nil {
					s.log.WithField("coin_id", id).Warn("no price data in provider response")
				}
				p = decimal.Zero
			}
			res[id] = p
		}

		if end < len(ids) {
			if err := s.sleep(ctx, s.cfg.PagePause); err != nil {
				for _, id := range ids[end:] {
					res[id] = decimal.Zero
				}
				s.log.Warnf("price paging aborted: %v", err)
				break
			}
		}
	}
	return res
}

func (s *PriceSource) throttled(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	if err := s.permit.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for request permit: %w", models.ErrExternalFetch, err)
	}
	defer func() {
		// the cool-down is not cancellable; the next waiter always gets a quiet gap
		_ = s.sleep(context.Background(), s.cfg.Cooldown)
		s.permit.Release(1)
	}()
	return s.withRetry(ctx, ids)
}

func (s *PriceSource) withRetry(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	delay := s.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if dl, ok := ctx.Deadline(); ok && s.now().Add(delay).After(dl) {
				return nil, fmt.Errorf("%w: backoff of %s would pass the deadline: %w", models.ErrExternalFetch, delay, lastErr)
			}
			if err := s.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %w", models.ErrExternalFetch, err)
			}
			delay *= 2
		}

		prices, err := s.attempt(ctx, ids)
		if err == nil {
			return prices, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrExternalFetch, ctx.Err())
		}
		if !retryable(err) {
			s.log.Errorf("quote provider error: %v", err)
			return nil, fmt.Errorf("%w: %w", models.ErrExternalFetch, err)
		}
		s.log.WithFields(logrus.Fields{"attempt": attempt + 1, "max_retries": s.cfg.MaxRetries}).Warnf("quote request failed: %v", err)
	}
	s.log.Warnf("max retries (%d) reached", s.cfg.MaxRetries)
	return nil, fmt.Errorf("%w: retries exhausted: %w", models.ErrExternalFetch, lastErr)
}

func (s *PriceSource) attempt(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	return s.quoter.Quote(ctx, ids)
}

func retryable(err error) bool {
	return errors.Is(err, quote.ErrRateLimited) ||
		errors.Is(err, quote.ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
