// Package quote talks to the upstream price provider. It only translates HTTP
// into prices and error classes; retry and throttling live in the price source.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const DefaultBaseURL = "https://api.coingecko.com/api/v3/"

var (
	ErrRateLimited      = errors.New("rate limited by quote provider")
	ErrTransient        = errors.New("transient quote provider failure")
	ErrUnexpectedStatus = errors.New("unexpected quote provider status")
)

// Quoter returns USD prices for the requested coin ids. Ids missing from the
// provider payload are missing from the map.
type Quoter interface {
	Quote(ctx context.Context, ids []string) (map[string]decimal.Decimal, error)
}

// StatusError keeps the response body of a failed call around for logging.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("quote provider returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Code >= 500:
		return ErrTransient
	default:
		return ErrUnexpectedStatus
	}
}

type CoinGecko struct {
	client  *http.Client
	baseURL string
	apiKey  string
	log     *logrus.Logger
}

func NewCoinGecko(baseURL, apiKey string, timeout time.Duration, log *logrus.Logger) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &CoinGecko{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		log:     log,
	}
}

func (c *CoinGecko) Quote(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	addr := c.baseURL + "simple/price?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "coinledger")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	c.log.Debugf("GET %s/%s %s", resp.Request.URL.Host, resp.Request.URL.Path, resp.Status)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode price payload: %v", ErrUnexpectedStatus, err)
	}
	res := make(map[string]decimal.Decimal, len(payload))
	for id, byCurrency := range payload {
		if p, ok := byCurrency["usd"]; ok {
			res[id] = p
		}
	}
	return res, nil
}
