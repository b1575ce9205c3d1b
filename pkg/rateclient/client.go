// Package rateclient fetches exchange rates from the rate service and caches them.
package rateclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrNoRate is returned when neither the service, the cache nor a fallback has a rate.
var ErrNoRate = errors.New("exchange rate unavailable")

// Client is a caching exchange-rate client. Rates are quote units per one base unit.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry

	fresh     *cache.Cache
	lastKnown *cache.Cache
	fallbacks map[string]decimal.Decimal
}

// NewClient returns a client caching each pair for ttl. fallbacks is keyed by "BASE/QUOTE".
func NewClient(baseURL string, ttl time.Duration, fallbacks map[string]decimal.Decimal, logger logrus.FieldLogger) *Client {
	if ttl <= 0 {
		ttl = time.Minute
	}
	fb := make(map[string]decimal.Decimal, len(fallbacks))
	for pair, rate := range fallbacks {
		if rate.IsPositive() {
			fb[strings.ToUpper(pair)] = rate
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger.WithField("component", "rate_client"),
		fresh:      cache.New(ttl, 2*ttl),
		lastKnown:  cache.New(cache.NoExpiration, 0),
		fallbacks:  fb,
	}
}

func pairKey(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

// GetRate returns the base→quote rate. On a fetch failure it serves the last rate seen,
// then the configured fallback.
func (c *Client) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	key := pairKey(base, quote)
	if v, ok := c.fresh.Get(key); ok {
		return v.(decimal.Decimal), nil
	}

	rate, err := c.fetch(ctx, base, quote)
	if err == nil {
		c.fresh.SetDefault(key, rate)
		c.lastKnown.Set(key, rate, cache.NoExpiration)
		return rate, nil
	}

	entry := c.log.WithFields(logrus.Fields{"pair": key}).WithError(err)
	if v, ok := c.lastKnown.Get(key); ok {
		entry.Warn("rate fetch failed; serving last known rate")
		return v.(decimal.Decimal), nil
	}
	if fb, ok := c.fallbacks[key]; ok {
		entry.Warn("rate fetch failed; serving fallback rate")
		return fb, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrNoRate, key, err)
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

func (c *Client) fetch(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if c.baseURL == "" {
		return decimal.Zero, errors.New("rate service base url is empty")
	}
	q := url.Values{}
	q.Set("base", strings.ToUpper(base))
	q.Set("quote", strings.ToUpper(quote))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/rates?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to execute rate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate service returned status %d", resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate response: %w", err)
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate service returned non-positive rate %s", body.Rate)
	}
	return body.Rate, nil
}
