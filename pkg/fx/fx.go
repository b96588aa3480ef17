// Package fx converts reference-currency prices into the gateway settlement currency at charge time.
package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

// RateSource returns how many major units of `to` one major unit of `from` buys.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// StaticSource always returns the configured rate.
type StaticSource struct {
	rate decimal.Decimal
}

func NewStaticSource(rate decimal.Decimal) StaticSource {
	return StaticSource{rate: rate}
}

func (s StaticSource) Rate(context.Context, string, string) (decimal.Decimal, error) {
	return s.rate, nil
}

// HTTPSource fetches the rate from a JSON endpoint returning {"rate": <number|string>}.
type HTTPSource struct {
	client  *http.Client
	baseURL string
}

func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("rate url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{client: &http.Client{Timeout: timeout}, baseURL: baseURL}, nil
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

func (s *HTTPSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate url: %w", err)
	}
	q := u.Query()
	q.Set("from", from)
	q.Set("to", to)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch rate: unexpected status %d", resp.StatusCode)
	}
	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate: %w", err)
	}
	return body.Rate, nil
}

// CachedSource memoizes rates from another source for a TTL.
type CachedSource struct {
	next  RateSource
	cache *gocache.Cache
}

func NewCachedSource(next RateSource, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedSource{next: next, cache: gocache.New(ttl, 2*ttl)}
}

func (s *CachedSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := from + ":" + to
	if cached, ok := s.cache.Get(key); ok {
		return cached.(decimal.Decimal), nil
	}
	rate, err := s.next.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	s.cache.SetDefault(key, rate)
	return rate, nil
}

// Conversion is the settlement amount together with the rate that produced it.
type Conversion struct {
	Amount   int64
	Currency string
	Rate     decimal.Decimal
}

// Converter turns reference minor units into settlement minor units.
type Converter struct {
	source        RateSource
	reference     string
	settlement    string
	referenceExp  int32
	settlementExp int32
}

func NewConverter(source RateSource, cfg config.CurrencyConfig) (*Converter, error) {
	if source == nil {
		return nil, errors.New("rate source is required")
	}
	if cfg.ReferenceCode == "" || cfg.SettlementCode == "" {
		return nil, errors.New("reference and settlement currency codes are required")
	}
	return &Converter{
		source:        source,
		reference:     strings.ToUpper(cfg.ReferenceCode),
		settlement:    strings.ToUpper(cfg.SettlementCode),
		referenceExp:  cfg.ReferenceExp,
		settlementExp: cfg.SettlementExp,
	}, nil
}

// NewSourceFromConfig picks the static rate when set, otherwise the cached HTTP source.
func NewSourceFromConfig(cfg config.CurrencyConfig) (RateSource, error) {
	if strings.TrimSpace(cfg.StaticRate) != "" {
		rate, err := decimal.NewFromString(cfg.StaticRate)
		if err != nil {
			return nil, fmt.Errorf("parse static rate: %w", err)
		}
		return NewStaticSource(rate), nil
	}
	if strings.TrimSpace(cfg.RateURL) == "" {
		if strings.EqualFold(cfg.ReferenceCode, cfg.SettlementCode) {
			return NewStaticSource(decimal.NewFromInt(1)), nil
		}
		return nil, errors.New("either a static rate or a rate url is required")
	}
	httpSource, err := NewHTTPSource(cfg.RateURL, cfg.RateTimeout)
	if err != nil {
		return nil, err
	}
	return NewCachedSource(httpSource, cfg.RateCacheTTL), nil
}

// Settlement currency code.
func (c *Converter) Settlement() string {
	return c.settlement
}

// ToSettlement converts amount (reference minor units) and floors to whole settlement minor units.
func (c *Converter) ToSettlement(ctx context.Context, amount int64) (Conversion, error) {
	if amount < 0 {
		return Conversion{}, pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative")
	}
	if c.reference == c.settlement && c.referenceExp == c.settlementExp {
		return Conversion{Amount: amount, Currency: c.settlement, Rate: decimal.NewFromInt(1)}, nil
	}

	rate, err := c.source.Rate(ctx, c.reference, c.settlement)
	if err != nil {
		return Conversion{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "exchange rate unavailable")
	}
	if !rate.IsPositive() {
		return Conversion{}, pkgerrors.New(pkgerrors.CodeDependency, "exchange rate must be positive").
			WithDetails(map[string]any{"rate": rate.String()})
	}

	converted := decimal.New(amount, -c.referenceExp).
		Mul(rate).
		Shift(c.settlementExp).
		Floor()

	return Conversion{Amount: converted.IntPart(), Currency: c.settlement, Rate: rate}, nil
}
