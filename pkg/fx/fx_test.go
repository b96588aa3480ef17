package fx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

type countingSource struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (s *countingSource) Rate(context.Context, string, string) (decimal.Decimal, error) {
	s.calls++
	return s.rate, s.err
}

func usdToIRR() config.CurrencyConfig {
	return config.CurrencyConfig{ReferenceCode: "USD", SettlementCode: "IRR", ReferenceExp: 2, SettlementExp: 0}
}

func TestConverterFloorsToSettlementUnits(t *testing.T) {
	conv, err := NewConverter(NewStaticSource(decimal.RequireFromString("601234.57")), usdToIRR())
	require.NoError(t, err)

	// 9.99 USD * 601234.57 = 6006333.35... IRR
	got, err := conv.ToSettlement(context.Background(), 999)
	require.NoError(t, err)
	assert.Equal(t, int64(6006333), got.Amount)
	assert.Equal(t, "IRR", got.Currency)
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("601234.57")))
}

func TestConverterSameCurrencyIsIdentity(t *testing.T) {
	src := &countingSource{rate: decimal.NewFromInt(3)}
	conv, err := NewConverter(src, config.CurrencyConfig{ReferenceCode: "irr", SettlementCode: "IRR"})
	require.NoError(t, err)

	got, err := conv.ToSettlement(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.Amount)
	assert.Zero(t, src.calls)
}

func TestConverterRejectsBadRates(t *testing.T) {
	ctx := context.Background()

	conv, err := NewConverter(&countingSource{err: errors.New("boom")}, usdToIRR())
	require.NoError(t, err)
	_, err = conv.ToSettlement(ctx, 100)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	conv, err = NewConverter(NewStaticSource(decimal.Zero), usdToIRR())
	require.NoError(t, err)
	_, err = conv.ToSettlement(ctx, 100)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	_, err = conv.ToSettlement(ctx, -1)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestCachedSourceMemoizes(t *testing.T) {
	src := &countingSource{rate: decimal.NewFromInt(42)}
	cached := NewCachedSource(src, time.Minute)

	for i := 0; i < 3; i++ {
		rate, err := cached.Rate(context.Background(), "USD", "IRR")
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.NewFromInt(42)))
	}
	assert.Equal(t, 1, src.calls)

	_, err := cached.Rate(context.Background(), "EUR", "IRR")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestHTTPSourceParsesRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "USD", r.URL.Query().Get("from"))
		assert.Equal(t, "IRR", r.URL.Query().Get("to"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rate":"600000.5"}`))
	}))
	defer srv.Close()

	source, err := NewHTTPSource(srv.URL+"/rates", time.Second)
	require.NoError(t, err)

	rate, err := source.Rate(context.Background(), "USD", "IRR")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("600000.5")))
}

func TestHTTPSourceStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	source, err := NewHTTPSource(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = source.Rate(context.Background(), "USD", "IRR")
	require.Error(t, err)
}

func TestNewSourceFromConfig(t *testing.T) {
	cfg := usdToIRR()
	cfg.StaticRate = "not-a-number"
	_, err := NewSourceFromConfig(cfg)
	require.Error(t, err)

	cfg.StaticRate = "500000"
	src, err := NewSourceFromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, StaticSource{}, src)

	cfg.StaticRate = ""
	_, err = NewSourceFromConfig(cfg)
	require.Error(t, err)

	cfg.RateURL = "https://rates.example.com"
	src, err = NewSourceFromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, &CachedSource{}, src)
}
