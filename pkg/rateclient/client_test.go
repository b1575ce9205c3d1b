package rateclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGetRateCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("base") != "SOL" || r.URL.Query().Get("quote") != "RUB" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"rate":"11500.25"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, nil, quietLogger())
	for i := 0; i < 3; i++ {
		rate, err := c.GetRate(context.Background(), "sol", "rub")
		if err != nil {
			t.Fatalf("GetRate returned error: %v", err)
		}
		if !rate.Equal(decimal.RequireFromString("11500.25")) {
			t.Fatalf("expected 11500.25, got %s", rate)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls.Load())
	}
}

func TestGetRateFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, map[string]decimal.Decimal{"sol/rub": decimal.NewFromInt(12000)}, quietLogger())
	rate, err := c.GetRate(context.Background(), "SOL", "RUB")
	if err != nil {
		t.Fatalf("expected fallback rate, got error %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(12000)) {
		t.Fatalf("expected fallback 12000, got %s", rate)
	}

	if _, err := c.GetRate(context.Background(), "SOL", "EUR"); !errors.Is(err, ErrNoRate) {
		t.Fatalf("expected ErrNoRate for pair without fallback, got %v", err)
	}
}

func TestGetRateServesLastKnownAfterExpiry(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"rate":"150"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, map[string]decimal.Decimal{"SOL/USD": decimal.NewFromInt(1)}, quietLogger())
	if _, err := c.GetRate(context.Background(), "SOL", "USD"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	c.fresh.Flush()
	healthy.Store(false)

	rate, err := c.GetRate(context.Background(), "SOL", "USD")
	if err != nil {
		t.Fatalf("expected last known rate, got %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected last known 150, got %s", rate)
	}
}
