package contextbuilder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arbiter/internal/decision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTradingContextOK(t *testing.T) {
	var got struct {
		Symbols      []string `json:"symbols"`
		AccountID    int64    `json:"account_id"`
		Timeframes   []string `json:"timeframes"`
		ForceRefresh bool     `json:"force_refresh"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/context/build", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(decision.Context{
			Symbols:   got.Symbols,
			AccountID: got.AccountID,
			Market: map[string]decision.MarketSnapshot{
				"BTCUSDT": {Symbol: "BTCUSDT", CurrentPrice: 50000},
			},
			Timestamp: time.Now(),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	tc, err := c.BuildTradingContext(context.Background(), []string{"BTCUSDT"}, 1, []string{"1h", "4h"}, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT"}, got.Symbols)
	assert.Equal(t, int64(1), got.AccountID)
	assert.Equal(t, []string{"1h", "4h"}, got.Timeframes)
	assert.True(t, got.ForceRefresh)
	assert.Equal(t, 50000.0, tc.CurrentPrice("BTCUSDT"))
}

func TestBuildTradingContextErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnprocessableEntity, ErrInsufficientData},
		{http.StatusConflict, ErrStaleData},
		{http.StatusGone, ErrStaleData},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "kline gap on BTCUSDT"})
		}))
		c := NewClient(srv.URL, time.Second)
		_, err := c.BuildTradingContext(context.Background(), []string{"BTCUSDT"}, 1, nil, false)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		assert.Contains(t, err.Error(), "kline gap")
		srv.Close()
	}
}

func TestBuildTradingContextServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.BuildTradingContext(context.Background(), []string{"BTCUSDT"}, 1, nil, false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientData)
	assert.NotErrorIs(t, err, ErrStaleData)
	assert.Contains(t, err.Error(), "status=500")
}

func TestClearCache(t *testing.T) {
	var pattern string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/context/cache/clear", r.URL.Path)
		pattern = r.URL.Query().Get("pattern")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	require.NoError(t, c.ClearCache(context.Background(), "acct:1"))
	assert.Equal(t, "acct:1", pattern)
}

func TestClearCacheFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	assert.Error(t, c.ClearCache(context.Background(), "acct:1"))
}
