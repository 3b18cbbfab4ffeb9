package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/doorhub/internal/config"
	"github.com/pitabwire/doorhub/internal/observability"
	"github.com/pitabwire/doorhub/model"
)

func testConfig() config.FetchConfig {
	cfg := config.Defaults().Fetch
	cfg.DefaultTimeout = time.Second
	return cfg
}

// deadURL returns the URL of a server that has already been closed.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	u := srv.URL
	srv.Close()
	return u
}

func TestFetch_ok(t *testing.T) {
	var gotAccept, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"orderNo":42,"summaryStateCode":"DELIVERED"}`))
	}))
	defer srv.Close()

	f := New(testConfig())
	resp, err := f.Fetch(context.Background(), Request{
		WidgetID: "order-status",
		URL:      srv.URL + "/orders/42",
		Headers:  map[string]string{"Authorization": "Bearer abc\r\nX-Evil: 1"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.ViaProxy)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "Bearer abcX-Evil: 1", gotAuth)

	body, ok := resp.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), body["orderNo"])
}

func TestFetch_methodAndDefaultGet(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := New(testConfig())
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), Request{URL: srv.URL, Method: "post"})
	require.NoError(t, err)

	assert.Equal(t, []string{http.MethodGet, http.MethodPost}, methods)
}

func TestFetch_non2xx_isRequestFailed(t *testing.T) {
	var proxyHits atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxyHits.Add(1)
	}))
	defer proxy.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(testConfig())
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL, CORSProxy: proxy.URL + "/?"})
	require.Error(t, err)

	assert.Equal(t, model.ErrRequestFailed, model.CodeOf(err))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, proxyHits.Load(), "an HTTP answer must not be retried through the proxy")
}

func TestFetch_invalidJSON_isResponseParseFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>nope</html>`))
	}))
	defer srv.Close()

	f := New(testConfig())
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, model.ErrResponseParseFailed, model.CodeOf(err))
}

func TestFetch_oversizedBody_isResponseParseFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"` + strings.Repeat("x", 200) + `"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxResponseSize = 64
	f := New(cfg)
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, model.ErrResponseParseFailed, model.CodeOf(err))
}

func TestFetch_transportFailure_withoutProxy(t *testing.T) {
	f := New(testConfig())
	_, err := f.Fetch(context.Background(), Request{URL: deadURL(t)})
	require.Error(t, err)
	assert.Equal(t, model.ErrTransportFailure, model.CodeOf(err))
}

func TestFetch_transportFailure_retriesThroughProxy(t *testing.T) {
	target := deadURL(t) + "/shipments?trackingNumber=123"

	var gotOrigin, gotPath string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrigin = r.Header.Get("Origin")
		gotPath = r.URL.RawQuery
		w.Write([]byte(`{"shipments":[]}`))
	}))
	defer proxy.Close()

	cfg := testConfig()
	cfg.Origin = "https://dashboard.example.com"
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	f := New(cfg, WithMetrics(metrics))

	resp, err := f.Fetch(context.Background(), Request{
		WidgetID:  "doorhub-dhl-tracking",
		URL:       target,
		CORSProxy: proxy.URL + "/?url=",
	})
	require.NoError(t, err)

	assert.True(t, resp.ViaProxy)
	assert.Equal(t, "https://dashboard.example.com", gotOrigin)
	assert.Contains(t, gotPath, "url=http://")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FetchProxyRetriesTotal.WithLabelValues("doorhub-dhl-tracking")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FetchRequestsTotal.WithLabelValues("doorhub-dhl-tracking", "ok")))
}

func TestFetch_proxyRetriedOnlyOnce(t *testing.T) {
	f := New(testConfig())
	_, err := f.Fetch(context.Background(), Request{
		URL:       deadURL(t),
		CORSProxy: deadURL(t) + "/?",
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrTransportFailure, model.CodeOf(err))
}

func TestFetch_connectionRefusedKeepsCause(t *testing.T) {
	f := New(testConfig())
	_, err := f.Fetch(context.Background(), Request{URL: deadURL(t)})
	require.Error(t, err)

	assert.Equal(t, model.ErrTransportFailure, model.CodeOf(err))
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr), "cause %v is not a dial error", err)
	assert.NotContains(t, err.Error(), "request failed")
}

func TestFetch_timeoutEnforced(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(testConfig())
	start := time.Now()
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.Error(t, err)

	assert.Equal(t, model.ErrTransportFailure, model.CodeOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetch_cancelledContext_doesNotUseProxy(t *testing.T) {
	var proxyHits atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxyHits.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer proxy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(testConfig())
	_, err := f.Fetch(ctx, Request{URL: deadURL(t), CORSProxy: proxy.URL + "/?"})
	require.Error(t, err)
	assert.Zero(t, proxyHits.Load())
}

func TestFetch_breakerOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}
	f := New(cfg)

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		assert.Equal(t, model.ErrRequestFailed, model.CodeOf(err))
	}

	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, BreakerOpen, f.BreakerState(host))

	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, model.ErrTransportFailure, model.CodeOf(err))
	assert.Equal(t, int32(2), hits.Load(), "open breaker must short-circuit")

	assert.Equal(t, BreakerClosed, f.BreakerState("other.example.com"))
}

func TestFetch_invalidURL(t *testing.T) {
	f := New(testConfig())
	_, err := f.Fetch(context.Background(), Request{URL: "not a url"})
	require.Error(t, err)
	assert.Equal(t, model.ErrTransportFailure, model.CodeOf(err))
}
