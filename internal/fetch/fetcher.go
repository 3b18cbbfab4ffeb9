// Package fetch executes widget binding requests: one HTTP call with an
// enforced timeout, guarded by a per-host circuit breaker, with a single
// retry through the binding's CORS proxy when the direct call cannot be sent.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/internal/config"
	"github.com/pitabwire/doorhub/internal/observability"
	"github.com/pitabwire/doorhub/model"
)

// DefaultOrigin is sent on proxied requests when no origin is configured.
const DefaultOrigin = "http://localhost"

// defaultMaxResponseSize caps the bytes read from an upstream response.
const defaultMaxResponseSize = 10 << 20

// Request is one resolved binding call. URL and header values are already
// substituted.
type Request struct {
	WidgetID  string
	URL       string
	Method    string
	Headers   map[string]string
	Timeout   time.Duration
	CORSProxy string
}

// Response is a parsed upstream answer.
type Response struct {
	StatusCode int
	Body       any
	ViaProxy   bool
	Duration   time.Duration
}

// Fetcher sends binding requests. It is safe for concurrent use.
type Fetcher struct {
	client         *http.Client
	defaultTimeout time.Duration
	origin         string
	maxBody        int64
	breakerCfg     config.CircuitBreakerConfig
	logger         *zap.Logger
	metrics        *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client. The client's own Timeout should be
// zero; timeouts are applied per request.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// New creates a Fetcher from the fetch configuration.
func New(cfg config.FetchConfig, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		defaultTimeout: cfg.DefaultTimeout,
		origin:         cfg.Origin,
		maxBody:        cfg.MaxResponseSize,
		breakerCfg:     cfg.CircuitBreaker,
		logger:         zap.NewNop(),
		breakers:       make(map[string]*CircuitBreaker),
	}
	if f.defaultTimeout <= 0 {
		f.defaultTimeout = 10 * time.Second
	}
	if f.origin == "" {
		f.origin = DefaultOrigin
	}
	if f.maxBody <= 0 {
		f.maxBody = defaultMaxResponseSize
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs req. Errors are *model.ErrorEnvelope values with codes
// TRANSPORT_FAILURE, REQUEST_FAILED or RESPONSE_PARSE_FAILED. When the direct
// call fails to produce any HTTP response and req.CORSProxy is set, the call
// is retried once as CORSProxy+URL with an Origin header. Non-2xx answers and
// parse failures are never retried.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	resp, err := f.attempt(ctx, req, req.URL, false)
	if err != nil && model.CodeOf(err) == model.ErrTransportFailure && req.CORSProxy != "" && ctx.Err() == nil {
		f.logger.Debug("binding request failed, retrying through proxy",
			zap.String("widget_id", req.WidgetID),
			zap.Error(err),
		)
		f.metrics.RecordFetchProxyRetry(req.WidgetID)
		resp, err = f.attempt(ctx, req, req.CORSProxy+req.URL, true)
	}

	outcome := "ok"
	if err != nil {
		outcome = model.CodeOf(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	f.metrics.RecordFetch(req.WidgetID, outcome, time.Since(start))

	resp.Duration = time.Since(start)
	return resp, err
}

// attempt sends one request under its own timeout.
func (f *Fetcher) attempt(ctx context.Context, req Request, target string, viaProxy bool) (resp Response, err error) {
	resp.ViaProxy = viaProxy

	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return resp, model.NewTransportFailureError(fmt.Errorf("invalid url %q", target))
	}
	host := u.Host

	ctx, span := observability.StartSpan(ctx, "binding.fetch",
		observability.AttrWidgetID.String(req.WidgetID),
		observability.AttrHost.String(host),
		observability.AttrViaProxy.Bool(viaProxy),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	breaker := f.breaker(host)
	if berr := breaker.Allow(); berr != nil {
		return resp, model.NewTransportFailureError(fmt.Errorf("%s: %w", host, berr))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return resp, model.NewTransportFailureError(err)
	}
	httpReq.Header = buildHeaders(req.Headers)
	if viaProxy {
		httpReq.Header.Set("Origin", f.origin)
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		breaker.RecordFailure()
		return resp, model.NewTransportFailureError(err)
	}
	defer httpResp.Body.Close()

	resp.StatusCode = httpResp.StatusCode
	if httpResp.StatusCode >= 500 {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 64<<10))
		return resp, model.NewRequestFailedError(httpResp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, f.maxBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return resp, model.NewTransportFailureError(err)
		}
		return resp, model.NewResponseParseFailedError(err)
	}
	if int64(len(raw)) > f.maxBody {
		return resp, model.NewResponseParseFailedError(fmt.Errorf("response exceeds %d bytes", f.maxBody))
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return resp, model.NewResponseParseFailedError(err)
	}
	resp.Body = body
	return resp, nil
}

// breaker returns the circuit breaker for host, creating it on first use.
func (f *Fetcher) breaker(host string) *CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := NewCircuitBreaker(f.breakerCfg, func(s BreakerState) {
		f.logger.Warn("circuit breaker state changed",
			zap.String("host", host),
			zap.Stringer("state", s),
		)
		f.metrics.SetFetchCircuitBreakerState(host, float64(s))
	})
	f.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state for host. Hosts never contacted
// are closed.
func (f *Fetcher) BreakerState(host string) BreakerState {
	f.mu.Lock()
	cb, ok := f.breakers[host]
	f.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return cb.State()
}

func buildHeaders(in map[string]string) http.Header {
	h := make(http.Header, len(in)+1)
	h.Set("Accept", "application/json")
	// Binding headers apply after the defaults so they can override them.
	for k, v := range in {
		k = sanitizeHeader(k)
		if k == "" {
			continue
		}
		h.Set(k, sanitizeHeader(v))
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
