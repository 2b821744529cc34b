// Package geocode resolves Korean addresses to coordinates with the Kakao
// Local address search API.
package geocode

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/model"
	"github.com/caremap/caremap-sync/internal/resilience"
)

// Outcome classifies a lookup.
type Outcome int

const (
	// NotFound means the address is empty, the service had no candidate, the
	// candidate fell outside the service bounds or no credential is set.
	NotFound Outcome = iota
	// Resolved means Coordinates holds the first candidate.
	Resolved
	// TransientError means the lookup failed (timeout, transport fault,
	// non-2xx status or malformed body) and may succeed later.
	TransientError
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case NotFound:
		return "not_found"
	case TransientError:
		return "transient_error"
	}
	return "unknown"
}

// Result is the outcome of resolving one address.
type Result struct {
	Outcome     Outcome
	Coordinates model.Coordinates
	Err         error
}

// Point returns the coordinates when resolved and nil otherwise.
func (r Result) Point() *model.Coordinates {
	if r.Outcome != Resolved {
		return nil
	}
	c := r.Coordinates
	return &c
}

// Client resolves addresses. Implementations never return errors; failures
// are folded into the Result outcome.
type Client interface {
	// Resolve looks up a single address.
	Resolve(ctx context.Context, address string) Result

	// ResolveBatch looks up each distinct address once, in input order,
	// waiting delay between successive lookups. Unresolved addresses are
	// absent from the returned map.
	ResolveBatch(ctx context.Context, addresses []string, delay time.Duration) map[string]*model.Coordinates
}

// Recorder receives one call per lookup outcome.
type Recorder interface {
	GeocodeOutcome(outcome string)
}

// Option configures the Kakao client.
type Option func(*kakao)

// WithAPIKey sets the Kakao REST API key. Without it every lookup is NotFound.
func WithAPIKey(key string) Option {
	return func(k *kakao) { k.apiKey = strings.TrimSpace(key) }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(k *kakao) { k.httpClient = hc }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(k *kakao) {
		if d > 0 {
			k.httpClient.Timeout = d
		}
	}
}

// WithBaseURL overrides the address search endpoint.
func WithBaseURL(u string) Option {
	return func(k *kakao) {
		if u != "" {
			k.baseURL = u
		}
	}
}

// WithRetryPolicy sets how transient failures are retried.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(k *kakao) { k.retry = p }
}

// WithBreaker guards lookups with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(k *kakao) { k.breaker = b }
}

// WithBounds rejects resolved points outside b.
func WithBounds(b Bounds) Option {
	return func(k *kakao) { k.bounds = b }
}

// WithConcurrency sets how many batch lookups may be in flight. Pacing is
// still enforced across workers.
func WithConcurrency(n int) Option {
	return func(k *kakao) {
		if n > 0 {
			k.concurrency = n
		}
	}
}

// WithRecorder reports lookup outcomes, typically to metrics.
func WithRecorder(r Recorder) Option {
	return func(k *kakao) { k.recorder = r }
}

type kakao struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	retry       resilience.RetryPolicy
	breaker     *resilience.Breaker
	bounds      Bounds
	concurrency int
	recorder    Recorder
	log         *zap.Logger
}

// NewClient creates a Kakao-backed Client.
func NewClient(opts ...Option) Client {
	k := &kakao{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     kakaoAddressURL,
		retry:       resilience.PolicyFromLimit(1, 0),
		bounds:      KoreaBounds(),
		concurrency: 1,
		log:         zap.L().With(zap.String("component", "geocode")),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.retry.OnRetry == nil {
		k.retry.OnRetry = resilience.LogRetries("kakao", "address_search")
	}
	return k
}
