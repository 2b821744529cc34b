package geocode

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caremap/caremap-sync/internal/resilience"
)

// newRewriteClient creates an HTTP client that rewrites requests to a test server URL.
// All requests matching the target prefix are redirected to the test server.
func newRewriteClient(testServerURL, targetPrefix string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &rewriteTransport{
			base:         http.DefaultTransport,
			testServer:   testServerURL,
			targetPrefix: targetPrefix,
		},
	}
}

type rewriteTransport struct {
	base         http.RoundTripper
	testServer   string
	targetPrefix string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	origURL := req.URL.String()
	if !strings.HasPrefix(origURL, t.targetPrefix) {
		return t.base.RoundTrip(req)
	}
	parsed, err := req.URL.Parse(t.testServer + origURL[len(t.targetPrefix):])
	if err != nil {
		return nil, err
	}
	newReq := req.Clone(req.Context())
	newReq.URL = parsed
	newReq.Host = parsed.Host
	return t.base.RoundTrip(newReq)
}

// kakaoStub serves canned responses and counts requests.
type kakaoStub struct {
	hits    atomic.Int32
	handler http.HandlerFunc
}

func newKakaoStub(t *testing.T, handler http.HandlerFunc) (*kakaoStub, *httptest.Server) {
	t.Helper()
	stub := &kakaoStub{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		stub.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

// newTestClient points a client at srv with fast retries.
func newTestClient(srv *httptest.Server, opts ...Option) *kakao {
	base := []Option{
		WithHTTPClient(newRewriteClient(srv.URL, kakaoAddressURL)),
		WithAPIKey("test-key"),
		WithRetryPolicy(resilience.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
	}
	return NewClient(append(base, opts...)...).(*kakao)
}

type countingRecorder struct {
	counts map[string]int
}

func (r *countingRecorder) GeocodeOutcome(outcome string) {
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[outcome]++
}
