package fetcher

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/caremap/caremap-sync/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration

	// MaxRetries is the number of attempts per download, first one included.
	MaxRetries  int
	BackoffBase time.Duration

	// RateLimit and Burst apply per host. Default 5 requests per second.
	RateLimit rate.Limit
	Burst     int
}

// HTTPFetcher downloads batch files over HTTP(S). Requests to one host share
// a rate limiter; 408, 429 and 5xx responses are retried with backoff.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	retry  resilience.RetryPolicy

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates an HTTPFetcher, filling unset options with defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "caremap-sync/1.0"
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 5
	}
	if opts.Burst == 0 {
		opts.Burst = 1
	}

	retry := resilience.PolicyFromLimit(opts.MaxRetries, opts.BackoffBase)
	retry.MaxDelay = 30 * time.Second
	retry.OnRetry = resilience.LogRetries("fetcher", "http download")

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		retry:    retry,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	lim := rate.NewLimiter(f.opts.RateLimit, f.opts.Burst)
	f.limiters[host] = lim
	return lim
}

// get performs one rate-limited GET. The caller owns the body of a 200.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "http: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	if err := f.limiterFor(req.URL.Host).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "http: rate limiter wait")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "http: request")
		}
		return nil, resilience.MarkTransient(eris.Wrap(err, "http: request"), 0)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	_ = resp.Body.Close()
	statusErr := eris.Errorf("http: unexpected status %d from %s", resp.StatusCode, rawURL)
	if resilience.RetryableStatus(resp.StatusCode) {
		return nil, resilience.MarkTransient(statusErr, resp.StatusCode)
	}
	return nil, statusErr
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	body, err := resilience.Retry(ctx, f.retry, func(ctx context.Context) (io.ReadCloser, error) {
		return f.get(ctx, rawURL)
	})
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, eris.Wrapf(err, "http: gave up after %d attempts", f.retry.Attempts)
		}
		return nil, err
	}
	return body, nil
}

// DownloadToFile fetches the URL into path and returns the bytes written.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	return writeTo(path, body)
}

// writeTo copies r into a new file at path.
func writeTo(path string, r io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	n, err := io.Copy(file, r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
