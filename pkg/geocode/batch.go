package geocode

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/caremap/caremap-sync/internal/model"
)

// ResolveBatch implements Client.
func (k *kakao) ResolveBatch(ctx context.Context, addresses []string, delay time.Duration) map[string]*model.Coordinates {
	unique := Distinct(addresses)
	results := make(map[string]*model.Coordinates, len(unique))
	if len(unique) == 0 {
		return results
	}

	// One token per request sent; the first is available immediately and
	// nothing waits after the last.
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		mu       sync.Mutex
		resolved int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.concurrency)

	for i, addr := range unique {
		if k.sendsRequest(addr) {
			if err := limiter.Wait(gctx); err != nil {
				k.log.Warn("geocode batch interrupted",
					zap.Int("done", i),
					zap.Int("total", len(unique)),
					zap.Error(err),
				)
				break
			}
		}
		g.Go(func() error {
			k.log.Info("geocoding",
				zap.Int("index", i+1),
				zap.Int("total", len(unique)),
				zap.String("address", addr),
			)
			point := k.Resolve(gctx, addr).Point()
			if point == nil {
				return nil
			}
			mu.Lock()
			results[addr] = point
			resolved++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	k.log.Info("geocoding complete",
		zap.Int("resolved", resolved),
		zap.Int("distinct", len(unique)),
	)
	return results
}

// sendsRequest reports whether resolving addr reaches the Kakao API. Blank
// addresses and a missing key are answered locally.
func (k *kakao) sendsRequest(addr string) bool {
	return k.apiKey != "" && strings.TrimSpace(addr) != ""
}

// Distinct returns the addresses with duplicates removed, keeping the first
// occurrence of each.
func Distinct(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
