package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/model"
	"github.com/caremap/caremap-sync/internal/resilience"
)

const kakaoAddressURL = "https://dapi.kakao.com/v2/local/search/address.json"

// kakaoResponse is the JSON response of the address search endpoint.
// Coordinates arrive as decimal strings.
type kakaoResponse struct {
	Meta struct {
		TotalCount int `json:"total_count"`
	} `json:"meta"`
	Documents []struct {
		AddressName string `json:"address_name"`
		X           string `json:"x"`
		Y           string `json:"y"`
	} `json:"documents"`
}

// Resolve implements Client.
func (k *kakao) Resolve(ctx context.Context, address string) Result {
	res := k.resolve(ctx, address)
	if k.recorder != nil {
		k.recorder.GeocodeOutcome(res.Outcome.String())
	}
	return res
}

func (k *kakao) resolve(ctx context.Context, address string) Result {
	addr := strings.TrimSpace(address)
	if addr == "" {
		k.log.Warn("empty address")
		return Result{Outcome: NotFound}
	}
	if k.apiKey == "" {
		k.log.Error("kakao api key not configured", zap.String("address", addr))
		return Result{Outcome: NotFound}
	}

	search := func(ctx context.Context) (*model.Coordinates, error) {
		return resilience.Retry(ctx, k.retry, func(ctx context.Context) (*model.Coordinates, error) {
			return k.search(ctx, addr)
		})
	}

	var (
		point *model.Coordinates
		err   error
	)
	if k.breaker != nil {
		point, err = resilience.Guard(ctx, k.breaker, search)
	} else {
		point, err = search(ctx)
	}

	switch {
	case err != nil:
		k.log.Warn("geocode failed", zap.String("address", addr), zap.Error(err))
		return Result{Outcome: TransientError, Err: err}
	case point == nil:
		k.log.Info("no geocoding result", zap.String("address", addr))
		return Result{Outcome: NotFound}
	case !k.bounds.Contains(*point):
		k.log.Warn("geocoded point outside service bounds",
			zap.String("address", addr),
			zap.Float64("lat", point.Latitude),
			zap.Float64("lng", point.Longitude),
		)
		return Result{Outcome: NotFound}
	}

	k.log.Debug("geocoded",
		zap.String("address", addr),
		zap.Float64("lat", point.Latitude),
		zap.Float64("lng", point.Longitude),
	)
	return Result{Outcome: Resolved, Coordinates: *point}
}

// search performs one request. It returns nil coordinates when the service
// has no candidate. Retryable failures are marked transient.
func (k *kakao) search(ctx context.Context, addr string) (*model.Coordinates, error) {
	reqURL := k.baseURL + "?" + url.Values{"query": {addr}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: kakao build request")
	}
	req.Header.Set("Authorization", "KakaoAK "+k.apiKey)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, resilience.MarkTransient(eris.Wrap(err, "geocode: kakao request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := eris.Errorf("geocode: kakao returned status %d", resp.StatusCode)
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.MarkTransient(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.MarkTransient(eris.Wrap(err, "geocode: kakao read body"), 0)
	}

	var kr kakaoResponse
	if err := json.Unmarshal(body, &kr); err != nil {
		return nil, eris.Wrap(err, "geocode: kakao parse response")
	}
	if len(kr.Documents) == 0 {
		return nil, nil
	}

	doc := kr.Documents[0]
	lng, err := strconv.ParseFloat(strings.TrimSpace(doc.X), 64)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: kakao parse x %q", doc.X)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(doc.Y), 64)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: kakao parse y %q", doc.Y)
	}
	return &model.Coordinates{Latitude: lat, Longitude: lng}, nil
}
