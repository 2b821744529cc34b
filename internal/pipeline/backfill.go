package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BackfillResult counts a coordinate backfill.
type BackfillResult struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Backfill geocodes up to limit stored institutions that have no
// coordinates and writes the results back. Coordinates are set in place;
// last_updated_at and history are untouched.
func (p *Pipeline) Backfill(ctx context.Context, limit int) (*BackfillResult, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("op", "backfill"))

	st, err := p.open(ctx)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Warn("pipeline: close store", zap.Error(closeErr))
		}
	}()

	if err := st.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	missing, err := st.MissingCoordinates(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list missing coordinates")
	}

	result := &BackfillResult{Total: len(missing)}
	if len(missing) == 0 {
		log.Info("pipeline: nothing to backfill")
		return result, nil
	}

	addresses := make([]string, 0, len(missing))
	for _, inst := range missing {
		addresses = append(addresses, inst.Address)
	}
	resolved := p.geocoder.ResolveBatch(ctx, addresses, p.cfg.Geocode.Delay())

	for _, inst := range missing {
		c := resolved[inst.Address]
		if c == nil {
			result.Failed++
			continue
		}
		if err := st.UpdateCoordinates(ctx, inst.ID, *c); err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(err, "pipeline: backfill interrupted")
			}
			log.Warn("pipeline: update coordinates",
				zap.String("code", inst.Code),
				zap.Error(err),
			)
			result.Failed++
			continue
		}
		result.Updated++
	}

	log.Info("pipeline: backfill complete",
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed),
		zap.Int("total", result.Total),
	)
	return result, nil
}
