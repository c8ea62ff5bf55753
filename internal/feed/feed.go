// Package feed ingests reference price readings from external providers and
// hands them to the prediction registry.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// Recorder accepts price readings. *registry.Registry implements it.
type Recorder interface {
	RecordPrice(ctx context.Context, value uint256.Int, observedAt time.Time, source string) (domain.PricePoint, error)
}

// record forwards a reading and logs the outcome. Readings that are not
// newer than the cached one are expected when a provider has not updated and
// are logged at debug.
func record(ctx context.Context, rec Recorder, logger *slog.Logger, value uint256.Int, observedAt time.Time, source string) {
	_, err := rec.RecordPrice(ctx, value, observedAt, source)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStalePrice):
		logger.DebugContext(ctx, "price reading not newer than cached",
			slog.Time("observed_at", observedAt),
		)
	default:
		logger.WarnContext(ctx, "record price failed",
			slog.String("value", value.Dec()),
			slog.String("error", err.Error()),
		)
	}
}
