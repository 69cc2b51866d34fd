// Package history serves founder price series for charting.
//
// The underlying log is append-only and owned by the trade executor; this
// package only reads it. Downsampling is a display transform over a copy.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitchx/founder-exchange/internal/model"
)

// ErrInvalidRange is returned when since is after until or maxPoints is negative.
var ErrInvalidRange = errors.New("history: invalid range")

// Reader is the slice of the store this package needs.
type Reader interface {
	GetPriceHistory(ctx context.Context, founderID string, since, until time.Time) ([]model.PriceHistoryPoint, error)
}

// Query selects a founder's points in [Since, Until]. Zero times leave that
// side open; MaxPoints <= 0 returns every point.
type Query struct {
	FounderID string
	Since     time.Time
	Until     time.Time
	MaxPoints int
}

// Fetch returns the query's points in commit order, downsampled to at most
// MaxPoints.
func Fetch(ctx context.Context, r Reader, q Query) ([]model.PriceHistoryPoint, error) {
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Since.After(q.Until) {
		return nil, fmt.Errorf("%w: since %s is after until %s",
			ErrInvalidRange, q.Since.Format(time.RFC3339), q.Until.Format(time.RFC3339))
	}
	if q.MaxPoints < 0 {
		return nil, fmt.Errorf("%w: max_points must not be negative", ErrInvalidRange)
	}

	points, err := r.GetPriceHistory(ctx, q.FounderID, q.Since, q.Until)
	if err != nil {
		return nil, err
	}
	return Downsample(points, q.MaxPoints), nil
}

// Downsample reduces points to at most maxPoints while keeping the shape a
// chart needs. The first and last points always survive. The interior is cut
// into maxPoints-2 equal buckets and each bucket contributes the point whose
// price moved furthest from the previously kept point. The input is not
// modified.
func Downsample(points []model.PriceHistoryPoint, maxPoints int) []model.PriceHistoryPoint {
	n := len(points)
	if maxPoints <= 0 || n <= maxPoints {
		out := make([]model.PriceHistoryPoint, n)
		copy(out, points)
		return out
	}
	switch maxPoints {
	case 1:
		return []model.PriceHistoryPoint{points[n-1]}
	case 2:
		return []model.PriceHistoryPoint{points[0], points[n-1]}
	}

	interior := points[1 : n-1]
	m := len(interior)
	buckets := maxPoints - 2

	out := make([]model.PriceHistoryPoint, 0, maxPoints)
	out = append(out, points[0])
	prev := points[0]
	for b := 0; b < buckets; b++ {
		lo := b * m / buckets
		hi := (b + 1) * m / buckets

		best := lo
		bestDelta := interior[lo].Price.Sub(prev.Price).Abs()
		for i := lo + 1; i < hi; i++ {
			if delta := interior[i].Price.Sub(prev.Price).Abs(); delta.GreaterThan(bestDelta) {
				best, bestDelta = i, delta
			}
		}
		prev = interior[best]
		out = append(out, prev)
	}
	return append(out, points[n-1])
}
