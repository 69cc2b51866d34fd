// Package notify delivers change events to subscribers after a trade
// commits. Delivery is best effort: a failed publish is logged and counted,
// and never rolls back the write that produced it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pitchx/founder-exchange/internal/metrics"
	"github.com/pitchx/founder-exchange/internal/model"
)

// Publisher sends a batch of change events produced by one commit.
type Publisher interface {
	Publish(ctx context.Context, events []model.ChangeEvent) error
}

// Sink is a named Publisher, so failures can be attributed.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Multi fans out every batch to all sinks. One failing sink does not stop
// delivery to the others.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out publisher.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Add registers another sink.
func (m *Multi) Add(name string, p Publisher) {
	m.sinks = append(m.sinks, Sink{Name: name, Publisher: p})
}

func (m *Multi) Publish(ctx context.Context, events []model.ChangeEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publisher.Publish(ctx, events); err != nil {
			metrics.PublishFailures.WithLabelValues(s.Name).Inc()
			slog.Warn("change event publish failed", "sink", s.Name, "events", len(events), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, []model.ChangeEvent) error { return nil }
