package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitchx/founder-exchange/internal/store"
)

// Seed is a fixture of events, founders and investors created at startup.
type Seed struct {
	Events    []CreateEventRequest    `yaml:"events"`
	Founders  []CreateFounderRequest  `yaml:"founders"`
	Investors []CreateInvestorRequest `yaml:"investors"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()

	var seed Seed
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return &seed, nil
}

// ApplySeed creates everything in seed. Rows that already exist are left
// as they are, so restarting against a persistent store is harmless.
func (s *Service) ApplySeed(ctx context.Context, seed *Seed) error {
	var created, skipped int
	track := func(err error) error {
		switch {
		case err == nil:
			created++
		case errors.Is(err, store.ErrAlreadyExists):
			skipped++
		default:
			return err
		}
		return nil
	}

	for _, e := range seed.Events {
		_, err := s.AddEvent(ctx, e)
		if err := track(err); err != nil {
			return fmt.Errorf("seed event %q: %w", e.ID, err)
		}
	}
	for _, f := range seed.Founders {
		_, err := s.AddFounder(ctx, f)
		if err := track(err); err != nil {
			return fmt.Errorf("seed founder %q: %w", f.FounderID, err)
		}
	}
	for _, inv := range seed.Investors {
		_, err := s.AddInvestor(ctx, inv)
		if err := track(err); err != nil {
			return fmt.Errorf("seed investor %q: %w", inv.ID, err)
		}
	}

	slog.Info("seed applied", "created", created, "existing", skipped)
	return nil
}
