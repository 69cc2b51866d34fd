package trade_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pitchx/founder-exchange/internal/model"
	"github.com/pitchx/founder-exchange/internal/store"
	"github.com/pitchx/founder-exchange/internal/trade"
)

const seedYAML = `
events:
  - id: demo-day
    name: Demo Day
    status: active
founders:
  - founder_id: f1
    event_id: demo-day
    name: Ada
  - founder_id: f2
    event_id: demo-day
    name: Grace
    initial_shares: 50000
    initial_cash: "250000.50"
    min_reserve_shares: 500
investors:
  - id: inv1
    name: Investor One
    initial_balance: 25000
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndApplySeed(t *testing.T) {
	seed, err := trade.LoadSeed(writeSeed(t, seedYAML))
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if len(seed.Events) != 1 || len(seed.Founders) != 2 || len(seed.Investors) != 1 {
		t.Fatalf("unexpected seed: %+v", seed)
	}
	if !seed.Founders[1].InitialCash.Equal(d(250000.50)) {
		t.Errorf("initial cash = %s", seed.Founders[1].InitialCash)
	}

	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, trade.NewExecutor(ms, trade.ExecutorConfig{}))
	ctx := context.Background()
	if err := svc.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	// A second run finds everything in place.
	if err := svc.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("reapply seed: %v", err)
	}

	ev, err := ms.GetEvent(ctx, "demo-day")
	if err != nil || ev.Status != model.EventActive {
		t.Fatalf("event: %+v, %v", ev, err)
	}
	f1, _ := ms.GetPool(ctx, "f1")
	if f1.SharesInPool != trade.DefaultInitialShares || !f1.CurrentPrice.Equal(d(10)) {
		t.Errorf("f1 should take defaults: %+v", f1)
	}
	f2, _ := ms.GetPool(ctx, "f2")
	if f2.SharesInPool != 50000 || f2.MinReserveShares != 500 {
		t.Errorf("f2 overrides ignored: %+v", f2)
	}
	inv, _ := ms.GetInvestor(ctx, "inv1")
	if !inv.CurrentBalance.Equal(d(25000)) {
		t.Errorf("investor balance = %s", inv.CurrentBalance)
	}
}

func TestLoadSeedRejectsUnknownFields(t *testing.T) {
	_, err := trade.LoadSeed(writeSeed(t, "founders:\n  - founder_id: f1\n    price: 10\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestApplySeedStopsOnInvalidFounder(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, trade.NewExecutor(ms, trade.ExecutorConfig{}))
	seed := &trade.Seed{Founders: []trade.CreateFounderRequest{{FounderID: "f1", EventID: "missing", Name: "Ada"}}}

	err := svc.ApplySeed(context.Background(), seed)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadSeedMissingFile(t *testing.T) {
	if _, err := trade.LoadSeed(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestApplySeedRejectsUntradableIDs(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, trade.NewExecutor(ms, trade.ExecutorConfig{}))
	seed, err := trade.LoadSeed(writeSeed(t, "investors:\n  - id: inv one\n    name: Investor One\n"))
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}

	err = svc.ApplySeed(context.Background(), seed)
	if !errors.Is(err, trade.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := ms.GetInvestor(context.Background(), "inv one"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("malformed investor was stored: %v", err)
	}
}
