package subscriptions

import (
	"context"
	"testing"
	"time"
)

func TestRunnerSweep(t *testing.T) {
	f := newFixture(t)
	id := f.subscribe(t)
	f.clock.now = time.Unix(feb1, 0).UTC().Add(time.Hour)

	runner := NewRunner(f.svc, f.store, f.clock, f.manager, "", nil)
	if n := runner.Sweep(context.Background()); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	sub, err := f.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.RebillEvents != 1 || sub.NextRebill != mar1 {
		t.Fatalf("sweep did not advance subscription: %+v", sub)
	}

	// The same instant has nothing further due.
	if n := runner.Sweep(context.Background()); n != 0 {
		t.Fatalf("second sweep processed %d", n)
	}
}

func TestRunnerSweepSkipsBrokenSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t)

	p := f.subscribeParams()
	p.SubscrID = 43
	second, err := f.svc.Subscribe(context.Background(), p)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Deactivate the merchant after the second subscription exists; its
	// rebill fails but the sweep continues.
	f.clock.now = time.Unix(feb1, 0).UTC().Add(time.Hour)
	if _, err := f.svc.ManagerCancel(context.Background(), second.ID, f.manager); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	runner := NewRunner(f.svc, f.store, f.clock, f.manager, "", nil)
	if n := runner.Sweep(context.Background()); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
}

func TestRunnerLifecycle(t *testing.T) {
	f := newFixture(t)
	runner := NewRunner(f.svc, f.store, f.clock, f.manager, "@every 1h", nil)
	if runner.Name() != "rebill-runner" {
		t.Fatalf("name = %q", runner.Name())
	}
	ctx := context.Background()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := runner.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
