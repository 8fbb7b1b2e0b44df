package system

import (
	"context"
	"errors"
	"testing"
)

type fakeService struct {
	name     string
	startErr error
	stopErr  error
	journal  *[]string
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	*s.journal = append(*s.journal, "start "+s.name)
	return s.startErr
}

func (s *fakeService) Stop(context.Context) error {
	*s.journal = append(*s.journal, "stop "+s.name)
	return s.stopErr
}

func TestStartStopOrder(t *testing.T) {
	var journal []string
	m := NewManager(nil)
	m.Register(&fakeService{name: "a", journal: &journal})
	m.Register(&fakeService{name: "b", journal: &journal})

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start a", "start b", "stop b", "stop a"}
	if len(journal) != len(want) {
		t.Fatalf("journal = %v", journal)
	}
	for i, step := range want {
		if journal[i] != step {
			t.Fatalf("journal[%d] = %q, want %q", i, journal[i], step)
		}
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	var journal []string
	boom := errors.New("boom")
	m := NewManager(nil)
	m.Register(&fakeService{name: "a", journal: &journal})
	m.Register(&fakeService{name: "b", startErr: boom, journal: &journal})
	m.Register(&fakeService{name: "c", journal: &journal})

	err := m.StartAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	want := []string{"start a", "start b", "stop a"}
	if len(journal) != len(want) {
		t.Fatalf("journal = %v", journal)
	}
	for i, step := range want {
		if journal[i] != step {
			t.Fatalf("journal[%d] = %q, want %q", i, journal[i], step)
		}
	}
}

func TestStopCollectsFirstError(t *testing.T) {
	var journal []string
	bad := errors.New("stop failed")
	m := NewManager(nil)
	m.Register(&fakeService{name: "a", stopErr: bad, journal: &journal})
	m.Register(&fakeService{name: "b", journal: &journal})

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StopAll(ctx); !errors.Is(err, bad) {
		t.Fatalf("stop err = %v", err)
	}
	// Both stops still ran.
	if journal[len(journal)-1] != "stop a" {
		t.Fatalf("journal = %v", journal)
	}
}
