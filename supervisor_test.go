package relay

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func newTestSupervisor(t *testing.T, results ...mockResult) *Supervisor {
	t.Helper()
	agent, err := NewAgent("fleet", &mockProvider{results: results})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return NewSupervisor(agent)
}

func TestSupervisorOpenCreatesAndReuses(t *testing.T) {
	sv := newTestSupervisor(t)
	defer sv.Shutdown(context.Background())

	a, err := sv.Open("tenant-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a.ID() != "tenant-1" {
		t.Errorf("session ID = %q, want tenant-1", a.ID())
	}

	again, err := sv.Open("tenant-1")
	if err != nil {
		t.Fatalf("Open again: %v", err)
	}
	if again != a {
		t.Error("Open with the same ID built a new session")
	}

	got, ok := sv.Get("tenant-1")
	if !ok || got != a {
		t.Error("Get did not return the open session")
	}
	if _, ok := sv.Get("tenant-2"); ok {
		t.Error("Get found a session that was never opened")
	}
}

func TestSupervisorOpenGeneratesIDs(t *testing.T) {
	sv := newTestSupervisor(t)
	defer sv.Shutdown(context.Background())

	a, err := sv.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := sv.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a.ID() == "" || b.ID() == "" || a.ID() == b.ID() {
		t.Errorf("generated IDs = (%q, %q), want distinct non-empty", a.ID(), b.ID())
	}

	ids := sv.Sessions()
	if len(ids) != 2 || !slices.Contains(ids, a.ID()) || !slices.Contains(ids, b.ID()) {
		t.Errorf("Sessions = %v", ids)
	}
}

func TestSupervisorCloseSession(t *testing.T) {
	sv := newTestSupervisor(t)
	defer sv.Shutdown(context.Background())

	s, err := sv.Open("short-lived")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sv.Close(context.Background(), "short-lived"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := sv.Get("short-lived"); ok {
		t.Error("closed session still registered")
	}
	if _, err := s.SendMessage("hello"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendMessage on closed session = %v, want ErrSessionClosed", err)
	}

	// Unknown IDs are a no-op.
	if err := sv.Close(context.Background(), "never-existed"); err != nil {
		t.Errorf("Close(unknown) = %v, want nil", err)
	}
}

func TestSupervisorShutdown(t *testing.T) {
	sv := newTestSupervisor(t)

	a, _ := sv.Open("one")
	b, _ := sv.Open("two")

	if err := sv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := sv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	for _, s := range []*Session{a, b} {
		if _, err := s.SendMessage("hi"); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("session %s still accepts messages after shutdown", s.ID())
		}
	}
	if _, err := sv.Open("three"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Open after shutdown = %v, want ErrSessionClosed", err)
	}
	if got := sv.Sessions(); len(got) != 0 {
		t.Errorf("Sessions after shutdown = %v, want none", got)
	}
}

func TestSupervisorSeedsSessionsFromOptions(t *testing.T) {
	arch := &memArchive{}
	agent, err := NewAgent("fleet", &mockProvider{results: []mockResult{textResult("noted")}})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	sv := NewSupervisor(agent,
		SupervisorArchive(arch),
		SupervisorDeps(Deps{"region": "eu-west"}),
	)
	defer sv.Shutdown(context.Background())

	s, err := sv.Open("seeded")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Deps()["region"]; got != "eu-west" {
		t.Errorf("session deps region = %v, want eu-west", got)
	}

	sub, _ := s.Subscribe(16)
	if _, err := s.SendMessage("record me"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitEvent(t, sub, SessionAgentComplete)
	if err := sv.Close(context.Background(), "seeded"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(arch.records()) != 1 {
		t.Errorf("archive records = %d, want the supervisor-seeded archive to receive the run", len(arch.records()))
	}
}
