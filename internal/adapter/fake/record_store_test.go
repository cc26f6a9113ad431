package fake

import (
	"errors"
	"testing"
	"time"

	"hoist/internal/lease"
	"hoist/internal/rollout"
)

func TestRecordStore(t *testing.T) {
	s := NewRecordStore()
	key := lease.Key{Host: "10.0.0.5:22", Container: "vpn-api-container"}
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ok1 := rollout.Record{ID: "a", Host: key.Host, Container: key.Container, Artifact: "user/vpn-api:1", Phase: rollout.PhaseRunning, StartedAt: start}
	failed := rollout.Record{ID: "b", Host: key.Host, Container: key.Container, Artifact: "user/vpn-api:2", Phase: rollout.PhaseFailed, StartedAt: start.Add(time.Minute)}
	other := rollout.Record{ID: "c", Host: key.Host, Container: "other", Phase: rollout.PhaseRunning, StartedAt: start.Add(2 * time.Minute)}
	for _, rec := range []rollout.Record{ok1, failed, other} {
		if err := s.Begin(t.Context(), rec); err != nil {
			t.Fatalf("Begin(%s) error = %v", rec.ID, err)
		}
	}
	if err := s.Begin(t.Context(), ok1); err == nil {
		t.Fatal("duplicate Begin succeeded")
	}

	last, found, err := s.LastSuccessful(t.Context(), key)
	if err != nil || !found || last.ID != "a" {
		t.Fatalf("LastSuccessful() = %+v, %v, %v", last, found, err)
	}

	list, err := s.List(t.Context(), key, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("List() = %+v, want newest first [b a]", list)
	}

	failed.Message = "start failed"
	if err := s.Finish(t.Context(), failed); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if got, _ := s.Get("b"); got.Message != "start failed" {
		t.Fatalf("Get(b).Message = %q", got.Message)
	}
	if err := s.Finish(t.Context(), rollout.Record{ID: "missing"}); err == nil {
		t.Fatal("Finish of unknown record succeeded")
	}

	boom := errors.New("disk full")
	s.Faults.FailOnce(FaultRecordBegin, boom)
	if err := s.Begin(t.Context(), rollout.Record{ID: "d"}); !errors.Is(err, boom) {
		t.Fatalf("Begin() error = %v, want %v", err, boom)
	}
	if got := s.Count("Begin"); got != 5 {
		t.Fatalf("Count(Begin) = %d, want 5", got)
	}
}
