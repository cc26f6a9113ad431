package fake

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"hoist/internal/adapter/fake/fault"
	"hoist/internal/lease"
	"hoist/internal/rollout"
)

var _ rollout.RecordStore = (*RecordStore)(nil)

const (
	FaultRecordBegin          = "record_store.begin"
	FaultRecordFinish         = "record_store.finish"
	FaultRecordLastSuccessful = "record_store.last_successful"
	FaultRecordList           = "record_store.list"
)

// RecordStore is an in-memory rollout.RecordStore.
type RecordStore struct {
	CallRecorder
	Faults *fault.Injector

	mu      sync.Mutex
	records map[string]rollout.Record
}

func NewRecordStore() *RecordStore {
	return &RecordStore{Faults: fault.NewInjector(), records: make(map[string]rollout.Record)}
}

func (s *RecordStore) Begin(ctx context.Context, rec rollout.Record) error {
	s.record("Begin", rec.ID)
	if err := s.Faults.Eval(ctx, FaultRecordBegin, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("rollout record %q already exists", rec.ID)
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *RecordStore) Finish(ctx context.Context, rec rollout.Record) error {
	s.record("Finish", rec.ID)
	if err := s.Faults.Eval(ctx, FaultRecordFinish, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; !exists {
		return fmt.Errorf("rollout record %q not found", rec.ID)
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *RecordStore) LastSuccessful(ctx context.Context, key lease.Key) (rollout.Record, bool, error) {
	s.record("LastSuccessful", key)
	if err := s.Faults.Eval(ctx, FaultRecordLastSuccessful, key); err != nil {
		return rollout.Record{}, false, err
	}
	for _, rec := range s.sorted(key) {
		if rec.Phase == rollout.PhaseRunning {
			return rec, true, nil
		}
	}
	return rollout.Record{}, false, nil
}

func (s *RecordStore) List(ctx context.Context, key lease.Key, limit int) ([]rollout.Record, error) {
	s.record("List", key, limit)
	if err := s.Faults.Eval(ctx, FaultRecordList, key, limit); err != nil {
		return nil, err
	}
	out := s.sorted(key)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Put stores rec directly, bypassing faults.
func (s *RecordStore) Put(rec rollout.Record) {
	s.mu.Lock()
	s.records[rec.ID] = clone(rec)
	s.mu.Unlock()
}

// Get returns the record with id.
func (s *RecordStore) Get(id string) (rollout.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return clone(rec), ok
}

// sorted returns records for key, newest first.
func (s *RecordStore) sorted(key lease.Key) []rollout.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rollout.Record
	for _, rec := range s.records {
		if rec.Key() == key {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func clone(rec rollout.Record) rollout.Record {
	rec.Warnings = slices.Clone(rec.Warnings)
	return rec
}
