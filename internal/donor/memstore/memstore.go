package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/danmuck/soapctl/internal/donor"
)

var _ donor.Repository = (*Store)(nil)

// Store is an in-process donor repository.
//
// Every operation runs under one mutex, which makes ReserveReady's
// select-then-mark a single atomic step for all goroutines sharing the Store.
type Store struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]donor.Record
	writes int
}

// New constructs an empty store.
func New() *Store {
	return &Store{byName: make(map[string]donor.Record)}
}

// Seed constructs a store preloaded with records in order.
func Seed(records ...donor.Record) *Store {
	s := New()
	for _, r := range records {
		s.order = append(s.order, r.Name)
		s.byName[r.Name] = clone(r)
	}
	return s
}

// Writes counts successful mutations since construction.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *Store) List(ctx context.Context) ([]donor.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]donor.Record, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, clone(s.byName[name]))
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, name string) (donor.Record, error) {
	if err := ctx.Err(); err != nil {
		return donor.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byName[strings.TrimSpace(name)]
	if !ok {
		return donor.Record{}, donor.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[strings.TrimSpace(name)]
	return ok, nil
}

func (s *Store) Insert(ctx context.Context, rec donor.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[rec.Name]; ok {
		return donor.ErrDuplicate
	}
	s.order = append(s.order, rec.Name)
	s.byName[rec.Name] = clone(rec)
	s.writes++
	return nil
}

func (s *Store) Update(ctx context.Context, rec donor.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byName[rec.Name]
	if !ok {
		return donor.ErrNotFound
	}
	rec.LeaseID = cur.LeaseID
	rec.LeasedAt = cur.LeasedAt
	s.byName[rec.Name] = clone(rec)
	s.writes++
	return nil
}

func (s *Store) ReserveReady(ctx context.Context, now int64, leaseID string) (donor.Record, error) {
	if err := ctx.Err(); err != nil {
		return donor.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.order {
		rec := s.byName[name]
		if rec.Reserved() || !donor.IsReady(rec.LastTransferred, now) {
			continue
		}
		rec.LeaseID = leaseID
		rec.LeasedAt = now
		s.byName[name] = rec
		s.writes++
		return clone(rec), nil
	}
	return donor.Record{}, donor.ErrPoolExhausted
}

func (s *Store) CommitLease(ctx context.Context, name, leaseID string, profile []byte, lastTransferred int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byName[name]
	if !ok {
		return donor.ErrNotFound
	}
	if rec.LeaseID == "" || rec.LeaseID != leaseID {
		return donor.ErrLeaseLost
	}
	rec.Profile = append([]byte(nil), profile...)
	rec.LastTransferred = lastTransferred
	rec.LeaseID = ""
	rec.LeasedAt = 0
	s.byName[name] = rec
	s.writes++
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, leaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byName[name]
	if !ok {
		return donor.ErrNotFound
	}
	if rec.LeaseID == "" || rec.LeaseID != leaseID {
		return donor.ErrLeaseLost
	}
	rec.LeaseID = ""
	rec.LeasedAt = 0
	s.byName[name] = rec
	s.writes++
	return nil
}

func clone(r donor.Record) donor.Record {
	r.Profile = append([]byte(nil), r.Profile...)
	return r
}
