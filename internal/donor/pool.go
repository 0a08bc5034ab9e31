package donor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/soapctl/internal/listing"
	"github.com/danmuck/soapctl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ListingLimit caps donor status listings.
const ListingLimit = 9

// Lease is one held donor reservation.
type Lease struct {
	ID         string
	Donor      Record
	AcquiredAt time.Time
}

// Pool selects, leases and ages donors held in a Repository.
type Pool struct {
	repo  Repository
	now   func() time.Time
	newID func() string
}

type PoolOption func(*Pool)

// WithClock overrides the wall clock used for readiness checks.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPool binds a pool to repo.
func NewPool(repo Repository, opts ...PoolOption) *Pool {
	p := &Pool{
		repo:  repo,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Repository exposes the backing store for workflows that insert donors.
func (p *Pool) Repository() Repository {
	return p.repo
}

// Reserve leases the first ready donor.
func (p *Pool) Reserve(ctx context.Context) (*Lease, error) {
	now := p.now()
	leaseID := p.newID()
	rec, err := p.repo.ReserveReady(ctx, now.Unix(), leaseID)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			observability.RecordLeaseEvent("exhausted")
			return nil, ErrPoolExhausted
		}
		return nil, WrapRepositoryError("reserve", err)
	}
	observability.RecordLeaseEvent("reserved")
	zerolog.Ctx(ctx).Info().Str("donor", rec.Name).Str("lease_id", leaseID).Msg("donor reserved")
	return &Lease{ID: leaseID, Donor: rec, AcquiredAt: now}, nil
}

// Commit stores the donor's post-transfer profile and restarts its cooldown at completedAt.
func (p *Pool) Commit(ctx context.Context, lease *Lease, profile []byte, completedAt time.Time) error {
	if lease == nil {
		return fmt.Errorf("donor: commit: %w", ErrLeaseLost)
	}
	err := p.repo.CommitLease(ctx, lease.Donor.Name, lease.ID, profile, completedAt.Unix())
	if err != nil {
		return WrapRepositoryError("commit", err)
	}
	observability.RecordLeaseEvent("committed")
	zerolog.Ctx(ctx).Info().
		Str("donor", lease.Donor.Name).
		Int64("last_transferred", completedAt.Unix()).
		Msg("donor committed to cooldown")
	return nil
}

// Abort releases the lease and leaves the stored donor untouched.
func (p *Pool) Abort(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := p.repo.ReleaseLease(ctx, lease.Donor.Name, lease.ID); err != nil {
		return WrapRepositoryError("release", err)
	}
	observability.RecordLeaseEvent("aborted")
	zerolog.Ctx(ctx).Warn().Str("donor", lease.Donor.Name).Msg("donor lease released without transfer")
	return nil
}

// Status is one donor's readiness for presentation.
type Status struct {
	Name     string `json:"name"`
	Ready    bool   `json:"ready"`
	ReadyAt  int64  `json:"ready_at"`
	Reserved bool   `json:"reserved"`
}

// Describe renders s the way requesters see it.
func (s Status) Describe(now time.Time) string {
	switch {
	case s.Reserved:
		return "In use"
	case s.Ready:
		return "Ready!"
	default:
		return "Ready in " + time.Unix(s.ReadyAt, 0).Sub(now).Round(time.Minute).String()
	}
}

// ListWithStatus computes readiness for donors at now, capped at ListingLimit.
func ListWithStatus(donors []Record, now time.Time) listing.Page[Status] {
	statuses := listing.Map(donors, func(r Record) Status {
		return Status{
			Name:     r.Name,
			Ready:    r.IsReady(now) && !r.Reserved(),
			ReadyAt:  ReadyAt(r.LastTransferred),
			Reserved: r.Reserved(),
		}
	})
	return listing.Cap(statuses, ListingLimit)
}

// ListWithStatus reads the repository and returns the capped readiness view.
func (p *Pool) ListWithStatus(ctx context.Context) (listing.Page[Status], error) {
	donors, err := p.repo.List(ctx)
	if err != nil {
		return listing.Page[Status]{}, WrapRepositoryError("list", err)
	}
	return ListWithStatus(donors, p.now()), nil
}

// Info returns one stored donor by name.
func (p *Pool) Info(ctx context.Context, name string) (Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Record{}, ErrNotFound
	}
	rec, err := p.repo.Get(ctx, name)
	if err != nil {
		return Record{}, WrapRepositoryError("get", err)
	}
	return rec, nil
}

// Summary counts the pool by readiness.
type Summary struct {
	Total    int `json:"total"`
	Ready    int `json:"ready"`
	Reserved int `json:"reserved"`
}

// Summarize reads the repository and counts donors by state.
func (p *Pool) Summarize(ctx context.Context) (Summary, error) {
	donors, err := p.repo.List(ctx)
	if err != nil {
		return Summary{}, WrapRepositoryError("list", err)
	}
	now := p.now()
	out := Summary{Total: len(donors)}
	for _, d := range donors {
		switch {
		case d.Reserved():
			out.Reserved++
		case d.IsReady(now):
			out.Ready++
		}
	}
	return out, nil
}
