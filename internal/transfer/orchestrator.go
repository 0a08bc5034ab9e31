package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/soapctl/internal/donor"
	"github.com/danmuck/soapctl/internal/observability"
	"github.com/danmuck/soapctl/internal/profile"
	"github.com/danmuck/soapctl/internal/remote"
	"github.com/rs/zerolog"
)

// Request is one region transfer ask from a requester.
type Request struct {
	RequestID     string
	Name          string
	Profile       []byte
	ClaimedSerial string
	Actor         string
}

// Result is what a requester receives back. Steps always ends with either
// "Done!" or the terminal failure message. On failure Profile holds the
// newest profile the remote service returned, or nil if it returned none.
type Result struct {
	Name    string
	Profile []byte
	Steps   []string
	Donor   string
	State   State
	Path    string
}

// Orchestrator runs transfers and uploads against one remote client and donor pool.
type Orchestrator struct {
	remote remote.Client
	pool   *donor.Pool
	now    func() time.Time
}

type Option func(*Orchestrator)

// WithClock overrides the clock used to stamp consumed donors.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New binds an orchestrator to its collaborators.
func New(client remote.Client, pool *donor.Pool, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote: client,
		pool:   pool,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pool returns the donor pool the orchestrator leases from.
func (o *Orchestrator) Pool() *donor.Pool {
	return o.pool
}

// Check validates a request without touching the remote service or the pool.
func (o *Orchestrator) Check(req Request) (Result, error) {
	r := newRun()
	_, _, err := prepare(r, req)
	res := r.result(req.Name, nil)
	if err != nil {
		return res, err
	}
	res.Steps = append(res.Steps, "profile ok")
	return res, nil
}

// Transfer moves the requester's profile to the opposite region, borrowing a
// donor when the remote answers with the sticky-lock code. It is never
// retried internally; once a donor is consumed the result is final.
func (o *Orchestrator) Transfer(ctx context.Context, req Request) (Result, error) {
	r := newRun()
	logger := zerolog.Ctx(ctx)

	res, err := o.transfer(ctx, r, req)
	observability.RecordWorkflow("transfer", r.path, r.outcome())
	if err != nil {
		logger.Warn().Err(err).Str("name", req.Name).Str("state", string(r.state)).Str("path", r.path).Msg("transfer failed")
		return r.result(req.Name, r.latest), err
	}
	logger.Info().Str("name", req.Name).Str("path", r.path).Str("donor", r.donor).Msg("transfer complete")
	return res, nil
}

func (o *Orchestrator) transfer(ctx context.Context, r *run, req Request) (Result, error) {
	_, target, err := prepare(r, req)
	if err != nil {
		return Result{}, err
	}
	blob := req.Profile

	if err := r.advance(StateRegionChangeAttempted); err != nil {
		return Result{}, r.fail(err)
	}
	r.step("Attempting eShopRegionChange on source (" + target.Region + ")...")
	reply, callErr := o.remote.RegionChange(ctx, blob, target)

	outcome := remote.Classify(callErr)
	switch outcome.Kind {
	case remote.OutcomeSuccess:
		if err := r.advance(StateDirectSuccess); err != nil {
			return Result{}, r.fail(err)
		}
		r.path = PathDirect
		r.moved(reply.Profile)
		r.step(reply.Steps...)
		r.step("sticky titles aren't sticking or don't exist, deleting eShop account...")
		if err := r.advance(StateAccountDeleteAttempted); err != nil {
			return Result{}, r.fail(err)
		}
		deleted, err := o.remote.DeleteAccount(ctx, reply.Profile)
		if err != nil {
			return Result{}, r.fail(err)
		}
		r.moved(deleted.Profile)
		r.step(deleted.Steps...)
		blob = deleted.Profile
	case remote.OutcomeStickyLock:
		if err := r.advance(StateStickyLock); err != nil {
			return Result{}, r.fail(err)
		}
		r.path = PathDonor
		transferred, err := o.escalate(ctx, r, blob)
		if err != nil {
			return Result{}, r.fail(err)
		}
		blob = transferred
	default:
		return Result{}, r.fail(outcome.Err)
	}

	cleaned, err := o.remote.Clean(ctx, blob)
	if err != nil {
		return Result{}, r.fail(err)
	}
	if err := r.advance(StateDone); err != nil {
		return Result{}, r.fail(err)
	}
	r.step("Done!")
	return r.result(req.Name, cleaned), nil
}

// escalate borrows one ready donor, runs the donor-mediated transfer and
// commits or releases the lease. The lease bookkeeping ignores cancellation
// of ctx so a finished remote transfer is always recorded. A lease is only
// released when the remote call definitely did not happen.
func (o *Orchestrator) escalate(ctx context.Context, r *run, blob []byte) ([]byte, error) {
	logger := zerolog.Ctx(ctx)
	r.step("sticky titles are sticking, doing system transfer...")
	lease, err := o.pool.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.advance(StateDonorReserved); err != nil {
		return nil, errors.Join(err, o.pool.Abort(context.WithoutCancel(ctx), lease))
	}
	r.donor = lease.Donor.Name

	if err := r.advance(StateDonorTransferAttempted); err != nil {
		return nil, errors.Join(err, o.pool.Abort(context.WithoutCancel(ctx), lease))
	}
	reply, err := o.remote.TransferWithDonor(ctx, blob, lease.Donor.Profile)
	if err != nil {
		if outcomeUnknown(err) {
			logger.Error().Err(err).
				Str("donor", lease.Donor.Name).
				Str("lease_id", lease.ID).
				Msg("donor transfer outcome unknown, lease kept")
			r.step(fmt.Sprintf("`%s` stays in use until an operator checks it", lease.Donor.Name))
			return nil, fmt.Errorf("%w: donor %q: %w", ErrDonorInDoubt, lease.Donor.Name, err)
		}
		if abortErr := o.pool.Abort(context.WithoutCancel(ctx), lease); abortErr != nil {
			logger.Error().Err(abortErr).Str("donor", lease.Donor.Name).Msg("donor lease release failed")
			return nil, errors.Join(err, abortErr)
		}
		return nil, err
	}
	r.moved(reply.Profile)
	r.step(reply.Steps...)
	if err := o.pool.Commit(context.WithoutCancel(ctx), lease, reply.DonorProfile, o.now()); err != nil {
		event := logger.Error().Err(err).
			Str("error_kind", "donor_uncommitted").
			Str("donor", lease.Donor.Name).
			Str("lease_id", lease.ID)
		if json.Valid(reply.DonorProfile) {
			event = event.RawJSON("donor_profile", reply.DonorProfile)
		} else {
			event = event.Bytes("donor_profile", reply.DonorProfile)
		}
		event.Msg("donor transferred but its new state was not stored")
		return reply.Profile, fmt.Errorf("%w: donor %q: %w", ErrDonorUncommitted, lease.Donor.Name, err)
	}
	r.step(fmt.Sprintf("`%s` is now on cooldown", lease.Donor.Name))
	return reply.Profile, nil
}

// outcomeUnknown reports whether err leaves it open if the remote call took effect.
func outcomeUnknown(err error) bool {
	return errors.Is(err, remote.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// prepare runs every pre-flight check. Nothing remote happens before it passes.
func prepare(r *run, req Request) (profile.ConsoleProfile, profile.Target, error) {
	p, err := profile.Parse(req.Profile)
	if err != nil {
		return profile.ConsoleProfile{}, profile.Target{}, r.fail(err)
	}
	if profile.SkipsSerialCheck(req.ClaimedSerial) {
		r.step("skipping serial check")
	} else {
		if err := profile.MatchSerial(p, req.ClaimedSerial); err != nil {
			return profile.ConsoleProfile{}, profile.Target{}, r.fail(err)
		}
		r.step("serial match")
	}
	target, err := profile.Opposite(p.Region)
	if err != nil {
		return profile.ConsoleProfile{}, profile.Target{}, r.fail(err)
	}
	return p, target, nil
}

func (r *run) result(name string, blob []byte) Result {
	return Result{
		Name:    name,
		Profile: blob,
		Steps:   append([]string(nil), r.steps...),
		Donor:   r.donor,
		State:   r.state,
		Path:    r.path,
	}
}
