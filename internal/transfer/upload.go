package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/soapctl/internal/donor"
	"github.com/danmuck/soapctl/internal/observability"
	"github.com/danmuck/soapctl/internal/profile"
	"github.com/danmuck/soapctl/internal/remote"
	"github.com/rs/zerolog"
)

// UploadRequest adds one prepared profile to the donor pool.
type UploadRequest struct {
	RequestID string
	Name      string
	Uploader  string
	Note      string
	Profile   []byte
}

// UploadResult describes the stored donor.
type UploadResult struct {
	Name            string
	LastTransferred int64
	Steps           []string
	Donor           string
	State           State
	Path            string
}

// Upload region-moves a candidate donor once (twice when it had to borrow a
// donor itself) and stores the cleaned result. Every rejection that does
// not need the remote service happens before the first remote call.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	r := newRun()
	logger := zerolog.Ctx(ctx)

	res, err := o.upload(ctx, r, req)
	observability.RecordWorkflow("upload", r.path, r.outcome())
	if err != nil {
		logger.Warn().Err(err).Str("donor", req.Name).Str("state", string(r.state)).Msg("donor upload failed")
		return r.uploadResult(req.Name, 0), err
	}
	logger.Info().Str("donor", res.Name).Str("path", r.path).Int64("last_transferred", res.LastTransferred).Msg("donor uploaded")
	return res, nil
}

func (o *Orchestrator) upload(ctx context.Context, r *run, req UploadRequest) (UploadResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	target, err := o.checkUpload(ctx, req)
	if err != nil {
		return UploadResult{}, r.fail(err)
	}
	blob := req.Profile

	if err := r.advance(StateRegionChangeAttempted); err != nil {
		return UploadResult{}, r.fail(err)
	}
	r.step("Attempting eShopRegionChange on donor (" + target.Region + ")...")
	reply, callErr := o.remote.RegionChange(ctx, blob, target)

	outcome := remote.Classify(callErr)
	switch outcome.Kind {
	case remote.OutcomeSuccess:
		if err := r.advance(StateDirectSuccess); err != nil {
			return UploadResult{}, r.fail(err)
		}
		r.path = PathDirect
		r.step(reply.Steps...)
		blob = reply.Profile
	case remote.OutcomeStickyLock:
		if err := r.advance(StateStickyLock); err != nil {
			return UploadResult{}, r.fail(err)
		}
		r.path = PathDonor
		transferred, err := o.escalate(ctx, r, blob)
		if err != nil {
			return UploadResult{}, r.fail(err)
		}
		if err := r.advance(StateReturnPassAttempted); err != nil {
			return UploadResult{}, r.fail(err)
		}
		r.step("Attempting eShopRegionChange on donor again (" + target.Region + ")...")
		second, err := o.remote.RegionChange(ctx, transferred, target)
		if err != nil {
			return UploadResult{}, r.fail(err)
		}
		r.step(second.Steps...)
		blob = second.Profile
	default:
		return UploadResult{}, r.fail(outcome.Err)
	}

	moved, err := profile.Parse(blob)
	if err != nil {
		return UploadResult{}, r.fail(err)
	}
	if moved.LastMoved <= 0 {
		return UploadResult{}, r.fail(&remote.ServiceError{Op: remote.OpRegionChange, Message: "moved profile carries no last_moved timestamp"})
	}
	cleaned, err := o.remote.Clean(ctx, blob)
	if err != nil {
		return UploadResult{}, r.fail(err)
	}

	rec := donor.Record{
		Name:            req.Name,
		Profile:         cleaned,
		LastTransferred: moved.LastMoved,
		Uploader:        req.Uploader,
		Note:            req.Note,
	}
	if err := o.pool.Repository().Insert(context.WithoutCancel(ctx), rec); err != nil {
		if errors.Is(err, donor.ErrDuplicate) {
			if r.donor != "" {
				zerolog.Ctx(ctx).Warn().
					Str("donor", req.Name).
					Str("consumed_donor", r.donor).
					Msg("duplicate upload already consumed a donor")
				r.step(fmt.Sprintf("`%s` was used for this upload and is on cooldown", r.donor))
			}
			return UploadResult{}, r.fail(profile.Invalid("name", "donor %q already exists", req.Name))
		}
		return UploadResult{}, r.fail(donor.WrapRepositoryError("insert", err))
	}
	if err := r.advance(StateDone); err != nil {
		return UploadResult{}, r.fail(err)
	}
	r.step("`" + req.Name + "` has been uploaded to the donor database")
	return r.uploadResult(req.Name, moved.LastMoved), nil
}

// checkUpload rejects bad names, long notes, malformed profiles and duplicate names.
func (o *Orchestrator) checkUpload(ctx context.Context, req UploadRequest) (profile.Target, error) {
	if req.Name == "" {
		return profile.Target{}, profile.Invalid("name", "donor name required")
	}
	if n := utf8.RuneCountInString(req.Note); n > donor.NoteMaxLength {
		return profile.Target{}, profile.Invalid("note", "note is %d characters, limit is %d", n, donor.NoteMaxLength)
	}
	p, err := profile.Parse(req.Profile)
	if err != nil {
		return profile.Target{}, err
	}
	target, err := profile.Opposite(p.Region)
	if err != nil {
		return profile.Target{}, err
	}
	exists, err := o.pool.Repository().Exists(ctx, req.Name)
	if err != nil {
		return profile.Target{}, donor.WrapRepositoryError("exists", err)
	}
	if exists {
		return profile.Target{}, profile.Invalid("name", "donor %q already exists", req.Name)
	}
	return target, nil
}

func (r *run) uploadResult(name string, lastTransferred int64) UploadResult {
	return UploadResult{
		Name:            name,
		LastTransferred: lastTransferred,
		Steps:           append([]string(nil), r.steps...),
		Donor:           r.donor,
		State:           r.state,
		Path:            r.path,
	}
}
