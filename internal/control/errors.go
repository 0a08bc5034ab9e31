package control

import (
	"errors"

	"github.com/danmuck/soapctl/internal/donor"
	"github.com/danmuck/soapctl/internal/extract"
	"github.com/danmuck/soapctl/internal/profile"
	"github.com/danmuck/soapctl/internal/remote"
	"github.com/danmuck/soapctl/internal/transfer"
)

var (
	ErrRateLimited   = errors.New("control: too many requests, try again later")
	ErrActorRequired = errors.New("control: actor required")
	ErrForbidden     = errors.New("control: actor may not use this action")
)

const (
	KindValidation    = "validation"
	KindPoolExhausted = "donor_pool_exhausted"
	KindRemoteService = "remote_service"
	KindRemoteTimeout = "remote_timeout"
	KindExtraction    = "extraction"
	KindRepository    = "repository"
	KindUncommitted   = "donor_uncommitted"
	KindForbidden     = "forbidden"
	KindNotFound      = "not_found"
	KindRateLimited   = "rate_limited"
	KindInternal      = "internal"
)

// errorKind maps err onto the stable error_kind reported to requesters.
func errorKind(err error) string {
	var (
		xerr *extract.ExtractionError
		serr *remote.ServiceError
		rerr *donor.RepositoryError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, transfer.ErrDonorUncommitted):
		return KindUncommitted
	case errors.Is(err, ErrActorRequired), errors.Is(err, profile.ErrInvalid):
		return KindValidation
	case errors.Is(err, donor.ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, donor.ErrNotFound):
		return KindNotFound
	case errors.As(err, &xerr):
		return KindExtraction
	case errors.Is(err, remote.ErrTimeout):
		return KindRemoteTimeout
	case errors.Is(err, remote.ErrUnavailable), errors.As(err, &serr):
		return KindRemoteService
	case errors.As(err, &rerr):
		return KindRepository
	default:
		return KindInternal
	}
}
