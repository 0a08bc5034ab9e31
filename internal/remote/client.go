package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/soapctl/internal/profile"
)

// StickyLockCode is the remote code for a region change blocked by sticky titles.
const StickyLockCode = 602

const (
	OpRegionChange = "region_change"
	OpDeleteAcct   = "delete_account"
	OpTransfer     = "transfer_with_donor"
	OpClean        = "clean"
	OpExtract      = "generate_profile"
)

var (
	ErrTimeout     = errors.New("remote: call timed out")
	ErrUnavailable = errors.New("remote: service unavailable")
)

// Reply is the profile returned by one remote operation plus its step notes.
type Reply struct {
	Profile []byte
	Steps   []string
}

// TransferReply carries both sides of a donor-mediated transfer.
type TransferReply struct {
	Profile      []byte
	DonorProfile []byte
	Steps        []string
}

// Client performs remote account operations on serialized profiles.
type Client interface {
	RegionChange(ctx context.Context, profile []byte, target profile.Target) (Reply, error)
	DeleteAccount(ctx context.Context, profile []byte) (Reply, error)
	TransferWithDonor(ctx context.Context, profile, donorProfile []byte) (TransferReply, error)
	Clean(ctx context.Context, profile []byte) ([]byte, error)
}

// ServiceError is a failure the remote service answered with.
// Code is zero when the service gave no numeric code.
type ServiceError struct {
	Op      string
	Code    int
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("remote %s failed: %s", e.Op, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("remote %s failed with code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("remote %s failed with code %d: %s", e.Op, e.Code, e.Message)
}

// OutcomeKind tags a classified remote reply.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeStickyLock
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeStickyLock:
		return "sticky_lock"
	default:
		return "failed"
	}
}

// Outcome is the tagged result of one remote call.
type Outcome struct {
	Kind OutcomeKind
	Code int
	Err  error
}

// Classify maps a call error to Success, StickyLock, or Failed.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	var serr *ServiceError
	if errors.As(err, &serr) {
		if serr.Code == StickyLockCode {
			return Outcome{Kind: OutcomeStickyLock, Code: serr.Code, Err: err}
		}
		return Outcome{Kind: OutcomeFailed, Code: serr.Code, Err: err}
	}
	return Outcome{Kind: OutcomeFailed, Err: err}
}
