package donor

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("donor: not found")
	ErrDuplicate     = errors.New("donor: name already exists")
	ErrPoolExhausted = errors.New("donor: no donor is ready")
	ErrLeaseLost     = errors.New("donor: lease not held")
)

// Repository is durable donor storage.
//
// ReserveReady must select the first unreserved donor (repository order) whose
// cooldown has elapsed at now and mark it leased with leaseID as one atomic
// step; it returns ErrPoolExhausted when no donor qualifies. CommitLease and
// ReleaseLease only act while leaseID still holds the donor.
type Repository interface {
	List(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, name string) (Record, error)
	Exists(ctx context.Context, name string) (bool, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error

	ReserveReady(ctx context.Context, now int64, leaseID string) (Record, error)
	CommitLease(ctx context.Context, name, leaseID string, profile []byte, lastTransferred int64) error
	ReleaseLease(ctx context.Context, name, leaseID string) error
}

// RepositoryError wraps a storage access failure.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("donor repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// WrapRepositoryError tags err with op unless it is already a domain sentinel.
func WrapRepositoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *RepositoryError
	if errors.As(err, &rerr) {
		return err
	}
	for _, sentinel := range []error{ErrNotFound, ErrDuplicate, ErrPoolExhausted, ErrLeaseLost} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &RepositoryError{Op: op, Err: err}
}
