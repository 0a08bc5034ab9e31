package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition reports a run advancing along an edge the table does not allow.
	ErrIllegalTransition = errors.New("transfer: illegal state transition")
	// ErrDonorUncommitted means the donor transfer finished remotely but the
	// donor's new state could not be stored; the lease stays held.
	ErrDonorUncommitted = errors.New("transfer: donor state not recorded")
	// ErrDonorInDoubt means the donor transfer may or may not have happened;
	// the lease stays held until an operator resolves it.
	ErrDonorInDoubt = errors.New("transfer: donor transfer outcome unknown")
)

// State is one orchestration checkpoint.
type State string

const (
	StateStart                  State = "start"
	StateRegionChangeAttempted  State = "region_change_attempted"
	StateDirectSuccess          State = "direct_success"
	StateStickyLock             State = "sticky_lock"
	StateAccountDeleteAttempted State = "account_delete_attempted"
	StateDonorReserved          State = "donor_reserved"
	StateDonorTransferAttempted State = "donor_transfer_attempted"
	StateReturnPassAttempted    State = "return_pass_attempted"
	StateDone                   State = "done"
	StateFailed                 State = "failed"
)

// Path labels which branch a finished run took.
const (
	PathNone   = "none"
	PathDirect = "direct"
	PathDonor  = "donor"
)

var transitions = map[State][]State{
	StateStart:                  {StateRegionChangeAttempted},
	StateRegionChangeAttempted:  {StateDirectSuccess, StateStickyLock},
	StateDirectSuccess:          {StateAccountDeleteAttempted, StateDone},
	StateAccountDeleteAttempted: {StateDone},
	StateStickyLock:             {StateDonorReserved},
	StateDonorReserved:          {StateDonorTransferAttempted},
	StateDonorTransferAttempted: {StateReturnPassAttempted, StateDone},
	StateReturnPassAttempted:    {StateDone},
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanAdvance reports whether the table allows s -> to. Any live state may fail.
func (s State) CanAdvance(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// run is the per-invocation cursor and step log.
type run struct {
	state State
	path  string
	donor string
	steps []string
	// latest is the newest profile a side-effecting remote call returned.
	latest []byte
}

func newRun() *run {
	return &run{state: StateStart, path: PathNone}
}

func (r *run) advance(to State) error {
	if !r.state.CanAdvance(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.state, to)
	}
	r.state = to
	return nil
}

func (r *run) moved(blob []byte) {
	if len(blob) > 0 {
		r.latest = blob
	}
}

func (r *run) step(lines ...string) {
	r.steps = append(r.steps, lines...)
}

// fail moves the run to failed and appends err as the terminal step.
func (r *run) fail(err error) error {
	if !r.state.Terminal() {
		r.state = StateFailed
	}
	r.steps = append(r.steps, "Failed: "+err.Error())
	return err
}

func (r *run) outcome() string {
	if r.state == StateDone {
		return "done"
	}
	return "failed"
}
