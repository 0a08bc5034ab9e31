package donor

import "time"

const (
	// CooldownSeconds is how long a consumed donor rests before reuse.
	CooldownSeconds int64 = 604800
	Cooldown              = time.Duration(CooldownSeconds) * time.Second

	NoteMaxLength = 128
)

// Record is one stored donor.
type Record struct {
	Name            string `json:"name"`
	Profile         []byte `json:"-"`
	LastTransferred int64  `json:"last_transferred"`
	Uploader        string `json:"uploader"`
	Note            string `json:"note"`

	// LeaseID is set while an orchestration holds the donor.
	LeaseID  string `json:"-"`
	LeasedAt int64  `json:"-"`
}

// Reserved reports whether the record is currently leased.
func (r Record) Reserved() bool {
	return r.LeaseID != ""
}

// IsReady reports whether a donor last transferred at lastTransferred may be used at now.
func IsReady(lastTransferred, now int64) bool {
	return now >= lastTransferred+CooldownSeconds
}

// ReadyAt is the first epoch second at which the donor is ready.
func ReadyAt(lastTransferred int64) int64 {
	return lastTransferred + CooldownSeconds
}

// IsReady applies the cooldown rule to r at now.
func (r Record) IsReady(now time.Time) bool {
	return IsReady(r.LastTransferred, now.Unix())
}
