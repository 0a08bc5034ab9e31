package profile

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const (
	OTPLength    = 344
	MSEDLength   = 428
	RegionLength = 3
)

// ConsoleProfile is a parsed view over one serialized profile blob.
type ConsoleProfile struct {
	Region     string
	OTP        string
	MSED       string
	SecureInfo string
	// LastMoved is the epoch-seconds timestamp the remote service stamps after a transfer.
	LastMoved int64

	raw []byte
}

type wireProfile struct {
	Region     *string `json:"region"`
	OTP        *string `json:"otp"`
	MSED       *string `json:"msed"`
	SecureInfo *string `json:"secureinfo"`
	LastMoved  *int64  `json:"last_moved"`
}

// Parse decodes blob and enforces the structural invariants of a profile.
func Parse(blob []byte) (ConsoleProfile, error) {
	var w wireProfile
	if err := json.Unmarshal(blob, &w); err != nil {
		return ConsoleProfile{}, &ValidationError{Field: "profile", Reason: "not a json object: " + err.Error()}
	}
	if err := checkLength("otp", w.OTP, OTPLength); err != nil {
		return ConsoleProfile{}, err
	}
	if err := checkLength("msed", w.MSED, MSEDLength); err != nil {
		return ConsoleProfile{}, err
	}
	if err := checkLength("region", w.Region, RegionLength); err != nil {
		return ConsoleProfile{}, err
	}
	p := ConsoleProfile{
		Region: *w.Region,
		OTP:    *w.OTP,
		MSED:   *w.MSED,
		raw:    append([]byte(nil), blob...),
	}
	if w.SecureInfo != nil {
		p.SecureInfo = *w.SecureInfo
	}
	if w.LastMoved != nil {
		p.LastMoved = *w.LastMoved
	}
	return p, nil
}

// Check reports the first structural problem with blob, or nil.
func Check(blob []byte) error {
	_, err := Parse(blob)
	return err
}

// Validate is true iff blob parses and otp, msed, region have their exact lengths.
func Validate(blob []byte) bool {
	return Check(blob) == nil
}

// Bytes returns a copy of the original blob.
func (p ConsoleProfile) Bytes() []byte {
	return append([]byte(nil), p.raw...)
}

func checkLength(field string, v *string, want int) error {
	if v == nil {
		return &ValidationError{Field: field, Reason: "missing"}
	}
	if got := utf8.RuneCountInString(*v); got != want {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("length must be %d, got %d", want, got)}
	}
	return nil
}
