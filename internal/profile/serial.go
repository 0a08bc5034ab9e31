package profile

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	serialStart = 0x102
	serialEnd   = 0x112

	// SkipSerial disables the serial cross-check when given as the claimed serial.
	SkipSerial = "SKIP"
)

// Serial extracts the device serial embedded in the secure-info block.
func (p ConsoleProfile) Serial() (string, error) {
	if p.SecureInfo == "" {
		return "", &ValidationError{Field: "secureinfo", Reason: "missing"}
	}
	raw, err := base64.StdEncoding.DecodeString(p.SecureInfo)
	if err != nil {
		return "", &ValidationError{Field: "secureinfo", Reason: "not base64: " + err.Error()}
	}
	if len(raw) < serialEnd {
		return "", &ValidationError{Field: "secureinfo", Reason: "block too short for serial"}
	}
	serial := bytes.TrimRight(raw[serialStart:serialEnd], "\x00")
	return strings.ToUpper(string(serial)), nil
}

// NormalizeClaimedSerial trims and upper-cases a requester-supplied serial.
func NormalizeClaimedSerial(claimed string) string {
	return strings.ToUpper(strings.TrimSpace(claimed))
}

// SkipsSerialCheck reports whether claimed is the skip literal in any case.
func SkipsSerialCheck(claimed string) bool {
	return NormalizeClaimedSerial(claimed) == SkipSerial
}

// MatchSerial cross-checks a claimed serial against the one embedded in p.
func MatchSerial(p ConsoleProfile, claimed string) error {
	claimed = NormalizeClaimedSerial(claimed)
	if claimed == SkipSerial {
		return nil
	}
	switch len(claimed) {
	case 4, 10, 11:
	default:
		return &ValidationError{
			Field:  "serial",
			Reason: fmt.Sprintf("invalid serial length, must be 10 or 11 characters long instead of %d", len(claimed)),
		}
	}
	embedded, err := p.Serial()
	if err != nil {
		return err
	}
	prefix := claimed
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	if prefix != embedded {
		return &ValidationError{
			Field:  "serial",
			Reason: fmt.Sprintf("secinfo serial and given serial do not match, nothing was changed (secinfo: %s, given: %s)", embedded, claimed),
		}
	}
	return nil
}
