// Package fixture builds well-formed console profile blobs for tests.
package fixture

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

const secureInfoSize = 0x112

// Options shapes one generated profile.
type Options struct {
	Region    string
	Serial    string
	Country   byte
	LastMoved int64
	Extra     map[string]any
}

// Profile returns a valid profile blob for region with the given serial.
func Profile(region, serial string) []byte {
	return Build(Options{Region: region, Serial: serial})
}

// Build returns a profile blob described by opts.
func Build(opts Options) []byte {
	secinfo := make([]byte, secureInfoSize)
	secinfo[0x100] = opts.Country
	copy(secinfo[0x102:0x112], serialBytes(opts.Serial))

	doc := map[string]any{
		"region":     opts.Region,
		"otp":        strings.Repeat("O", 344),
		"msed":       strings.Repeat("M", 428),
		"secureinfo": base64.StdEncoding.EncodeToString(secinfo),
	}
	if opts.LastMoved != 0 {
		doc["last_moved"] = opts.LastMoved
	}
	for k, v := range opts.Extra {
		doc[k] = v
	}
	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// WithField returns blob with key set to value.
func WithField(blob []byte, key string, value any) []byte {
	var doc map[string]any
	if err := json.Unmarshal(blob, &doc); err != nil {
		panic(err)
	}
	doc[key] = value
	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

func serialBytes(serial string) []byte {
	b := []byte(serial)
	if len(b) > 0x10 {
		b = b[:0x10]
	}
	return b
}
