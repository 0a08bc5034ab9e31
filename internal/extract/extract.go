// Package extract defines the device profile extractor boundary.
//
// Turning an essential image into an initial profile is done by an external
// collaborator; this package only names that boundary, its error kind and
// the attachment naming rules requesters follow.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/danmuck/soapctl/internal/profile"
)

const (
	ImageExt   = ".exefs"
	ProfileExt = ".json"
)

// Extractor builds an initial profile blob from a raw essential image.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]byte, error)
}

// ExtractionError reports an image that could not be turned into a profile.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to load essential: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

type Kind int

const (
	KindProfile Kind = iota
	KindImage
)

// Attachment names one uploaded file and the stem used as its profile name.
type Attachment struct {
	Filename string
	Name     string
	Kind     Kind
}

// ParseAttachment derives the profile name from filename and checks its extension.
func ParseAttachment(filename string) (Attachment, error) {
	base := path.Base(strings.TrimSpace(strings.ReplaceAll(filename, "\\", "/")))
	lower := strings.ToLower(base)
	var (
		kind Kind
		ext  string
	)
	switch {
	case strings.HasSuffix(lower, ImageExt):
		kind, ext = KindImage, ImageExt
	case strings.HasSuffix(lower, ProfileExt):
		kind, ext = KindProfile, ProfileExt
	default:
		return Attachment{}, profile.Invalid("filename", "%q is not a %s or %s", base, ProfileExt, ImageExt)
	}
	name := base[:len(base)-len(ext)]
	if strings.TrimSpace(name) == "" || base == "." || base == "/" {
		return Attachment{}, profile.Invalid("filename", "%q has no name", base)
	}
	return Attachment{Filename: base, Name: name, Kind: kind}, nil
}

// Load returns a profile blob for an attachment, running images through x.
func Load(ctx context.Context, x Extractor, att Attachment, body []byte) ([]byte, error) {
	if att.Kind == KindProfile {
		return body, nil
	}
	if x == nil {
		return nil, &ExtractionError{Err: fmt.Errorf("no extractor configured")}
	}
	blob, err := x.Extract(ctx, body)
	if err != nil {
		var xerr *ExtractionError
		if errors.As(err, &xerr) {
			return nil, err
		}
		return nil, &ExtractionError{Err: err}
	}
	return blob, nil
}
