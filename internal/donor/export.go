package donor

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"time"
)

// WriteArchive writes one <name>.json entry per donor, in the given order.
func WriteArchive(w io.Writer, donors []Record) error {
	zw := zip.NewWriter(w)
	for _, d := range donors {
		hdr := &zip.FileHeader{
			Name:     d.Name + ".json",
			Method:   zip.Deflate,
			Modified: time.Unix(d.LastTransferred, 0).UTC(),
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("donor: archive %s: %w", d.Name, err)
		}
		if _, err := fw.Write(d.Profile); err != nil {
			return fmt.Errorf("donor: archive %s: %w", d.Name, err)
		}
	}
	return zw.Close()
}

// Export writes every stored donor to w as a zip archive.
func (p *Pool) Export(ctx context.Context, w io.Writer) (int, error) {
	donors, err := p.repo.List(ctx)
	if err != nil {
		return 0, WrapRepositoryError("list", err)
	}
	if err := WriteArchive(w, donors); err != nil {
		return 0, err
	}
	return len(donors), nil
}
