package services

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"unicode"
)

// artifactPackager collects rendered artifacts into a downloadable bundle.
type artifactPackager interface {
	Add(name string, rowIndex int, ext string, data []byte) (string, error)
	Finalize() ([]byte, error)
}

// ArchiveBuilder accumulates rendered artifacts into one zip bundle. Entry
// names derive from the recipient name; colliding names get the row index as
// a suffix so no artifact is silently overwritten.
type ArchiveBuilder struct {
	buf       bytes.Buffer
	zw        *zip.Writer
	used      map[string]bool
	count     int
	finalized bool
}

func NewArchiveBuilder() *ArchiveBuilder {
	b := &ArchiveBuilder{used: make(map[string]bool)}
	b.zw = zip.NewWriter(&b.buf)
	return b
}

// SanitizeFilename strips non-alphanumeric characters and collapses
// whitespace runs to a single underscore.
func SanitizeFilename(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	fields := strings.Fields(sb.String())
	if len(fields) == 0 {
		return "certificate"
	}
	return strings.Join(fields, "_")
}

// Add writes one artifact and returns the entry name it ended up under.
func (b *ArchiveBuilder) Add(name string, rowIndex int, ext string, data []byte) (string, error) {
	if b.finalized {
		return "", fmt.Errorf("archive already finalized")
	}

	base := SanitizeFilename(name)
	entry := base + "." + ext
	for n := rowIndex; b.used[entry]; n++ {
		// The row index alone can still collide with a sanitized name
		// like "x 5", so keep probing until the entry is free.
		entry = fmt.Sprintf("%s_%d.%s", base, n, ext)
	}
	b.used[entry] = true

	w, err := b.zw.Create(entry)
	if err != nil {
		return "", fmt.Errorf("create zip entry %q: %w", entry, err)
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("write zip entry %q: %w", entry, err)
	}
	b.count++
	return entry, nil
}

func (b *ArchiveBuilder) Count() int { return b.count }

// Finalize closes the zip stream and returns the bundle. Further Adds fail.
func (b *ArchiveBuilder) Finalize() ([]byte, error) {
	if b.finalized {
		return b.buf.Bytes(), nil
	}
	b.finalized = true
	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return b.buf.Bytes(), nil
}
