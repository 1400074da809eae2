// Package blob stores uploaded CSV files on disk and reads them back as
// decoded row streams. Files are content-addressed by sha256 so duplicate
// uploads can be detected before a run ever starts.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrTooLarge is returned when an upload exceeds the configured byte limit.
var ErrTooLarge = eris.New("blob: file exceeds size limit")

// SavedFile describes a stored upload.
type SavedFile struct {
	Path      string
	SHA256    string
	SizeBytes int64
}

// DiskStore persists uploads under a root directory.
type DiskStore struct {
	root     string
	maxBytes int64
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", root)
	}
	return &DiskStore{root: root, maxBytes: maxBytes}, nil
}

// Save streams r to disk, hashing as it writes. The size limit is enforced
// during the copy so an oversized body never lands fully on disk.
func (s *DiskStore) Save(ctx context.Context, r io.Reader) (*SavedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "blob: save")
	}

	name := uuid.New().String() + ".csv"
	path := filepath.Join(s.root, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: create %s", path)
	}

	hash := sha256.New()
	limited := io.LimitReader(r, s.maxBytes+1)
	n, err := io.Copy(io.MultiWriter(f, hash), limited)
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		return nil, eris.Wrap(err, "blob: write upload")
	}
	if closeErr != nil {
		os.Remove(path)
		return nil, eris.Wrap(closeErr, "blob: close upload")
	}
	if n > s.maxBytes {
		os.Remove(path)
		return nil, ErrTooLarge
	}

	return &SavedFile{
		Path:      path,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		SizeBytes: n,
	}, nil
}

// Open returns the stored file for reading.
func (s *DiskStore) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: open %s", path)
	}
	return f, nil
}

// Remove deletes a stored file. Missing files are not an error.
func (s *DiskStore) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "blob: remove %s", path)
	}
	return nil
}

// NewCSVReader wraps r in a UTF-8 decoder that strips a leading BOM, then a
// csv.Reader. Excel exports routinely carry a BOM that would otherwise end
// up glued to the first header name.
func NewCSVReader(r io.Reader) *csv.Reader {
	decoder := unicode.UTF8BOM.NewDecoder()
	cr := csv.NewReader(transform.NewReader(r, decoder))
	// Ragged rows are a per-row validation concern, not a file-level abort.
	cr.FieldsPerRecord = -1
	return cr
}
