package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("blob not found")

// Ref describes a stored blob.
type Ref struct {
	Digest Digest
	Size   int64 // uncompressed
	Codec  Codec
}

// Store keeps content addressed blobs as files below a root directory.
// Identical payloads are stored once.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(d Digest) string {
	h := d.String()
	return filepath.Join(s.root, h[:2], h[2:])
}

// Put streams r into the store, compressing it with codec.
func (s *Store) Put(r io.Reader, codec Codec) (Ref, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return Ref{}, fmt.Errorf("creating temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	cw, err := NewWriter(tmp, codec)
	if err != nil {
		return Ref{}, err
	}

	hasher := NewHasher()
	size, err := io.Copy(io.MultiWriter(cw, hasher), r)
	if err != nil {
		cw.Close()
		return Ref{}, fmt.Errorf("writing blob: %w", err)
	}
	if err := cw.Close(); err != nil {
		return Ref{}, fmt.Errorf("flushing blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Ref{}, err
	}
	if err := tmp.Close(); err != nil {
		return Ref{}, err
	}

	var ref Ref
	copy(ref.Digest[:], hasher.Sum(nil))
	ref.Size = size
	ref.Codec = codec

	dst := s.path(ref.Digest)
	if _, err := os.Stat(dst); err == nil {
		// already stored
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return Ref{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Ref{}, fmt.Errorf("committing blob: %w", err)
	}

	return ref, nil
}

// Open returns the decompressed payload of d.
func (s *Store) Open(d Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.path(d))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	if err != nil {
		return nil, err
	}

	rc, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &blobReader{ReadCloser: rc, file: f}, nil
}

type blobReader struct {
	io.ReadCloser
	file *os.File
}

func (b *blobReader) Close() error {
	b.ReadCloser.Close()
	return b.file.Close()
}

func (s *Store) Has(d Digest) bool {
	_, err := os.Stat(s.path(d))
	return err == nil
}

// Delete removes d; deleting a missing blob is not an error.
func (s *Store) Delete(d Digest) error {
	err := os.Remove(s.path(d))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
