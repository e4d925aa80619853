package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnsafePath = errors.New("unsafe path component")
	ErrNotFound   = errors.New("file not found")
	ErrTooLarge   = errors.New("file too large")
)

const (
	maxNameLength = 255
	stagingPrefix = ".upload-"
)

// ValidateName rejects anything that could escape its directory when used as
// a single path component: separators, NUL, "." and "..", and staging names.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: name longer than %d bytes", ErrUnsafePath, maxNameLength)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a separator", ErrUnsafePath, name)
	case strings.HasPrefix(name, stagingPrefix):
		return fmt.Errorf("%w: %q uses a reserved prefix", ErrUnsafePath, name)
	}
	return nil
}

// FS stores uploaded files under root/<room>/<filename>.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FS{root: abs}, nil
}

func (s *FS) Root() string { return s.root }

func (s *FS) path(roomID, name string) (string, error) {
	if err := ValidateName(roomID); err != nil {
		return "", err
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	p := filepath.Join(s.root, roomID, name)
	if !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the store", ErrUnsafePath, p)
	}
	return p, nil
}

// Staged is a fully written upload that is not yet visible under its final name.
type Staged struct {
	tmp   string
	final string
	Size  int64
}

// Commit atomically replaces whatever is stored under the final name.
func (st *Staged) Commit() error {
	if err := os.Rename(st.tmp, st.final); err != nil {
		os.Remove(st.tmp)
		return err
	}
	return nil
}

func (st *Staged) Discard() {
	os.Remove(st.tmp)
}

// Stage copies r into a temporary file next to the destination. More than
// limit bytes yields ErrTooLarge and nothing is left behind.
func (s *FS) Stage(roomID, name string, r io.Reader, limit int64) (*Staged, error) {
	final, err := s.path(roomID, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return nil, err
	}

	tmp := filepath.Join(filepath.Dir(final), stagingPrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}

	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if n > limit {
		os.Remove(tmp)
		return nil, ErrTooLarge
	}

	return &Staged{tmp: tmp, final: final, Size: n}, nil
}

// Open returns the stored file; the caller closes it.
func (s *FS) Open(roomID, name string) (*os.File, os.FileInfo, error) {
	p, err := s.path(roomID, name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// Delete removes the stored file and reports whether it existed.
func (s *FS) Delete(roomID, name string) (bool, error) {
	p, err := s.path(roomID, name)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
