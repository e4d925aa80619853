package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupTestFS(t *testing.T) *FS {
	t.Helper()

	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return fs
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "notes.txt", false},
		{"dotfile", ".env", false},
		{"spaces and unicode", "résumé final.pdf", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"traversal", "../etc/passwd", true},
		{"nested", "a/b", true},
		{"backslash", `..\win.ini`, true},
		{"nul", "a\x00b", true},
		{"staging prefix", ".upload-123", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr && !errors.Is(err, ErrUnsafePath) {
				t.Errorf("Expected ErrUnsafePath, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestStageCommitOpen(t *testing.T) {
	fs := setupTestFS(t)
	content := []byte("0123456789")

	st, err := fs.Stage("r1", "notes.txt", bytes.NewReader(content), 1024)
	if err != nil {
		t.Fatalf("Failed to stage: %v", err)
	}
	if st.Size != int64(len(content)) {
		t.Errorf("Expected size %d, got %d", len(content), st.Size)
	}

	if _, _, err := fs.Open("r1", "notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Staged file should not be visible before commit, got %v", err)
	}

	if err := st.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	f, info, err := fs.Open("r1", "notes.txt")
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer f.Close()

	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, content) {
		t.Errorf("Expected %q, got %q", content, got)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("Expected stat size %d, got %d", len(content), info.Size())
	}
}

func TestStageTooLargeLeavesNothing(t *testing.T) {
	fs := setupTestFS(t)

	_, err := fs.Stage("r1", "big.bin", bytes.NewReader(make([]byte, 11)), 10)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(fs.Root(), "r1"))
	if len(entries) != 0 {
		t.Errorf("Expected empty room dir, found %d entries", len(entries))
	}
}

func TestStageAtLimitIsAccepted(t *testing.T) {
	fs := setupTestFS(t)

	st, err := fs.Stage("r1", "exact.bin", bytes.NewReader(make([]byte, 10)), 10)
	if err != nil {
		t.Fatalf("Expected file at limit to be accepted: %v", err)
	}
	st.Discard()
}

func TestUnsafeRoomRejected(t *testing.T) {
	fs := setupTestFS(t)

	if _, err := fs.Stage("..", "x", strings.NewReader("x"), 10); !errors.Is(err, ErrUnsafePath) {
		t.Errorf("Expected ErrUnsafePath for room '..', got %v", err)
	}
	if _, _, err := fs.Open("r1", "../../secret"); !errors.Is(err, ErrUnsafePath) {
		t.Errorf("Expected ErrUnsafePath on open, got %v", err)
	}
	if _, err := fs.Delete("a/b", "x"); !errors.Is(err, ErrUnsafePath) {
		t.Errorf("Expected ErrUnsafePath on delete, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	fs := setupTestFS(t)

	existed, err := fs.Delete("r1", "missing.txt")
	if err != nil || existed {
		t.Errorf("Expected (false, nil) for missing file, got (%v, %v)", existed, err)
	}

	st, _ := fs.Stage("r1", "a.txt", strings.NewReader("a"), 10)
	st.Commit()

	existed, err = fs.Delete("r1", "a.txt")
	if err != nil || !existed {
		t.Errorf("Expected (true, nil), got (%v, %v)", existed, err)
	}
	if _, _, err := fs.Open("r1", "a.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deleted file should be gone, got %v", err)
	}
}
