package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/manpreetbhatti/padshare/internal/db"
	"github.com/manpreetbhatti/padshare/internal/metrics"
	"github.com/manpreetbhatti/padshare/internal/room"
	"github.com/manpreetbhatti/padshare/internal/storage"
)

var (
	ErrSizeExceeded = errors.New("file too large")
	ErrNotFound     = errors.New("file not found")
	ErrUnsafePath   = storage.ErrUnsafePath
)

// Store is the byte storage behind uploads.
type Store interface {
	Stage(roomID, name string, r io.Reader, limit int64) (*storage.Staged, error)
	Open(roomID, name string) (*os.File, os.FileInfo, error)
	Delete(roomID, name string) (bool, error)
}

// Rooms serializes file mutations per room and notifies connections.
type Rooms interface {
	CommitFile(ctx context.Context, roomID string, f room.File, commit func() error) error
	RemoveFile(ctx context.Context, roomID, name string, remove func(known bool) (bool, error)) (bool, error)
	File(roomID, name string) (room.File, bool)
}

// Coordinator validates uploads and deletes, applies them to the store and the
// room state, which broadcasts, then mirrors the result into the metadata
// database if there is one. Nothing is announced before the store change has
// succeeded.
type Coordinator struct {
	store Store
	rooms Rooms
	meta  db.Store
	limit int64
	log   *slog.Logger
	now   func() time.Time

	// Serializes metadata writes so the last one sees the final room state
	metaMu sync.Mutex
}

// New creates a coordinator; meta may be nil.
func New(store Store, rooms Rooms, meta db.Store, limit int64, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store: store,
		rooms: rooms,
		meta:  meta,
		limit: limit,
		log:   log,
		now:   time.Now,
	}
}

func (c *Coordinator) Limit() int64 { return c.limit }

func validate(roomID, filename string) error {
	if err := storage.ValidateName(roomID); err != nil {
		return err
	}
	return storage.ValidateName(filename)
}

// Upload stores r as filename in roomID. size is the declared length, or -1
// when unknown; a declared size over the limit is rejected before any write.
func (c *Coordinator) Upload(ctx context.Context, roomID, filename string, size int64, r io.Reader) (room.File, error) {
	if err := validate(roomID, filename); err != nil {
		metrics.FileOp("upload", "invalid")
		return room.File{}, err
	}
	if size > c.limit {
		metrics.FileOp("upload", "too_large")
		return room.File{}, ErrSizeExceeded
	}

	staged, err := c.store.Stage(roomID, filename, r, c.limit)
	if errors.Is(err, storage.ErrTooLarge) {
		metrics.FileOp("upload", "too_large")
		return room.File{}, ErrSizeExceeded
	}
	if err != nil {
		metrics.FileOp("upload", "error")
		return room.File{}, fmt.Errorf("stage %s/%s: %w", roomID, filename, err)
	}

	f := room.File{Name: filename, Size: staged.Size, UploadedAt: c.now()}
	err = c.rooms.CommitFile(ctx, roomID, f, staged.Commit)
	if err != nil {
		staged.Discard()
		metrics.FileOp("upload", "error")
		return room.File{}, fmt.Errorf("commit %s/%s: %w", roomID, filename, err)
	}

	c.syncMeta(ctx, roomID, filename)
	metrics.FileOp("upload", "ok")
	c.log.Info("files.upload", "room", roomID, "file", filename, "bytes", f.Size)
	return f, nil
}

// Delete removes filename from the store and the room. ErrNotFound means
// it was not there to begin with.
func (c *Coordinator) Delete(ctx context.Context, roomID, filename string) error {
	if err := validate(roomID, filename); err != nil {
		metrics.FileOp("delete", "invalid")
		return err
	}

	ok, err := c.rooms.RemoveFile(ctx, roomID, filename, func(bool) (bool, error) {
		return c.store.Delete(roomID, filename)
	})
	if err != nil {
		metrics.FileOp("delete", "error")
		return fmt.Errorf("delete %s/%s: %w", roomID, filename, err)
	}
	if !ok {
		metrics.FileOp("delete", "not_found")
		return ErrNotFound
	}

	c.syncMeta(ctx, roomID, filename)
	metrics.FileOp("delete", "ok")
	c.log.Info("files.delete", "room", roomID, "file", filename)
	return nil
}

// Open returns the stored bytes for download; the caller closes the file.
func (c *Coordinator) Open(roomID, filename string) (*os.File, os.FileInfo, error) {
	if err := validate(roomID, filename); err != nil {
		return nil, nil, err
	}
	f, info, err := c.store.Open(roomID, filename)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	return f, info, err
}

// syncMeta writes the room's current entry for filename to the metadata
// database, or removes the row when the room no longer lists it. It runs
// outside the room lock; metaMu makes the last caller write the final state.
// A failed write is logged and the in-memory state stays authoritative.
func (c *Coordinator) syncMeta(ctx context.Context, roomID, filename string) {
	if c.meta == nil {
		return
	}
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	f, ok := c.rooms.File(roomID, filename)
	if !ok {
		if _, err := c.meta.DeleteFile(ctx, roomID, filename); err != nil {
			c.log.Error("files.meta.delete", "room", roomID, "file", filename, "err", err)
		}
		return
	}
	err := c.meta.UpsertFile(ctx, db.File{RoomID: roomID, Name: f.Name, Size: f.Size, UploadedAt: f.UploadedAt})
	if err != nil {
		c.log.Error("files.meta.upsert", "room", roomID, "file", f.Name, "err", err)
	}
}
