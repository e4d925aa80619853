package room

import (
	"sync"
	"time"

	"github.com/manpreetbhatti/padshare/internal/protocol"
)

// Conn is one attached connection. Send must not block: it either queues the
// frame or reports failure.
type Conn interface {
	ID() string
	Send(msg []byte) bool
}

type File struct {
	Name       string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// A collaborative editing session. Every mutation and the fan-out it triggers
// happen inside the same critical section, so all connections observe one
// total order per room. Sends only enqueue; socket writes happen elsewhere.
type Room struct {
	ID string

	mu      sync.Mutex
	text    string
	files   []File
	conns   map[Conn]struct{}
	dirty   bool
	updates uint64
}

// Creates a new empty room with the given ID
func NewRoom(id string) *Room {
	return &Room{
		ID:    id,
		conns: make(map[Conn]struct{}),
	}
}

// Restore seeds persisted state; it does not mark the room dirty.
func (r *Room) Restore(text string, files []File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = text
	r.files = append(r.files[:0], files...)
}

// Join registers c, sends it the init snapshot and tells everyone the new count.
func (r *Room) Join(c Conn) (count int, failed []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c] = struct{}{}
	if !c.Send(protocol.Init(r.text, r.fileNames())) {
		failed = append(failed, c)
	}
	count = len(r.conns)
	return count, append(failed, r.fanout(protocol.Users(count), nil)...)
}

// Leave removes c. Removing an unknown connection is a no-op.
func (r *Room) Leave(c Conn) (count int, removed bool, failed []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return len(r.conns), false, nil
	}
	delete(r.conns, c)
	count = len(r.conns)
	return count, true, r.fanout(protocol.Users(count), nil)
}

// ApplyUpdate overwrites the buffer (last write wins) and forwards it to
// everyone except sender. sender may be nil for updates from another instance;
// a non-nil sender that has already left is ignored.
func (r *Room) ApplyUpdate(sender Conn, text string) (bool, []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sender != nil {
		if _, ok := r.conns[sender]; !ok {
			return false, nil
		}
	}
	r.text = text
	r.dirty = true
	r.updates++
	return true, r.fanout(protocol.Update(text), sender)
}

// RelayFile repeats a client's file notice to everyone, but only for a file
// the room actually holds.
func (r *Room) RelayFile(name string) (bool, []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fileIndex(name) < 0 {
		return false, nil
	}
	return true, r.fanout(protocol.File(name), nil)
}

// RelayDelete repeats a client's delete notice, only once the file is gone.
func (r *Room) RelayDelete(name string) (bool, []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fileIndex(name) >= 0 {
		return false, nil
	}
	return true, r.fanout(protocol.Delete(name), nil)
}

// CommitFile runs commit and, only if it succeeds, records f and announces it
// to every connection. Concurrent commits for one room are serialized, so the
// metadata always describes the last content written.
func (r *Room) CommitFile(f File, commit func() error) ([]Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if commit != nil {
		if err := commit(); err != nil {
			return nil, err
		}
	}
	r.putFile(f)
	return r.fanout(protocol.File(f.Name), nil), nil
}

// RemoveFile runs remove with whether the metadata knows the file. The file
// counts as deleted if either the metadata or remove says it existed; in that
// case the entry is dropped and a delete frame goes to every connection.
func (r *Room) RemoveFile(name string, remove func(known bool) (bool, error)) (bool, []Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.fileIndex(name)
	known := idx >= 0
	existed := known
	if remove != nil {
		found, err := remove(known)
		if err != nil {
			return false, nil, err
		}
		existed = existed || found
	}
	if !existed {
		return false, nil, nil
	}
	if known {
		r.files = append(r.files[:idx], r.files[idx+1:]...)
	}
	return true, r.fanout(protocol.Delete(name), nil), nil
}

func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

// Returns a copy of the file list in upload order
func (r *Room) Files() []File {
	r.mu.Lock()
	defer r.mu.Unlock()
	files := make([]File, len(r.files))
	copy(files, r.files)
	return files
}

func (r *Room) File(name string) (File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.fileIndex(name); idx >= 0 {
		return r.files[idx], true
	}
	return File{}, false
}

// Returns the number of attached connections
func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Room) UpdateCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// TakeDirty returns the text if it changed since the last call.
func (r *Room) TakeDirty() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return "", false
	}
	r.dirty = false
	return r.text, true
}

// MarkDirty flags the text for the next flush again, e.g. after a failed save.
func (r *Room) MarkDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// Must hold r.mu
func (r *Room) fanout(msg []byte, exclude Conn) []Conn {
	var failed []Conn
	for c := range r.conns {
		if c == exclude {
			continue
		}
		if !c.Send(msg) {
			failed = append(failed, c)
		}
	}
	return failed
}

func (r *Room) putFile(f File) {
	if idx := r.fileIndex(f.Name); idx >= 0 {
		r.files[idx] = f
		return
	}
	r.files = append(r.files, f)
}

func (r *Room) fileIndex(name string) int {
	for i, f := range r.files {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (r *Room) fileNames() []string {
	names := make([]string, len(r.files))
	for i, f := range r.files {
		names[i] = f.Name
	}
	return names
}
