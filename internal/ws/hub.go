package ws

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/manpreetbhatti/padshare/internal/bus"
	"github.com/manpreetbhatti/padshare/internal/metrics"
	"github.com/manpreetbhatti/padshare/internal/protocol"
	"github.com/manpreetbhatti/padshare/internal/room"
	"github.com/manpreetbhatti/padshare/internal/storage"
)

// Bus carries room mutations between instances. nil disables it.
type Bus interface {
	Publish(ctx context.Context, e bus.Event) error
	Subscribe(ctx context.Context, fn func(bus.Event))
}

type Options struct {
	MaxTextBytes      int
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultOptions() Options {
	return Options{
		MaxTextBytes:      1024 * 1024,
		MessagesPerSecond: 100,
		MessageBurst:      200,
	}
}

// Hub tracks which connections belong to which room and fans messages out.
// Room state itself is guarded per room; the hub holds no global lock.
type Hub struct {
	log        *slog.Logger
	rooms      *room.Registry
	bus        Bus
	opts       Options
	instanceID string

	// Connections whose delivery failed, waiting for Run to remove them
	unregister chan departure
}

type departure struct {
	roomID string
	conn   room.Conn
}

type closer interface {
	Close()
}

func NewHub(logger *slog.Logger, rooms *room.Registry, b Bus, opts Options) *Hub {
	return &Hub{
		log:        logger,
		rooms:      rooms,
		bus:        b,
		opts:       opts,
		instanceID: uuid.NewString(),
		unregister: make(chan departure, 256),
	}
}

// Run removes failed connections and applies events from other instances
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.bus != nil {
		go h.bus.Subscribe(ctx, h.applyRemote)
	}

	for {
		select {
		case d := <-h.unregister:
			h.drop(d)
		case <-ctx.Done():
			return
		}
	}
}

// Join registers c in roomID, queues its init frame and announces the new count.
func (h *Hub) Join(ctx context.Context, roomID string, c room.Conn) error {
	rm, err := h.rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		return err
	}

	count, failed := rm.Join(c)
	metrics.IncConnections()
	metrics.SetRooms(h.rooms.Len())
	metrics.AddQueued(count + 1 - len(failed))
	h.schedule(roomID, failed)

	h.log.Debug("ws.join", "room", roomID, "conn", c.ID(), "users", count)
	return nil
}

// Leave detaches c; calling it twice is harmless.
func (h *Hub) Leave(roomID string, c room.Conn) {
	rm, ok := h.rooms.Get(roomID)
	if !ok {
		return
	}

	count, removed, failed := rm.Leave(c)
	if !removed {
		return
	}
	metrics.DecConnections()
	metrics.AddQueued(count - len(failed))
	h.schedule(roomID, failed)

	h.log.Debug("ws.leave", "room", roomID, "conn", c.ID(), "users", count)
}

// Update applies a full-buffer overwrite and forwards it to everyone but sender.
func (h *Hub) Update(ctx context.Context, roomID string, sender room.Conn, text string) {
	rm, ok := h.rooms.Get(roomID)
	if !ok {
		return
	}

	applied, failed := rm.ApplyUpdate(sender, text)
	if !applied {
		return
	}
	metrics.IncUpdates()
	h.schedule(roomID, failed)
	h.publish(ctx, bus.Event{Room: roomID, Kind: bus.KindUpdate, Code: text})
}

// Relay forwards a client-originated file/delete notice to every connection.
// A notice that contradicts the room's file list is dropped and reported false.
func (h *Hub) Relay(roomID string, m protocol.Message) bool {
	rm, ok := h.rooms.Get(roomID)
	if !ok {
		return false
	}

	var failed []room.Conn
	switch m.Type {
	case protocol.MessageFile:
		ok, failed = rm.RelayFile(m.Filename)
	case protocol.MessageDelete:
		ok, failed = rm.RelayDelete(m.Filename)
	default:
		return false
	}
	h.schedule(roomID, failed)
	return ok
}

// File looks up a file's metadata in a loaded room.
func (h *Hub) File(roomID, name string) (room.File, bool) {
	rm, ok := h.rooms.Get(roomID)
	if !ok {
		return room.File{}, false
	}
	return rm.File(name)
}

// CommitFile runs commit inside the room's critical section and, on success,
// records the file and notifies every connection in the room.
func (h *Hub) CommitFile(ctx context.Context, roomID string, f room.File, commit func() error) error {
	rm, err := h.rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		return err
	}

	failed, err := rm.CommitFile(f, commit)
	if err != nil {
		return err
	}
	h.schedule(roomID, failed)
	h.publish(ctx, bus.Event{Room: roomID, Kind: bus.KindFile, Filename: f.Name, Size: f.Size})
	return nil
}

// RemoveFile is the delete counterpart of CommitFile. It reports false when
// neither the metadata nor remove knew the file.
func (h *Hub) RemoveFile(ctx context.Context, roomID, name string, remove func(known bool) (bool, error)) (bool, error) {
	rm, err := h.rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		return false, err
	}

	ok, failed, err := rm.RemoveFile(name, remove)
	if err != nil || !ok {
		return false, err
	}
	h.schedule(roomID, failed)
	h.publish(ctx, bus.Event{Room: roomID, Kind: bus.KindDelete, Filename: name})
	return true, nil
}

// Returns the number of rooms with at least one connection
func (h *Hub) GetRoomCount() int {
	return len(h.GetActiveRooms())
}

// Returns the total number of connections across rooms
func (h *Hub) GetClientCount() int {
	total := 0
	for _, n := range h.GetActiveRooms() {
		total += n
	}
	return total
}

// Returns connection counts keyed by room, skipping empty rooms
func (h *Hub) GetActiveRooms() map[string]int {
	active := make(map[string]int)
	for _, rm := range h.rooms.Rooms() {
		if n := rm.Count(); n > 0 {
			active[rm.ID] = n
		}
	}
	return active
}

// ActiveRoomIDs returns the IDs of occupied rooms in order
func (h *Hub) ActiveRoomIDs() []string {
	active := h.GetActiveRooms()
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) schedule(roomID string, failed []room.Conn) {
	metrics.AddFailed(len(failed))
	for _, c := range failed {
		d := departure{roomID: roomID, conn: c}
		select {
		case h.unregister <- d:
		default:
			go h.drop(d)
		}
	}
}

func (h *Hub) drop(d departure) {
	h.log.Info("ws.drop", "room", d.roomID, "conn", d.conn.ID())
	h.Leave(d.roomID, d.conn)
	if c, ok := d.conn.(closer); ok {
		c.Close()
	}
}

func (h *Hub) publish(ctx context.Context, e bus.Event) {
	if h.bus == nil {
		return
	}
	e.Origin = h.instanceID
	if err := h.bus.Publish(ctx, e); err != nil {
		h.log.Warn("bus.publish", "room", e.Room, "kind", e.Kind, "err", err)
	}
}

// applyRemote replays a mutation made on another instance to local connections.
func (h *Hub) applyRemote(e bus.Event) {
	if e.Origin == h.instanceID {
		return
	}
	if err := storage.ValidateName(e.Room); err != nil {
		h.log.Warn("bus.event.rejected", "room", e.Room, "err", err)
		return
	}

	rm, err := h.rooms.GetOrCreate(context.Background(), e.Room)
	if err != nil {
		h.log.Error("bus.event.room", "room", e.Room, "err", err)
		return
	}

	var failed []room.Conn
	switch e.Kind {
	case bus.KindUpdate:
		_, failed = rm.ApplyUpdate(nil, e.Code)
	case bus.KindFile:
		// The bytes are already in the upload dir every instance shares
		failed, _ = rm.CommitFile(room.File{Name: e.Filename, Size: e.Size, UploadedAt: time.Now()}, nil)
	case bus.KindDelete:
		_, failed, _ = rm.RemoveFile(e.Filename, nil)
	default:
		return
	}
	h.schedule(e.Room, failed)
}
