package room

import (
	"context"
	"sort"
	"sync"
)

// Loader returns persisted state for a room seen for the first time.
type Loader func(ctx context.Context, id string) (text string, files []File, err error)

// Registry maps room IDs to rooms. Rooms are never evicted.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	load  Loader
}

// NewRegistry creates a registry; load may be nil.
func NewRegistry(load Loader) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		load:  load,
	}
}

// GetOrCreate returns the room for id, creating it on first use. Concurrent
// first calls for the same id all receive the same *Room. A loader error is
// returned without caching anything, so the next call retries.
func (g *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	g.mu.RLock()
	rm, ok := g.rooms[id]
	g.mu.RUnlock()

	if ok {
		return rm, nil
	}

	// Load outside the lock; a losing racer just discards its copy.
	fresh := NewRoom(id)
	if g.load != nil {
		text, files, err := g.load(ctx, id)
		if err != nil {
			return nil, err
		}
		fresh.Restore(text, files)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rm, ok := g.rooms[id]; ok {
		return rm, nil
	}
	g.rooms[id] = fresh
	return fresh, nil
}

// Get returns an existing room without creating it
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rm, ok := g.rooms[id]
	return rm, ok
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Rooms returns every known room sorted by ID.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, rm := range g.rooms {
		rooms = append(rooms, rm)
	}
	g.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}
