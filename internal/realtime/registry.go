package realtime

import (
	"context"
	"sync"
	"time"
)

// Registry is the injected, lifecycle-managed arena of live rooms, keyed by
// document id. Rooms are created lazily on first join and remove themselves
// when destroyed.
type Registry struct {
	storage       Storage
	grace         time.Duration
	snapshotEvery time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(storage Storage, grace, snapshotEvery time.Duration) *Registry {
	return &Registry{
		storage:       storage,
		grace:         grace,
		snapshotEvery: snapshotEvery,
		rooms:         make(map[string]*Room),
	}
}

// Join places a participant in the document's room, creating it if needed.
// A room that tears down mid-join is replaced and the join retried.
func (g *Registry) Join(ctx context.Context, documentID string, p *Participant) (*Room, Frame, error) {
	for {
		room := g.roomFor(documentID)
		sync, err := room.Join(ctx, p)
		if err == ErrRoomClosed {
			g.forget(room)
			continue
		}
		if err != nil {
			return nil, Frame{}, err
		}
		return room, sync, nil
	}
}

func (g *Registry) roomFor(documentID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[documentID]; ok {
		return room
	}
	room := newRoom(documentID, g.storage, g.grace, g.snapshotEvery, g.forget)
	g.rooms[documentID] = room
	return room
}

func (g *Registry) forget(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.rooms[room.documentID]; ok && current == room {
		delete(g.rooms, room.documentID)
	}
}

// ActiveRooms reports how many rooms are live, for readiness reporting.
func (g *Registry) ActiveRooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown persists and destroys every room; used on process exit so no
// in-memory edits are lost.
func (g *Registry) Shutdown(ctx context.Context) {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func(room *Room) {
			defer wg.Done()
			room.Shutdown(ctx)
		}(room)
	}
	wg.Wait()
}
