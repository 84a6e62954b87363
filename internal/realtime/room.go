package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"inkwell/api/internal/crdt"
)

// State is the room lifecycle phase.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateDraining
	StateDestroyed
)

// Storage is the slice of persistence the room needs. The room is the single
// source of truth while it lives; storage is the source of truth in between.
type Storage interface {
	LoadSnapshot(ctx context.Context, documentID string) ([]byte, error)
	PersistSnapshot(ctx context.Context, documentID string, snapshot []byte) error
}

// ErrRoomClosed is returned for operations against a destroyed room; the
// registry retries joins with a fresh room.
var ErrRoomClosed = errors.New("room closed")

const sendBuffer = 32

// Participant is one live connection in a room. It exists only while the
// transport channel is open and is never persisted.
type Participant struct {
	ConnID  string
	UserID  string
	send    chan Frame
	dropped bool
}

func NewParticipant(connID, userID string) *Participant {
	return &Participant{ConnID: connID, UserID: userID, send: make(chan Frame, sendBuffer)}
}

// Frames is the participant's outbound stream, consumed by its write pump.
// Closed when the participant is evicted or the room shuts down.
func (p *Participant) Frames() <-chan Frame { return p.send }

// deliver never blocks the room loop: a participant that cannot keep up
// loses frames and is marked for a catch-up sync, sent once its buffer
// drains (flushDropped).
func (p *Participant) deliver(f Frame) {
	select {
	case p.send <- f:
	default:
		p.dropped = true
	}
}

type joinRequest struct {
	participant *Participant
	reply       chan joinReply
}

type joinReply struct {
	sync Frame
	err  error
}

type inboundUpdate struct {
	connID string
	raw    []byte
}

type inboundPresence struct {
	connID   string
	presence Presence
}

// Room is the live collaboration context for one document. A single
// goroutine owns the CRDT replica and serializes every mutation; rooms for
// different documents are fully independent.
type Room struct {
	documentID    string
	storage       Storage
	grace         time.Duration
	snapshotEvery time.Duration
	onDestroy     func(*Room)

	joinCh     chan joinRequest
	leaveCh    chan string
	updateCh   chan inboundUpdate
	presenceCh chan inboundPresence
	resyncCh   chan string
	shutdownCh chan chan struct{}
	done       chan struct{}

	// loop-owned state
	state        State
	doc          *crdt.Doc
	participants map[string]*Participant
	roster       map[string]Presence
	dirty        bool
}

func newRoom(documentID string, storage Storage, grace, snapshotEvery time.Duration, onDestroy func(*Room)) *Room {
	r := &Room{
		documentID:    documentID,
		storage:       storage,
		grace:         grace,
		snapshotEvery: snapshotEvery,
		onDestroy:     onDestroy,
		joinCh:        make(chan joinRequest),
		leaveCh:       make(chan string),
		updateCh:      make(chan inboundUpdate),
		presenceCh:    make(chan inboundPresence),
		resyncCh:      make(chan string),
		shutdownCh:    make(chan chan struct{}),
		done:          make(chan struct{}),
		state:         StateUninitialized,
		participants:  make(map[string]*Participant),
		roster:        make(map[string]Presence),
	}
	go r.run()
	return r
}

func (r *Room) DocumentID() string { return r.documentID }

// Join admits a participant and returns the sync frame to send it first.
func (r *Room) Join(ctx context.Context, p *Participant) (Frame, error) {
	req := joinRequest{participant: p, reply: make(chan joinReply, 1)}
	select {
	case r.joinCh <- req:
	case <-r.done:
		return Frame{}, ErrRoomClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
	select {
	case reply := <-req.reply:
		return reply.sync, reply.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Leave removes a participant; the last departure starts the grace timer.
func (r *Room) Leave(connID string) {
	select {
	case r.leaveCh <- connID:
	case <-r.done:
	}
}

// SubmitUpdate hands an inbound CRDT update to the room loop. Per-connection
// FIFO holds because each connection's read pump calls this sequentially.
func (r *Room) SubmitUpdate(connID string, raw []byte) {
	select {
	case r.updateCh <- inboundUpdate{connID: connID, raw: raw}:
	case <-r.done:
	}
}

// SetPresence overwrites a participant's presence and broadcasts it.
func (r *Room) SetPresence(connID string, presence Presence) {
	select {
	case r.presenceCh <- inboundPresence{connID: connID, presence: presence}:
	case <-r.done:
	}
}

// Resync asks for a fresh sync frame on the participant's stream.
func (r *Room) Resync(connID string) {
	select {
	case r.resyncCh <- connID:
	case <-r.done:
	}
}

// Shutdown persists and destroys the room regardless of participants.
func (r *Room) Shutdown(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case r.shutdownCh <- ack:
	case <-r.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
	}
}

func (r *Room) run() {
	var graceCh <-chan time.Time
	var graceTimer *time.Timer
	ticker := time.NewTicker(r.snapshotEvery)
	defer ticker.Stop()

	for {
		select {
		case req := <-r.joinCh:
			if r.state == StateUninitialized {
				if err := r.seed(); err != nil {
					req.reply <- joinReply{err: err}
					// An unseeded room has no participants and no state
					// worth keeping; tear it down so the next join starts
					// on a fresh room instead of queueing on this one.
					r.destroy()
					return
				}
			}
			if graceTimer != nil {
				// Rejoin within the grace window: back to ACTIVE with the
				// in-memory state intact, no re-seed.
				graceTimer.Stop()
				graceTimer = nil
				graceCh = nil
			}
			r.state = StateActive
			r.participants[req.participant.ConnID] = req.participant
			sync, err := r.syncFrame()
			req.reply <- joinReply{sync: sync, err: err}

		case connID := <-r.leaveCh:
			p, ok := r.participants[connID]
			if !ok {
				continue
			}
			delete(r.participants, connID)
			close(p.send)
			if _, hadPresence := r.roster[connID]; hadPresence {
				delete(r.roster, connID)
				r.broadcast("", mustFrame(FramePeerLeft, PeerLeftPayload{ConnID: connID}))
			}
			if len(r.participants) == 0 && r.state == StateActive {
				r.state = StateDraining
				graceTimer = time.NewTimer(r.grace)
				graceCh = graceTimer.C
			}

		case in := <-r.updateCh:
			update, err := crdt.DecodeUpdate(in.raw)
			if err != nil {
				log.Printf("room %s: dropping malformed update from %s: %v", r.documentID, in.connID, err)
				continue
			}
			if err := r.doc.ApplyRemote(update); err != nil {
				log.Printf("room %s: dropping update from %s: %v", r.documentID, in.connID, err)
				continue
			}
			r.dirty = true
			r.broadcast(in.connID, Frame{Type: FrameUpdate, Payload: in.raw})
			r.flushDropped()

		case in := <-r.presenceCh:
			if _, ok := r.participants[in.connID]; !ok {
				continue
			}
			r.roster[in.connID] = in.presence
			r.broadcast(in.connID, mustFrame(FramePresence, PresencePayload{ConnID: in.connID, Presence: in.presence}))
			r.flushDropped()

		case connID := <-r.resyncCh:
			p, ok := r.participants[connID]
			if !ok {
				continue
			}
			if sync, err := r.syncFrame(); err == nil {
				p.deliver(sync)
			}

		case <-graceCh:
			// Grace expired with no rejoin: persist once and tear down.
			r.persist(true)
			r.destroy()
			return

		case <-ticker.C:
			r.flushDropped()
			if r.dirty && r.state == StateActive {
				r.persist(false)
			}

		case ack := <-r.shutdownCh:
			if r.state == StateActive || r.state == StateDraining || r.dirty {
				r.persist(true)
			}
			r.destroy()
			close(ack)
			return
		}
	}
}

func (r *Room) seed() error {
	snapshot, err := r.storage.LoadSnapshot(context.Background(), r.documentID)
	if err != nil {
		return fmt.Errorf("seed room %s: %w", r.documentID, err)
	}
	doc := crdt.NewDoc("room-" + r.documentID)
	if err := doc.Seed(snapshot); err != nil {
		return fmt.Errorf("seed room %s: %w", r.documentID, err)
	}
	r.doc = doc
	return nil
}

func (r *Room) syncFrame() (Frame, error) {
	snapshot, err := r.doc.Snapshot()
	if err != nil {
		return Frame{}, err
	}
	roster := make(map[string]Presence, len(r.roster))
	for connID, presence := range r.roster {
		roster[connID] = presence
	}
	return frame(FrameSync, SyncPayload{Snapshot: snapshot, Participants: roster})
}

func (r *Room) broadcast(exceptConnID string, f Frame) {
	for connID, p := range r.participants {
		if connID == exceptConnID {
			continue
		}
		p.deliver(f)
	}
}

// flushDropped repairs participants that overflowed their send buffer: one
// fresh sync frame supersedes every frame they missed, document state and
// roster both. A participant still out of buffer space keeps the mark and
// is retried on the next room event or tick.
func (r *Room) flushDropped() {
	var sync Frame
	haveSync := false
	for _, p := range r.participants {
		if !p.dropped {
			continue
		}
		if !haveSync {
			f, err := r.syncFrame()
			if err != nil {
				return
			}
			sync = f
			haveSync = true
		}
		select {
		case p.send <- sync:
			p.dropped = false
		default:
		}
	}
}

// persist writes the current snapshot back to storage. Losing a final
// snapshot loses edits since the last periodic one, so the teardown path
// retries before giving up.
func (r *Room) persist(final bool) {
	snapshot, err := r.doc.Snapshot()
	if err != nil {
		log.Printf("room %s: snapshot failed: %v", r.documentID, err)
		return
	}
	attempts := 1
	if final {
		attempts = 3
	}
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = r.storage.PersistSnapshot(ctx, r.documentID, snapshot)
		cancel()
		if err == nil {
			r.dirty = false
			return
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	log.Printf("room %s: snapshot persist failed, unsaved edits at risk: %v", r.documentID, err)
}

func (r *Room) destroy() {
	r.state = StateDestroyed
	for _, p := range r.participants {
		close(p.send)
	}
	r.participants = nil
	close(r.done)
	if r.onDestroy != nil {
		r.onDestroy(r)
	}
}
