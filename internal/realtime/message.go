package realtime

import (
	"encoding/json"

	"inkwell/api/internal/crdt"
)

// Frame types carried on the realtime channel. Document updates and presence
// ride the same socket but never mix: presence is ephemeral and is never
// written through the document path.
const (
	FrameUpdate   = "update"    // CRDT update payload, both directions
	FramePresence = "presence"  // participant presence, both directions
	FrameSync     = "sync"      // server -> client: full state on admit/resync
	FramePeerLeft = "peer_left" // server -> client: a participant left
	FrameResync   = "resync"    // client -> server: request a fresh sync
	FrameLeave    = "leave"     // client -> server: optional fast goodbye
)

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Cursor is a live caret position inside a block.
type Cursor struct {
	Block  crdt.OpID `json:"block"`
	Offset int       `json:"offset"`
}

// Presence is the ephemeral per-participant state broadcast to peers.
type Presence struct {
	Name    string  `json:"name"`
	Color   string  `json:"color"`
	Picture string  `json:"picture,omitempty"`
	Cursor  *Cursor `json:"cursor,omitempty"`
}

// PresencePayload is the presence frame body on the wire: the connection it
// belongs to plus the state itself.
type PresencePayload struct {
	ConnID   string   `json:"connId"`
	Presence Presence `json:"presence"`
}

// PeerLeftPayload announces a departed participant.
type PeerLeftPayload struct {
	ConnID string `json:"connId"`
}

// SyncPayload carries the full document snapshot and current roster, sent on
// admit and on resync after a reconnect.
type SyncPayload struct {
	Snapshot     json.RawMessage     `json:"snapshot"`
	Participants map[string]Presence `json:"participants"`
}

func frame(frameType string, payload any) (Frame, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: buf}, nil
}

// mustFrame wraps payloads that cannot fail to marshal (plain structs).
func mustFrame(frameType string, payload any) Frame {
	f, err := frame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return f
}
