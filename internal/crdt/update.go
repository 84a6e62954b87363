package crdt

import (
	"encoding/json"
	"fmt"
)

// OpID uniquely identifies a block or text atom: the site that created it
// plus that site's op counter.
type OpID struct {
	Site string `json:"site"`
	Ctr  uint64 `json:"ctr"`
}

func (id OpID) IsZero() bool { return id.Site == "" && id.Ctr == 0 }

func (id OpID) String() string { return fmt.Sprintf("%s:%d", id.Site, id.Ctr) }

// less orders op IDs for deterministic tie-breaks.
func (id OpID) less(other OpID) bool {
	if id.Site != other.Site {
		return id.Site < other.Site
	}
	return id.Ctr < other.Ctr
}

// Op kinds on the wire.
const (
	OpInsertBlock = "insert_block"
	OpDeleteBlock = "delete_block"
	OpSetAttr     = "set_attr"
	OpInsertText  = "insert_text"
	OpDeleteText  = "delete_text"
)

// Op is one mutation within an update. Fields are populated per Kind.
type Op struct {
	Kind string `json:"kind"`

	Block OpID `json:"block"`          // target block (all kinds)
	Atom  OpID `json:"atom,omitempty"` // insert_text / delete_text

	Pos Pid `json:"pos,omitempty"` // insert_block / insert_text

	Type  string            `json:"type,omitempty"`  // insert_block
	Attrs map[string]string `json:"attrs,omitempty"` // insert_block

	Key string `json:"key,omitempty"` // set_attr
	Val string `json:"val,omitempty"` // set_attr

	Value string   `json:"value,omitempty"` // insert_text
	Marks []string `json:"marks,omitempty"` // insert_text
}

// Update is the unit shipped between replicas: one site's op batch with its
// sequence number and Lamport clock. Seq numbers from one site are
// contiguous, which lets receivers deduplicate with a version vector.
type Update struct {
	Site  string `json:"site"`
	Seq   uint64 `json:"seq"`
	Clock uint64 `json:"clock"`
	Ops   []Op   `json:"ops"`
}

func (u Update) Encode() ([]byte, error) {
	buf, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return buf, nil
}

func DecodeUpdate(buf []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(buf, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	if u.Site == "" || u.Seq == 0 {
		return Update{}, fmt.Errorf("decode update: missing site or seq")
	}
	return u, nil
}
