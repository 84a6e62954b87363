// Package crdt implements the mergeable document state: a conflict-free
// replicated tree of blocks with inline text runs. Remote updates commute
// and are idempotent, so replicas that see the same set of updates in any
// order converge to identical state.
//
// Tie-break rules, applied identically on every replica:
//   - sequence order comes from Logoot-style position identifiers (pid.go);
//   - block attributes are last-writer-wins by (Lamport clock, site);
//   - deletion wins over any concurrent edit of the same node.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

type attrVal struct {
	Val   string `json:"val"`
	Clock uint64 `json:"clock"`
	Site  string `json:"site"`
}

type atom struct {
	ID      OpID     `json:"id"`
	Pos     Pid      `json:"pos"`
	Value   string   `json:"value"`
	Marks   []string `json:"marks,omitempty"`
	Deleted bool     `json:"deleted,omitempty"`
}

// Block is one node of the document tree. Deleted blocks stay as tombstones
// so edits that raced with the deletion are still absorbed deterministically.
type Block struct {
	ID      OpID               `json:"id"`
	Pos     Pid                `json:"pos"`
	Type    string             `json:"type"`
	Attrs   map[string]attrVal `json:"attrs,omitempty"`
	Atoms   []*atom            `json:"atoms,omitempty"`
	Deleted bool               `json:"deleted,omitempty"`

	atomByID map[OpID]*atom
}

// Doc is one replica of a document. Not safe for concurrent use; the owning
// room serializes all access.
type Doc struct {
	site  string
	ctr   uint64 // element id counter for this site
	seq   uint64 // update sequence for this site
	clock uint64 // Lamport clock for LWW attributes

	vv      map[string]uint64 // highest contiguously applied seq per site
	blocks  map[OpID]*Block
	order   []*Block            // all blocks, sorted by (Pos, ID)
	pending map[string][]Update // parked updates per site, kept in seq order
}

// NewDoc creates an empty replica. site must be unique per live replica
// (connection-scoped in practice).
func NewDoc(site string) *Doc {
	return &Doc{
		site:    site,
		vv:      make(map[string]uint64),
		blocks:  make(map[OpID]*Block),
		pending: make(map[string][]Update),
	}
}

func (d *Doc) Site() string { return d.site }

// --- local edits (total: they cannot fail, only report a stale target) ---

func (d *Doc) nextOpID() OpID {
	d.ctr++
	return OpID{Site: d.site, Ctr: d.ctr}
}

func (d *Doc) finishLocal(ops []Op) Update {
	d.clock++
	d.seq++
	update := Update{Site: d.site, Seq: d.seq, Clock: d.clock, Ops: ops}
	d.applyOps(update.Ops, update.Clock, update.Site)
	d.vv[d.site] = d.seq
	return update
}

// InsertBlock inserts a new block so it renders at index among visible
// blocks, and returns its ID plus the update to publish.
func (d *Doc) InsertBlock(index int, typ string, attrs map[string]string) (OpID, Update) {
	left, right := d.blockNeighbors(index)
	id := d.nextOpID()
	op := Op{
		Kind:  OpInsertBlock,
		Block: id,
		Pos:   allocBetween(left, right, d.site),
		Type:  typ,
		Attrs: attrs,
	}
	return id, d.finishLocal([]Op{op})
}

// DeleteBlock tombstones a block. Reports false if the block is unknown.
func (d *Doc) DeleteBlock(id OpID) (Update, bool) {
	if _, ok := d.blocks[id]; !ok {
		return Update{}, false
	}
	return d.finishLocal([]Op{{Kind: OpDeleteBlock, Block: id}}), true
}

// SetBlockAttr writes one attribute, last-writer-wins.
func (d *Doc) SetBlockAttr(id OpID, key, val string) (Update, bool) {
	if _, ok := d.blocks[id]; !ok {
		return Update{}, false
	}
	return d.finishLocal([]Op{{Kind: OpSetAttr, Block: id, Key: key, Val: val}}), true
}

// InsertText inserts one text run at index among the block's visible runs.
func (d *Doc) InsertText(blockID OpID, index int, value string, marks []string) (OpID, Update, bool) {
	block, ok := d.blocks[blockID]
	if !ok {
		return OpID{}, Update{}, false
	}
	left, right := atomNeighbors(block, index)
	id := d.nextOpID()
	op := Op{
		Kind:  OpInsertText,
		Block: blockID,
		Atom:  id,
		Pos:   allocBetween(left, right, d.site),
		Value: value,
		Marks: marks,
	}
	return id, d.finishLocal([]Op{op}), true
}

// DeleteText tombstones one text run.
func (d *Doc) DeleteText(blockID, atomID OpID) (Update, bool) {
	block, ok := d.blocks[blockID]
	if !ok {
		return Update{}, false
	}
	if _, ok := block.atomByID[atomID]; !ok {
		return Update{}, false
	}
	return d.finishLocal([]Op{{Kind: OpDeleteText, Block: blockID, Atom: atomID}}), true
}

// --- remote updates ---

// ApplyRemote merges an update from another replica. Duplicates are dropped;
// an update that arrives out of seq order, or whose target has not appeared
// yet, is parked and replayed once everything it follows has been applied.
// Delivery order never affects the final state. The error covers malformed
// input only.
func (d *Doc) ApplyRemote(update Update) error {
	if update.Site == "" || update.Seq == 0 {
		return fmt.Errorf("apply update: missing site or seq")
	}
	if update.Seq <= d.vv[update.Site] {
		return nil // already applied
	}
	d.pending[update.Site] = parkOrdered(d.pending[update.Site], update)
	d.drainPending()
	return nil
}

// parkOrdered inserts an update into a site's queue in seq order; a seq
// already queued is a duplicate and is dropped.
func parkOrdered(queue []Update, update Update) []Update {
	i := sort.Search(len(queue), func(i int) bool { return queue[i].Seq >= update.Seq })
	if i < len(queue) && queue[i].Seq == update.Seq {
		return queue
	}
	queue = append(queue, Update{})
	copy(queue[i+1:], queue[i:])
	queue[i] = update
	return queue
}

func (d *Doc) commit(update Update) {
	d.applyOps(update.Ops, update.Clock, update.Site)
	if update.Seq > d.vv[update.Site] {
		d.vv[update.Site] = update.Seq
	}
	if update.Clock > d.clock {
		d.clock = update.Clock
	}
}

// drainPending applies parked updates until none can move. A site's head is
// eligible only when its seq is the next contiguous one for that site, so
// the version vector never skips past an update that has not arrived.
func (d *Doc) drainPending() {
	for {
		progress := false
		for site, queue := range d.pending {
			for len(queue) > 0 && queue[0].Seq == d.vv[site]+1 && d.canApply(queue[0]) {
				d.commit(queue[0])
				queue = queue[1:]
				progress = true
			}
			if len(queue) == 0 {
				delete(d.pending, site)
			} else {
				d.pending[site] = queue
			}
		}
		if !progress {
			return
		}
	}
}

func (d *Doc) canApply(update Update) bool {
	for _, op := range update.Ops {
		switch op.Kind {
		case OpInsertBlock:
			// no dependencies
		case OpDeleteBlock, OpSetAttr, OpInsertText:
			if _, ok := d.blocks[op.Block]; !ok {
				return false
			}
		case OpDeleteText:
			block, ok := d.blocks[op.Block]
			if !ok {
				return false
			}
			if _, ok := block.atomByID[op.Atom]; !ok {
				return false
			}
		}
	}
	return true
}

func (d *Doc) applyOps(ops []Op, clock uint64, site string) {
	for _, op := range ops {
		switch op.Kind {
		case OpInsertBlock:
			if _, exists := d.blocks[op.Block]; exists {
				continue
			}
			block := &Block{
				ID:       op.Block,
				Pos:      op.Pos,
				Type:     op.Type,
				Attrs:    make(map[string]attrVal),
				atomByID: make(map[OpID]*atom),
			}
			for key, val := range op.Attrs {
				block.Attrs[key] = attrVal{Val: val, Clock: clock, Site: site}
			}
			d.blocks[op.Block] = block
			d.insertOrdered(block)

		case OpDeleteBlock:
			if block, ok := d.blocks[op.Block]; ok {
				block.Deleted = true
			}

		case OpSetAttr:
			block, ok := d.blocks[op.Block]
			if !ok {
				continue
			}
			current, exists := block.Attrs[op.Key]
			if !exists || current.Clock < clock || (current.Clock == clock && current.Site < site) {
				block.Attrs[op.Key] = attrVal{Val: op.Val, Clock: clock, Site: site}
			}

		case OpInsertText:
			block, ok := d.blocks[op.Block]
			if !ok {
				continue
			}
			if _, exists := block.atomByID[op.Atom]; exists {
				continue
			}
			a := &atom{ID: op.Atom, Pos: op.Pos, Value: op.Value, Marks: op.Marks}
			block.atomByID[op.Atom] = a
			insertAtomOrdered(block, a)

		case OpDeleteText:
			if block, ok := d.blocks[op.Block]; ok {
				if a, ok := block.atomByID[op.Atom]; ok {
					a.Deleted = true
				}
			}
		}
	}
}

// --- ordering helpers ---

func elementLess(posA Pid, idA OpID, posB Pid, idB OpID) bool {
	if c := posA.Compare(posB); c != 0 {
		return c < 0
	}
	return idA.less(idB)
}

func (d *Doc) insertOrdered(block *Block) {
	i := sort.Search(len(d.order), func(i int) bool {
		return elementLess(block.Pos, block.ID, d.order[i].Pos, d.order[i].ID)
	})
	d.order = append(d.order, nil)
	copy(d.order[i+1:], d.order[i:])
	d.order[i] = block
}

func insertAtomOrdered(block *Block, a *atom) {
	i := sort.Search(len(block.Atoms), func(i int) bool {
		return elementLess(a.Pos, a.ID, block.Atoms[i].Pos, block.Atoms[i].ID)
	})
	block.Atoms = append(block.Atoms, nil)
	copy(block.Atoms[i+1:], block.Atoms[i:])
	block.Atoms[i] = a
}

// blockNeighbors returns the pids bracketing a visible index.
func (d *Doc) blockNeighbors(index int) (Pid, Pid) {
	visible := 0
	var left Pid
	for _, block := range d.order {
		if block.Deleted {
			continue
		}
		if visible == index {
			return left, block.Pos
		}
		left = block.Pos
		visible++
	}
	return left, nil
}

func atomNeighbors(block *Block, index int) (Pid, Pid) {
	visible := 0
	var left Pid
	for _, a := range block.Atoms {
		if a.Deleted {
			continue
		}
		if visible == index {
			return left, a.Pos
		}
		left = a.Pos
		visible++
	}
	return left, nil
}

// --- read views ---

type AtomView struct {
	ID    OpID     `json:"id"`
	Value string   `json:"value"`
	Marks []string `json:"marks,omitempty"`
}

type BlockView struct {
	ID    OpID              `json:"id"`
	Type  string            `json:"type"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Text  string            `json:"text"`
	Atoms []AtomView        `json:"atoms,omitempty"`
}

// Blocks returns the visible document in render order.
func (d *Doc) Blocks() []BlockView {
	views := make([]BlockView, 0, len(d.order))
	for _, block := range d.order {
		if block.Deleted {
			continue
		}
		view := BlockView{ID: block.ID, Type: block.Type}
		if len(block.Attrs) > 0 {
			view.Attrs = make(map[string]string, len(block.Attrs))
			for key, val := range block.Attrs {
				view.Attrs[key] = val.Val
			}
		}
		text := ""
		for _, a := range block.Atoms {
			if a.Deleted {
				continue
			}
			text += a.Value
			view.Atoms = append(view.Atoms, AtomView{ID: a.ID, Value: a.Value, Marks: a.Marks})
		}
		view.Text = text
		views = append(views, view)
	}
	return views
}

// BlockText returns the visible text of one block.
func (d *Doc) BlockText(id OpID) (string, bool) {
	block, ok := d.blocks[id]
	if !ok || block.Deleted {
		return "", false
	}
	text := ""
	for _, a := range block.Atoms {
		if !a.Deleted {
			text += a.Value
		}
	}
	return text, true
}

// --- snapshot / seed ---

type docSnapshot struct {
	Clock  uint64            `json:"clock"`
	VV     map[string]uint64 `json:"vv"`
	Blocks []*Block          `json:"blocks"`
}

// Snapshot serializes the full replica state, tombstones included, in a
// deterministic byte form: replicas with the same applied updates produce
// identical snapshots.
func (d *Doc) Snapshot() ([]byte, error) {
	snap := docSnapshot{Clock: d.clock, VV: d.vv, Blocks: d.order}
	buf, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return buf, nil
}

// Seed initializes the replica from a stored snapshot. Legal only on a fresh
// replica, before any local edit or remote update.
func (d *Doc) Seed(snapshot []byte) error {
	if len(snapshot) == 0 {
		return nil // brand new document
	}
	if len(d.blocks) > 0 || d.seq > 0 {
		return fmt.Errorf("seed: replica already has state")
	}
	var snap docSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	d.clock = snap.Clock
	if snap.VV != nil {
		d.vv = snap.VV
	}
	d.order = snap.Blocks
	for _, block := range d.order {
		if block.Attrs == nil {
			block.Attrs = make(map[string]attrVal)
		}
		block.atomByID = make(map[OpID]*atom, len(block.Atoms))
		for _, a := range block.Atoms {
			block.atomByID[a.ID] = a
		}
		d.blocks[block.ID] = block
		// Resume this site's counters past anything it previously created.
		if block.ID.Site == d.site && block.ID.Ctr > d.ctr {
			d.ctr = block.ID.Ctr
		}
		for _, a := range block.Atoms {
			if a.ID.Site == d.site && a.ID.Ctr > d.ctr {
				d.ctr = a.ID.Ctr
			}
		}
	}
	d.seq = d.vv[d.site]
	return nil
}
