package crdt

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/tonk-labs/tonk/common"
)

// Document is a JSON-CRDT document: a tree of Nodes reachable from a
// single RootNode, mutated only through Change and synchronized with
// other replicas by exchanging Patches through Merge. The node types
// (Node, ObjectNode, StringNode, ...) are exported, but no other tonk
// package uses them: callers work through Change/Merge/State/Load/
// OnChange, the Automerge-shaped contract other tonk packages build on.
type Document struct {
	mu sync.Mutex

	peer common.PeerId
	sid  common.SessionID

	root  *RootNode
	index map[common.LogicalTimestamp]Node
	clock map[string]uint64

	seq         uint64
	subscribers map[uint64]func(Event)
	nextSubID   uint64
}

// Event is delivered to OnChange subscribers after a successful
// Change or Merge. Seq is a monotonic per-document counter watchers
// use to de-duplicate at-least-once delivery.
type Event struct {
	Seq   uint64
	Patch *Patch
}

// Subscription lets a caller stop receiving OnChange events.
type Subscription interface {
	Stop()
}

type subscription struct {
	doc *Document
	id  uint64
}

func (s *subscription) Stop() {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	delete(s.doc.subscribers, s.id)
}

// NewDocument creates an empty document authored by peer.
func NewDocument(peer common.PeerId) *Document {
	return &Document{
		peer:        peer,
		sid:         common.NewSessionID(),
		root:        NewRootNode(),
		index:       make(map[common.LogicalTimestamp]Node),
		clock:       make(map[string]uint64),
		subscribers: make(map[uint64]func(Event)),
	}
}

// PeerID returns the document's authoring peer.
func (d *Document) PeerID() common.PeerId { return d.peer }

// View returns the document's current value as a plain Go value tree
// (nil, bool, float64, string, []byte, []interface{}, map[string]interface{}).
func (d *Document) View() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root.Value()
}

// OnChange registers fn to be called after every successful local
// Change and after every patch Merge applies, including a patch with
// no operations. Each
// subscriber is independently removable via the returned Subscription,
// so one caller's Stop never affects another's registration.
func (d *Document) OnChange(fn func(Event)) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSubID
	d.nextSubID++
	d.subscribers[id] = fn
	return &subscription{doc: d, id: id}
}

// notifyLocked is called with d.mu held. It releases the lock while the
// subscribers run, so a subscriber may read the document (View, State)
// from its callback, and takes the lock back before returning.
func (d *Document) notifyLocked(patch *Patch) {
	event := Event{Seq: d.seq, Patch: patch}
	subscribers := make([]func(Event), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		subscribers = append(subscribers, fn)
	}
	d.mu.Unlock()
	defer d.mu.Lock()
	for _, fn := range subscribers {
		fn(event)
	}
}

// nextTimestamp returns the next logical timestamp in this document's
// local session, advancing the session's clock entry.
func (d *Document) nextTimestamp() common.LogicalTimestamp {
	sidStr := d.sid.String()
	counter := d.clock[sidStr] + 1
	d.clock[sidStr] = counter
	return common.LogicalTimestamp{SID: d.sid, Counter: counter}
}

func (d *Document) addNode(node Node) {
	d.index[node.ID()] = node
	sidStr := node.ID().SID.String()
	if current, ok := d.clock[sidStr]; !ok || node.ID().Counter > current {
		d.clock[sidStr] = node.ID().Counter
	}
}

func (d *Document) getNode(id common.LogicalTimestamp) (Node, error) {
	if id.Compare(common.RootID) == 0 {
		return d.root, nil
	}
	node, ok := d.index[id]
	if !ok {
		return nil, common.ErrNodeNotFound{ID: id}
	}
	return node, nil
}

// Change runs fn against a private Txn built from a snapshot of the
// document, and only commits the resulting mutations if fn returns
// nil. A failing fn leaves the document completely unobserved — no
// partial writes are ever visible, matching the "build first, commit
// second" propagation policy used everywhere a Change feeds a
// Repository operation.
func (d *Document) Change(fn func(*Txn) error) (*Patch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	scratch, err := d.cloneLocked()
	if err != nil {
		return nil, err
	}

	txn := &Txn{doc: scratch, patch: NewPatch(scratch.nextTimestamp())}
	if err := fn(txn); err != nil {
		return nil, err
	}

	d.root = scratch.root
	d.index = scratch.index
	d.clock = scratch.clock
	d.seq++

	patch := txn.patch
	d.notifyLocked(patch)
	return patch, nil
}

// Merge applies each patch, in order, to the document. A patch whose
// operations reference nodes this document has not yet seen cannot be
// applied and is reported as an error; callers that stream patches
// out of order are expected to retry once the missing dependency
// arrives (the transport layer's responsibility, not Merge's).
func (d *Document) Merge(patches ...*Patch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, patch := range patches {
		if err := patch.apply(d); err != nil {
			return err
		}
		d.seq++
		d.notifyLocked(patch)
	}
	return nil
}

// cloneLocked deep-copies the document's current state (but not its
// subscriber list) via a JSON round trip, producing a scratch replica
// that shares this document's session so timestamps it mints stay
// monotonic once merged back.
func (d *Document) cloneLocked() (*Document, error) {
	wire, err := d.encodeLocked()
	if err != nil {
		return nil, err
	}
	scratch := &Document{peer: d.peer, sid: d.sid}
	if err := scratch.decode(wire); err != nil {
		return nil, err
	}
	// decode resets clock from the wire form; carry forward any
	// higher local counters the live document has already minted.
	for sidStr, counter := range d.clock {
		if current := scratch.clock[sidStr]; counter > current {
			scratch.clock[sidStr] = counter
		}
	}
	return scratch, nil
}

// State serializes the document's full current state.
func (d *Document) State() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodeLocked()
}

// Load reconstructs a Document from bytes previously produced by
// State, assigning it a fresh session so subsequent local Changes
// mint timestamps that cannot collide with the session that produced
// the snapshot.
func Load(peer common.PeerId, data []byte) (*Document, error) {
	doc := &Document{
		peer:        peer,
		sid:         common.NewSessionID(),
		subscribers: make(map[uint64]func(Event)),
	}
	if err := doc.decode(data); err != nil {
		return nil, err
	}
	return doc, nil
}

type wireDocument struct {
	Clock map[string]uint64 `json:"clock"`
	Root  json.RawMessage   `json:"root"`
	Nodes []json.RawMessage `json:"nodes"`
}

func (d *Document) encodeLocked() ([]byte, error) {
	rootJSON, err := json.Marshal(d.root)
	if err != nil {
		return nil, err
	}
	// Nodes are written in id order so that equal documents serialize
	// to identical bytes.
	ids := make([]common.LogicalTimestamp, 0, len(d.index))
	for id := range d.index {
		if id.Compare(common.RootID) != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	nodes := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		raw, err := json.Marshal(d.index[id])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, raw)
	}
	return json.Marshal(wireDocument{Clock: d.clock, Root: rootJSON, Nodes: nodes})
}

func (d *Document) decode(data []byte) error {
	var wire wireDocument
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	root := NewRootNode()
	if len(wire.Root) > 0 {
		if err := json.Unmarshal(wire.Root, root); err != nil {
			return err
		}
	}

	index := make(map[common.LogicalTimestamp]Node, len(wire.Nodes)+1)
	index[common.RootID] = root
	for _, raw := range wire.Nodes {
		nodeType, err := peekType(raw)
		if err != nil {
			return err
		}
		node, err := decodeNode(nodeType, raw)
		if err != nil {
			return err
		}
		index[node.ID()] = node
	}
	// Point the index at the nodes the root tree holds, so an operation
	// that targets a node by id changes the value View reads.
	var link func(Node)
	link = func(n Node) {
		index[n.ID()] = n
		switch node := n.(type) {
		case *ObjectNode:
			for _, f := range node.NodeFields {
				link(f.NodeValue)
			}
		case *ArrayNode:
			for _, e := range node.NodeElements {
				link(e.NodeValue)
			}
		}
	}
	if root.NodeValue != nil {
		link(root.NodeValue)
	}

	d.root = root
	d.index = index
	d.clock = wire.Clock
	if d.clock == nil {
		d.clock = make(map[string]uint64)
	}
	if d.subscribers == nil {
		d.subscribers = make(map[uint64]func(Event))
	}
	return nil
}
