package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// Txn is the mutation surface a Document.Change callback receives. Every
// handle method both mutates Txn's private scratch document immediately
// and appends the equivalent Operation to the patch being built, so the
// two always agree and the resulting Patch replays to the same state on
// any other replica that already holds its target nodes.
type Txn struct {
	doc   *Document
	patch *Patch
}

// do applies op against the scratch document and records it in the
// patch, in that order, so a failing op never gets recorded.
func (t *Txn) do(op Operation) error {
	if err := applyOperation(t.doc, op); err != nil {
		return err
	}
	t.patch.add(op)
	return nil
}

// Root returns a handle onto the document's top-level object, creating
// one if the document is empty.
func (t *Txn) Root() (*ObjectHandle, error) {
	if obj, ok := t.doc.root.NodeValue.(*ObjectNode); ok {
		return &ObjectHandle{txn: t, node: obj}, nil
	}
	childID := t.doc.nextTimestamp()
	if err := t.do(Operation{Kind: opNew, ID: childID, NodeType: common.NodeTypeObj}); err != nil {
		return nil, err
	}
	setID := t.doc.nextTimestamp()
	if err := t.do(Operation{Kind: opSet, ID: setID, Target: common.RootID, Ref: &childID}); err != nil {
		return nil, err
	}
	return &ObjectHandle{txn: t, node: t.doc.root.NodeValue.(*ObjectNode)}, nil
}

// ObjectHandle is a Txn-scoped view onto an ObjectNode.
type ObjectHandle struct {
	txn  *Txn
	node *ObjectNode
}

// Get returns the field at key and whether it was present.
func (h *ObjectHandle) Get(key string) (Value, bool) {
	child := h.node.Get(key)
	if child == nil {
		return Value{}, false
	}
	return ValueOf(child.Value()), true
}

// Set writes a scalar (or nested array/object-shaped) Value at key.
func (h *ObjectHandle) Set(key string, value Value) error {
	raw, err := json.Marshal(nativeValue(value))
	if err != nil {
		return err
	}
	id := h.txn.doc.nextTimestamp()
	return h.txn.do(Operation{Kind: opSet, ID: id, Target: h.node.NodeId, Key: key, Value: raw})
}

// Delete removes key, if present.
func (h *ObjectHandle) Delete(key string) error {
	id := h.txn.doc.nextTimestamp()
	return h.txn.do(Operation{Kind: opDelKey, ID: id, Target: h.node.NodeId, Key: key})
}

// Keys lists the object's current field names.
func (h *ObjectHandle) Keys() []string { return h.node.Keys() }

// Object returns a handle onto the nested object at key, creating one
// if key is absent or holds a different node kind.
func (h *ObjectHandle) Object(key string) (*ObjectHandle, error) {
	if existing, ok := h.node.Get(key).(*ObjectNode); ok {
		return &ObjectHandle{txn: h.txn, node: existing}, nil
	}
	child, err := h.attachContainer(key, common.NodeTypeObj)
	if err != nil {
		return nil, err
	}
	return &ObjectHandle{txn: h.txn, node: child.(*ObjectNode)}, nil
}

// Text returns a handle onto the nested text node at key, creating one
// if key is absent or holds a different node kind.
func (h *ObjectHandle) Text(key string) (*TextHandle, error) {
	if existing, ok := h.node.Get(key).(*StringNode); ok {
		return &TextHandle{txn: h.txn, node: existing}, nil
	}
	child, err := h.attachContainer(key, common.NodeTypeStr)
	if err != nil {
		return nil, err
	}
	return &TextHandle{txn: h.txn, node: child.(*StringNode)}, nil
}

// Array returns a handle onto the nested array node at key, creating
// one if key is absent or holds a different node kind.
func (h *ObjectHandle) Array(key string) (*ArrayHandle, error) {
	if existing, ok := h.node.Get(key).(*ArrayNode); ok {
		return &ArrayHandle{txn: h.txn, node: existing}, nil
	}
	child, err := h.attachContainer(key, common.NodeTypeArr)
	if err != nil {
		return nil, err
	}
	return &ArrayHandle{txn: h.txn, node: child.(*ArrayNode)}, nil
}

// Bytes returns a handle onto the nested binary node at key, creating
// one if key is absent or holds a different node kind.
func (h *ObjectHandle) Bytes(key string) (*BytesHandle, error) {
	if existing, ok := h.node.Get(key).(*BinaryNode); ok {
		return &BytesHandle{txn: h.txn, node: existing}, nil
	}
	child, err := h.attachContainer(key, common.NodeTypeBin)
	if err != nil {
		return nil, err
	}
	return &BytesHandle{txn: h.txn, node: child.(*BinaryNode)}, nil
}

// attachContainer creates an empty node of nodeType and points key at
// it via Operation.Ref, the opNew-then-opSet pair every nested
// container field goes through.
func (h *ObjectHandle) attachContainer(key string, nodeType common.NodeType) (Node, error) {
	childID := h.txn.doc.nextTimestamp()
	if err := h.txn.do(Operation{Kind: opNew, ID: childID, NodeType: nodeType}); err != nil {
		return nil, err
	}
	setID := h.txn.doc.nextTimestamp()
	if err := h.txn.do(Operation{Kind: opSet, ID: setID, Target: h.node.NodeId, Key: key, Ref: &childID}); err != nil {
		return nil, err
	}
	return h.node.Get(key), nil
}

// TextHandle is a Txn-scoped view onto a StringNode.
type TextHandle struct {
	txn  *Txn
	node *StringNode
}

// String returns the text's current value.
func (h *TextHandle) String() string {
	s, _ := h.node.Value().(string)
	return s
}

// Insert splices s in at the given rune offset.
func (h *TextHandle) Insert(pos int, s string) error {
	afterID, err := h.positionID(pos)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	id := h.txn.doc.nextTimestamp()
	// StringNode.Insert gives each rune after the first the next
	// counter in id's session, so those counters are reserved too.
	for i := 1; i < len([]rune(s)); i++ {
		h.txn.doc.nextTimestamp()
	}
	return h.txn.do(Operation{Kind: opInsStr, ID: id, Target: h.node.NodeId, After: afterID, Value: raw})
}

// Delete removes the half-open rune range [start, end).
func (h *TextHandle) Delete(start, end int) error {
	if end <= start {
		return nil
	}
	startID, err := h.visibleID(start)
	if err != nil {
		return err
	}
	endID, err := h.visibleID(end - 1)
	if err != nil {
		return err
	}
	id := h.txn.doc.nextTimestamp()
	return h.txn.do(Operation{Kind: opDelStr, ID: id, Target: h.node.NodeId, Start: startID, End: endID})
}

// positionID returns the id to insert after for an insert at pos (the
// id of the pos-1'th visible rune, or common.RootID at pos 0).
func (h *TextHandle) positionID(pos int) (common.LogicalTimestamp, error) {
	if pos == 0 {
		return common.RootID, nil
	}
	return h.visibleID(pos - 1)
}

func (h *TextHandle) visibleID(pos int) (common.LogicalTimestamp, error) {
	if pos < 0 {
		return common.LogicalTimestamp{}, common.ErrInvalidOperation{Message: "text position cannot be negative"}
	}
	visible := 0
	for _, elem := range h.node.NodeElements {
		if elem.NodeDeleted {
			continue
		}
		if visible == pos {
			return elem.NodeId, nil
		}
		visible++
	}
	return common.LogicalTimestamp{}, common.ErrInvalidOperation{Message: "text position out of bounds"}
}

// ArrayHandle is a Txn-scoped view onto an ArrayNode.
type ArrayHandle struct {
	txn  *Txn
	node *ArrayNode
}

// Length returns the number of live elements.
func (h *ArrayHandle) Length() int { return h.node.Length() }

// Get returns the scalar value at index.
func (h *ArrayHandle) Get(index int) (Value, error) {
	node, err := h.node.Get(index)
	if err != nil {
		return Value{}, err
	}
	return ValueOf(node.Value()), nil
}

// Append adds value as the array's new last element.
func (h *ArrayHandle) Append(value Value) error {
	raw, err := json.Marshal(nativeValue(value))
	if err != nil {
		return err
	}
	id := h.txn.doc.nextTimestamp()
	return h.txn.do(Operation{Kind: opInsArr, ID: id, Target: h.node.NodeId, After: h.lastID(), Value: raw})
}

// AppendObject appends a new nested object and returns a handle onto it.
func (h *ArrayHandle) AppendObject() (*ObjectHandle, error) {
	node, err := h.appendContainer(common.NodeTypeObj)
	if err != nil {
		return nil, err
	}
	return &ObjectHandle{txn: h.txn, node: node.(*ObjectNode)}, nil
}

// AppendArray appends a new nested array and returns a handle onto it.
func (h *ArrayHandle) AppendArray() (*ArrayHandle, error) {
	node, err := h.appendContainer(common.NodeTypeArr)
	if err != nil {
		return nil, err
	}
	return &ArrayHandle{txn: h.txn, node: node.(*ArrayNode)}, nil
}

// AppendText appends a new nested text node and returns a handle onto it.
func (h *ArrayHandle) AppendText() (*TextHandle, error) {
	node, err := h.appendContainer(common.NodeTypeStr)
	if err != nil {
		return nil, err
	}
	return &TextHandle{txn: h.txn, node: node.(*StringNode)}, nil
}

// AppendBytes appends a new nested binary node and returns a handle onto it.
func (h *ArrayHandle) AppendBytes() (*BytesHandle, error) {
	node, err := h.appendContainer(common.NodeTypeBin)
	if err != nil {
		return nil, err
	}
	return &BytesHandle{txn: h.txn, node: node.(*BinaryNode)}, nil
}

func (h *ArrayHandle) appendContainer(nodeType common.NodeType) (Node, error) {
	childID := h.txn.doc.nextTimestamp()
	if err := h.txn.do(Operation{Kind: opNew, ID: childID, NodeType: nodeType}); err != nil {
		return nil, err
	}
	insID := h.txn.doc.nextTimestamp()
	if err := h.txn.do(Operation{Kind: opInsArr, ID: insID, Target: h.node.NodeId, After: h.lastID(), Ref: &childID}); err != nil {
		return nil, err
	}
	return h.node.Get(h.node.Length() - 1)
}

// Delete tombstones the element at index.
func (h *ArrayHandle) Delete(index int) error {
	elemID, err := h.idAt(index)
	if err != nil {
		return err
	}
	return h.txn.do(Operation{Kind: opDelArr, ID: elemID, Target: h.node.NodeId})
}

func (h *ArrayHandle) idAt(index int) (common.LogicalTimestamp, error) {
	if index < 0 {
		return common.LogicalTimestamp{}, common.ErrInvalidOperation{Message: "array index cannot be negative"}
	}
	visible := 0
	for _, elem := range h.node.NodeElements {
		if elem.NodeDeleted {
			continue
		}
		if visible == index {
			return elem.NodeId, nil
		}
		visible++
	}
	return common.LogicalTimestamp{}, common.ErrInvalidOperation{Message: "array index out of bounds"}
}

func (h *ArrayHandle) lastID() common.LogicalTimestamp {
	last := common.RootID
	for _, elem := range h.node.NodeElements {
		if !elem.NodeDeleted {
			last = elem.NodeId
		}
	}
	return last
}

// BytesHandle is a Txn-scoped view onto a BinaryNode.
type BytesHandle struct {
	txn  *Txn
	node *BinaryNode
}

// Value returns the binary content's current bytes.
func (h *BytesHandle) Value() []byte {
	v, _ := h.node.Value().([]byte)
	return v
}

// Append adds data as a new chunk at the end of the content.
func (h *BytesHandle) Append(data []byte) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	id := h.txn.doc.nextTimestamp()
	return h.txn.do(Operation{Kind: opInsBin, ID: id, Target: h.node.NodeId, After: h.lastID(), Value: raw})
}

func (h *BytesHandle) lastID() common.LogicalTimestamp {
	last := common.RootID
	for _, elem := range h.node.NodeElements {
		if !elem.NodeDeleted {
			last = elem.NodeId
		}
	}
	return last
}
