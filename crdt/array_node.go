package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// ArrayNode is a Replicated Growable Array whose elements are child
// Nodes rather than raw values, letting directory-listing order and
// ordered attachment lists hold structured values. Deletes tombstone
// in place, same as StringNode, so concurrent inserts keep a stable
// relative order.
type ArrayNode struct {
	NodeId       common.LogicalTimestamp `json:"id"`
	NodeElements []*arrayElement         `json:"elements,omitempty"`
}

type arrayElement struct {
	NodeId      common.LogicalTimestamp `json:"id"`
	NodeValue   Node                    `json:"value"`
	NodeDeleted bool                    `json:"deleted"`
}

// NewArrayNode creates an empty array node.
func NewArrayNode(id common.LogicalTimestamp) *ArrayNode {
	return &ArrayNode{NodeId: id, NodeElements: make([]*arrayElement, 0)}
}

func (n *ArrayNode) ID() common.LogicalTimestamp { return n.NodeId }
func (n *ArrayNode) Type() common.NodeType       { return common.NodeTypeArr }

func (n *ArrayNode) Value() interface{} {
	result := make([]interface{}, 0, len(n.NodeElements))
	for _, elem := range n.NodeElements {
		if !elem.NodeDeleted {
			result = append(result, elem.NodeValue.Value())
		}
	}
	return result
}

func (n *ArrayNode) IsRoot() bool { return n.NodeId.Compare(common.RootID) == 0 }

// Length returns the number of live (non-tombstoned) elements.
func (n *ArrayNode) Length() int {
	count := 0
	for _, elem := range n.NodeElements {
		if !elem.NodeDeleted {
			count++
		}
	}
	return count
}

// Get returns the live element at the given visible index.
func (n *ArrayNode) Get(index int) (Node, error) {
	if index < 0 {
		return nil, common.ErrInvalidOperation{Message: "array index cannot be negative"}
	}
	visible := 0
	for _, elem := range n.NodeElements {
		if elem.NodeDeleted {
			continue
		}
		if visible == index {
			return elem.NodeValue, nil
		}
		visible++
	}
	return nil, common.ErrInvalidOperation{Message: "array index out of bounds"}
}

// Insert splices value in immediately after afterID (or at the head,
// if afterID is common.RootID).
func (n *ArrayNode) Insert(afterID, id common.LogicalTimestamp, value Node) bool {
	pos := -1
	for i, elem := range n.NodeElements {
		if elem.NodeId.Compare(afterID) == 0 {
			pos = i
			break
		}
	}
	if pos == -1 && afterID.Compare(common.RootID) != 0 {
		return false
	}
	newElement := &arrayElement{NodeId: id, NodeValue: value}
	if pos == -1 {
		n.NodeElements = append([]*arrayElement{newElement}, n.NodeElements...)
	} else {
		tail := append([]*arrayElement{}, n.NodeElements[pos+1:]...)
		n.NodeElements = append(append(n.NodeElements[:pos+1], newElement), tail...)
	}
	return true
}

// Delete tombstones the element with the given id.
func (n *ArrayNode) Delete(id common.LogicalTimestamp) bool {
	for _, elem := range n.NodeElements {
		if elem.NodeId.Compare(id) == 0 {
			elem.NodeDeleted = true
			return true
		}
	}
	return false
}

func (n *ArrayNode) MarshalJSON() ([]byte, error) {
	type jsonElement struct {
		ID      common.LogicalTimestamp `json:"id"`
		Value   json.RawMessage         `json:"value"`
		Deleted bool                    `json:"deleted"`
	}
	wire := struct {
		Type     string                  `json:"type"`
		ID       common.LogicalTimestamp `json:"id"`
		Elements []jsonElement           `json:"elements,omitempty"`
	}{
		Type:     string(n.Type()),
		ID:       n.NodeId,
		Elements: make([]jsonElement, len(n.NodeElements)),
	}
	for i, elem := range n.NodeElements {
		raw, err := json.Marshal(elem.NodeValue)
		if err != nil {
			return nil, err
		}
		wire.Elements[i] = jsonElement{ID: elem.NodeId, Value: raw, Deleted: elem.NodeDeleted}
	}
	return json.Marshal(wire)
}

func (n *ArrayNode) UnmarshalJSON(data []byte) error {
	type jsonElement struct {
		ID      common.LogicalTimestamp `json:"id"`
		Value   json.RawMessage         `json:"value"`
		Deleted bool                    `json:"deleted"`
	}
	var wire struct {
		Type     string                  `json:"type"`
		ID       common.LogicalTimestamp `json:"id"`
		Elements []jsonElement           `json:"elements,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != string(common.NodeTypeArr) {
		return common.ErrInvalidNodeType{Type: wire.Type}
	}
	n.NodeId = wire.ID
	n.NodeElements = make([]*arrayElement, len(wire.Elements))
	for i, elem := range wire.Elements {
		valueType, err := peekType(elem.Value)
		if err != nil {
			return err
		}
		child, err := decodeNode(valueType, elem.Value)
		if err != nil {
			return err
		}
		n.NodeElements[i] = &arrayElement{NodeId: elem.ID, NodeValue: child, NodeDeleted: elem.Deleted}
	}
	return nil
}
