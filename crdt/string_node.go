package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// StringNode is a Replicated Growable Array of characters: inserts
// and deletes use a stable causal position so concurrent edits at
// different offsets never corrupt each other's intent. File content
// for text files is stored here.
type StringNode struct {
	NodeId       common.LogicalTimestamp `json:"id"`
	NodeElements []*RGAElement           `json:"elements,omitempty"`
}

// NewStringNode creates an empty string node.
func NewStringNode(id common.LogicalTimestamp) *StringNode {
	return &StringNode{NodeId: id, NodeElements: make([]*RGAElement, 0)}
}

func (n *StringNode) ID() common.LogicalTimestamp { return n.NodeId }
func (n *StringNode) Type() common.NodeType       { return common.NodeTypeStr }

func (n *StringNode) Value() interface{} {
	var result []rune
	for _, elem := range n.NodeElements {
		if !elem.NodeDeleted {
			if c, ok := elem.NodeValue.(rune); ok {
				result = append(result, c)
			}
		}
	}
	return string(result)
}

func (n *StringNode) IsRoot() bool { return n.NodeId.Compare(common.RootID) == 0 }

// Insert splices value's runes in immediately after afterID (or at
// the head, if afterID is common.RootID), each tagged with a
// consecutive counter starting at id.
func (n *StringNode) Insert(afterID, id common.LogicalTimestamp, value string) bool {
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

	runes := []rune(value)
	newElements := make([]*RGAElement, len(runes))
	for i, c := range runes {
		newElements[i] = &RGAElement{
			NodeId:    common.LogicalTimestamp{SID: id.SID, Counter: id.Counter + uint64(i)},
			NodeValue: c,
		}
	}

	if pos == -1 {
		n.NodeElements = append(newElements, n.NodeElements...)
	} else {
		tail := append([]*RGAElement{}, n.NodeElements[pos+1:]...)
		n.NodeElements = append(append(n.NodeElements[:pos+1], newElements...), tail...)
	}
	return true
}

// Delete tombstones the inclusive run of elements from startID to
// endID.
func (n *StringNode) Delete(startID, endID common.LogicalTimestamp) bool {
	startPos, endPos := -1, -1
	for i, elem := range n.NodeElements {
		if elem.NodeId.Compare(startID) == 0 {
			startPos = i
		}
		if elem.NodeId.Compare(endID) == 0 {
			endPos = i
		}
	}
	if startPos == -1 || endPos == -1 || startPos > endPos {
		return false
	}
	for i := startPos; i <= endPos; i++ {
		n.NodeElements[i].NodeDeleted = true
	}
	return true
}

func (n *StringNode) MarshalJSON() ([]byte, error) {
	type jsonElement struct {
		ID      common.LogicalTimestamp `json:"id"`
		Value   string                  `json:"value"`
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
		var value string
		if c, ok := elem.NodeValue.(rune); ok {
			value = string(c)
		}
		wire.Elements[i] = jsonElement{ID: elem.NodeId, Value: value, Deleted: elem.NodeDeleted}
	}
	return json.Marshal(wire)
}

func (n *StringNode) UnmarshalJSON(data []byte) error {
	type jsonElement struct {
		ID      common.LogicalTimestamp `json:"id"`
		Value   string                  `json:"value"`
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
	if wire.Type != string(common.NodeTypeStr) {
		return common.ErrInvalidNodeType{Type: wire.Type}
	}
	n.NodeId = wire.ID
	n.NodeElements = make([]*RGAElement, len(wire.Elements))
	for i, elem := range wire.Elements {
		var value interface{}
		if runes := []rune(elem.Value); len(runes) == 1 {
			value = runes[0]
		}
		n.NodeElements[i] = &RGAElement{NodeId: elem.ID, NodeValue: value, NodeDeleted: elem.Deleted}
	}
	return nil
}
