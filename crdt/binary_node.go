package crdt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tonk-labs/tonk/common"
)

// BinaryNode is an RGA-ordered sequence of byte chunks, used for file
// attachments and any content the VFS layer treats as opaque bytes
// rather than UTF-8 text. Chunks are base64-encoded in the JSON wire
// format so the document tree stays plain JSON end to end.
type BinaryNode struct {
	NodeId       common.LogicalTimestamp `json:"id"`
	NodeElements []*binaryElement        `json:"elements,omitempty"`
}

type binaryElement struct {
	NodeId      common.LogicalTimestamp `json:"id"`
	NodeValue   []byte                  `json:"value"`
	NodeDeleted bool                    `json:"deleted"`
}

// NewBinaryNode creates an empty binary node.
func NewBinaryNode(id common.LogicalTimestamp) *BinaryNode {
	return &BinaryNode{NodeId: id, NodeElements: make([]*binaryElement, 0)}
}

func (n *BinaryNode) ID() common.LogicalTimestamp { return n.NodeId }
func (n *BinaryNode) Type() common.NodeType       { return common.NodeTypeBin }

func (n *BinaryNode) Value() interface{} {
	var result []byte
	for _, elem := range n.NodeElements {
		if !elem.NodeDeleted {
			result = append(result, elem.NodeValue...)
		}
	}
	return result
}

func (n *BinaryNode) IsRoot() bool { return n.NodeId.Compare(common.RootID) == 0 }

// Length returns the number of live bytes.
func (n *BinaryNode) Length() int {
	length := 0
	for _, elem := range n.NodeElements {
		if !elem.NodeDeleted {
			length += len(elem.NodeValue)
		}
	}
	return length
}

// Insert splices data in as a single chunk immediately after afterID
// (or at the head, if afterID is common.RootID).
func (n *BinaryNode) Insert(afterID, id common.LogicalTimestamp, data []byte) bool {
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
	newElement := &binaryElement{NodeId: id, NodeValue: data}
	if pos == -1 {
		n.NodeElements = append([]*binaryElement{newElement}, n.NodeElements...)
	} else {
		tail := append([]*binaryElement{}, n.NodeElements[pos+1:]...)
		n.NodeElements = append(append(n.NodeElements[:pos+1], newElement), tail...)
	}
	return true
}

// Delete tombstones the inclusive run of chunks from startID to endID.
func (n *BinaryNode) Delete(startID, endID common.LogicalTimestamp) bool {
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

func (n *BinaryNode) MarshalJSON() ([]byte, error) {
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
		wire.Elements[i] = jsonElement{
			ID:      elem.NodeId,
			Value:   base64.StdEncoding.EncodeToString(elem.NodeValue),
			Deleted: elem.NodeDeleted,
		}
	}
	return json.Marshal(wire)
}

func (n *BinaryNode) UnmarshalJSON(data []byte) error {
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
	if wire.Type != string(common.NodeTypeBin) {
		return common.ErrInvalidNodeType{Type: wire.Type}
	}
	n.NodeId = wire.ID
	n.NodeElements = make([]*binaryElement, len(wire.Elements))
	for i, elem := range wire.Elements {
		raw, err := base64.StdEncoding.DecodeString(elem.Value)
		if err != nil {
			return fmt.Errorf("crdt: decoding binary chunk: %w", err)
		}
		n.NodeElements[i] = &binaryElement{NodeId: elem.ID, NodeValue: raw, NodeDeleted: elem.Deleted}
	}
	return nil
}
