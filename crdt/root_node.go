package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// RootNode is the fixed entry point of a Document: a ValueNode pinned
// at common.RootID. Every other node is reachable by walking from it.
type RootNode struct {
	ValueNode
}

// NewRootNode creates a root node whose register starts out empty;
// SetValue is used to point it at the document's top-level value.
func NewRootNode() *RootNode {
	return &RootNode{
		ValueNode: ValueNode{
			NodeId:        common.RootID,
			NodeTimestamp: common.RootID,
		},
	}
}

func (n *RootNode) Type() common.NodeType { return common.NodeTypeRoot }
func (n *RootNode) IsRoot() bool          { return true }

// MarshalJSON is defined directly on RootNode (rather than inherited
// from ValueNode) so the "type" tag reflects NodeTypeRoot.
func (n *RootNode) MarshalJSON() ([]byte, error) {
	wire := struct {
		Type      string                  `json:"type"`
		ID        common.LogicalTimestamp `json:"id"`
		Timestamp common.LogicalTimestamp `json:"timestamp"`
		Value     json.RawMessage         `json:"value,omitempty"`
	}{
		Type:      string(n.Type()),
		ID:        n.NodeId,
		Timestamp: n.NodeTimestamp,
	}
	if n.NodeValue != nil {
		raw, err := json.Marshal(n.NodeValue)
		if err != nil {
			return nil, err
		}
		wire.Value = raw
	}
	return json.Marshal(wire)
}

func (n *RootNode) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type      string                  `json:"type"`
		ID        common.LogicalTimestamp `json:"id"`
		Timestamp common.LogicalTimestamp `json:"timestamp"`
		Value     json.RawMessage         `json:"value,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != string(common.NodeTypeRoot) {
		return common.ErrInvalidNodeType{Type: wire.Type}
	}
	n.NodeId = wire.ID
	n.NodeTimestamp = wire.Timestamp
	if len(wire.Value) == 0 {
		return nil
	}
	valueType, err := peekType(wire.Value)
	if err != nil {
		return err
	}
	child, err := decodeNode(valueType, wire.Value)
	if err != nil {
		return err
	}
	n.NodeValue = child
	return nil
}
