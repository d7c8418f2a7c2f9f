package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// ValueNode is a last-writer-wins register: its child may be replaced
// wholesale by a later write, with ties broken by LogicalTimestamp.
// A Document's root is a ValueNode pointing at the document's actual
// top-level value.
type ValueNode struct {
	NodeId        common.LogicalTimestamp `json:"id"`
	NodeTimestamp common.LogicalTimestamp `json:"timestamp"`
	NodeValue     Node                    `json:"value,omitempty"`
}

// NewValueNode creates a LWW value node pointing at value, written at
// timestamp.
func NewValueNode(id, timestamp common.LogicalTimestamp, value Node) *ValueNode {
	return &ValueNode{NodeId: id, NodeTimestamp: timestamp, NodeValue: value}
}

func (n *ValueNode) ID() common.LogicalTimestamp { return n.NodeId }
func (n *ValueNode) Type() common.NodeType       { return common.NodeTypeVal }
func (n *ValueNode) Value() interface{} {
	if n.NodeValue == nil {
		return nil
	}
	return n.NodeValue.Value()
}
func (n *ValueNode) IsRoot() bool                            { return n.NodeId.Compare(common.RootID) == 0 }
func (n *ValueNode) Timestamp() common.LogicalTimestamp      { return n.NodeTimestamp }

// SetValue replaces the register's child if timestamp is strictly
// newer than the current write. Returns whether the write took effect.
func (n *ValueNode) SetValue(timestamp common.LogicalTimestamp, value Node) bool {
	if timestamp.Compare(n.NodeTimestamp) > 0 {
		n.NodeTimestamp = timestamp
		n.NodeValue = value
		return true
	}
	return false
}

func (n *ValueNode) MarshalJSON() ([]byte, error) {
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

func (n *ValueNode) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type      string                  `json:"type"`
		ID        common.LogicalTimestamp `json:"id"`
		Timestamp common.LogicalTimestamp `json:"timestamp"`
		Value     json.RawMessage         `json:"value,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != string(common.NodeTypeVal) {
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
