package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// ConstantNode holds an immutable value: created once and never
// mutated in place. Numbers, booleans and null all live here.
type ConstantNode struct {
	NodeId    common.LogicalTimestamp `json:"id"`
	NodeValue interface{}             `json:"value"`
}

// NewConstantNode creates a constant node with the given id and value.
func NewConstantNode(id common.LogicalTimestamp, value interface{}) *ConstantNode {
	return &ConstantNode{NodeId: id, NodeValue: value}
}

func (n *ConstantNode) ID() common.LogicalTimestamp { return n.NodeId }
func (n *ConstantNode) Type() common.NodeType       { return common.NodeTypeCon }
func (n *ConstantNode) Value() interface{}          { return n.NodeValue }
func (n *ConstantNode) IsRoot() bool                { return n.NodeId.Compare(common.RootID) == 0 }

func (n *ConstantNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string                  `json:"type"`
		ID    common.LogicalTimestamp `json:"id"`
		Value interface{}             `json:"value"`
	}{string(n.Type()), n.NodeId, n.NodeValue})
}

func (n *ConstantNode) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type  string                  `json:"type"`
		ID    common.LogicalTimestamp `json:"id"`
		Value interface{}             `json:"value"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != string(common.NodeTypeCon) {
		return common.ErrInvalidNodeType{Type: wire.Type}
	}
	n.NodeId = wire.ID
	n.NodeValue = wire.Value
	return nil
}
