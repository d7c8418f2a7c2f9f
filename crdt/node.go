// Package crdt implements the JSON-CRDT node tree that backs every
// tonk Document: constant values, a last-writer-wins register, a
// last-writer-wins object, and RGA-ordered strings/arrays/binary
// blobs. Conflicts resolve deterministically from each node's
// LogicalTimestamp, so any two replicas that have seen the same set
// of patches converge to the same value.
package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// Node is the common interface implemented by every CRDT node kind.
type Node interface {
	ID() common.LogicalTimestamp
	Type() common.NodeType
	Value() interface{}
	IsRoot() bool
	json.Marshaler
	json.Unmarshaler
}

// RGAElement is one slot in StringNode's RGA-ordered sequence (ArrayNode
// and BinaryNode use their own element types of the same shape): a
// causally unique id, a payload, and a
// tombstone bit. Deleted elements are kept, not removed, so every
// replica agrees on ordering regardless of delivery order.
type RGAElement struct {
	NodeId      common.LogicalTimestamp `json:"id"`
	NodeValue   interface{}             `json:"value"`
	NodeDeleted bool                    `json:"deleted"`
}

// decodeNode allocates the concrete Node implementation for a type
// tag and unmarshals data into it. Used by every container node's
// UnmarshalJSON to reconstruct typed children.
func decodeNode(nodeType common.NodeType, data []byte) (Node, error) {
	var node Node
	switch nodeType {
	case common.NodeTypeCon:
		node = &ConstantNode{}
	case common.NodeTypeVal:
		node = &ValueNode{}
	case common.NodeTypeObj:
		node = &ObjectNode{}
	case common.NodeTypeStr:
		node = &StringNode{}
	case common.NodeTypeArr:
		node = &ArrayNode{}
	case common.NodeTypeBin:
		node = &BinaryNode{}
	case common.NodeTypeRoot:
		node = &RootNode{}
	default:
		return nil, common.ErrInvalidNodeType{Type: string(nodeType)}
	}
	if err := json.Unmarshal(data, node); err != nil {
		return nil, err
	}
	return node, nil
}

// peekType reads just the "type" discriminator out of a node's JSON
// encoding without decoding the rest of it.
func peekType(data []byte) (common.NodeType, error) {
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return "", err
	}
	return common.NodeType(tagged.Type), nil
}
