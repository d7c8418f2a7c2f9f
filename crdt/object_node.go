package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// ObjectNode is a last-writer-wins object: each key holds the field
// value written at the highest LogicalTimestamp seen for that key.
// Directory entries and file metadata both live in ObjectNodes.
type ObjectNode struct {
	NodeId     common.LogicalTimestamp `json:"id"`
	NodeFields map[string]*objectField `json:"fields,omitempty"`
}

type objectField struct {
	NodeTimestamp common.LogicalTimestamp `json:"timestamp"`
	NodeValue     Node                    `json:"value"`
}

// NewObjectNode creates an empty object node.
func NewObjectNode(id common.LogicalTimestamp) *ObjectNode {
	return &ObjectNode{NodeId: id, NodeFields: make(map[string]*objectField)}
}

func (n *ObjectNode) ID() common.LogicalTimestamp { return n.NodeId }
func (n *ObjectNode) Type() common.NodeType       { return common.NodeTypeObj }

func (n *ObjectNode) Value() interface{} {
	result := make(map[string]interface{}, len(n.NodeFields))
	for key, field := range n.NodeFields {
		result[key] = field.NodeValue.Value()
	}
	return result
}

func (n *ObjectNode) IsRoot() bool { return n.NodeId.Compare(common.RootID) == 0 }

// Get returns the node at key, or nil if the key is absent.
func (n *ObjectNode) Get(key string) Node {
	if field, ok := n.NodeFields[key]; ok {
		return field.NodeValue
	}
	return nil
}

// Set writes value at key if timestamp is newer than the field's
// current write. Returns whether the write took effect.
func (n *ObjectNode) Set(key string, timestamp common.LogicalTimestamp, value Node) bool {
	field, ok := n.NodeFields[key]
	if !ok || timestamp.Compare(field.NodeTimestamp) > 0 {
		n.NodeFields[key] = &objectField{NodeTimestamp: timestamp, NodeValue: value}
		return true
	}
	return false
}

// Delete removes key if timestamp is newer than its current write.
func (n *ObjectNode) Delete(key string, timestamp common.LogicalTimestamp) bool {
	field, ok := n.NodeFields[key]
	if ok && timestamp.Compare(field.NodeTimestamp) > 0 {
		delete(n.NodeFields, key)
		return true
	}
	return false
}

// Keys returns the object's current field names, in no particular
// order; callers that need determinism should sort the result.
func (n *ObjectNode) Keys() []string {
	keys := make([]string, 0, len(n.NodeFields))
	for key := range n.NodeFields {
		keys = append(keys, key)
	}
	return keys
}

func (n *ObjectNode) MarshalJSON() ([]byte, error) {
	type jsonField struct {
		Timestamp common.LogicalTimestamp `json:"timestamp"`
		Value     json.RawMessage         `json:"value"`
	}
	wire := struct {
		Type   string                  `json:"type"`
		ID     common.LogicalTimestamp `json:"id"`
		Fields map[string]jsonField    `json:"fields,omitempty"`
	}{
		Type:   string(n.Type()),
		ID:     n.NodeId,
		Fields: make(map[string]jsonField, len(n.NodeFields)),
	}
	for key, field := range n.NodeFields {
		raw, err := json.Marshal(field.NodeValue)
		if err != nil {
			return nil, err
		}
		wire.Fields[key] = jsonField{Timestamp: field.NodeTimestamp, Value: raw}
	}
	return json.Marshal(wire)
}

func (n *ObjectNode) UnmarshalJSON(data []byte) error {
	type jsonField struct {
		Timestamp common.LogicalTimestamp `json:"timestamp"`
		Value     json.RawMessage         `json:"value"`
	}
	var wire struct {
		Type   string                  `json:"type"`
		ID     common.LogicalTimestamp `json:"id"`
		Fields map[string]jsonField    `json:"fields,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != string(common.NodeTypeObj) {
		return common.ErrInvalidNodeType{Type: wire.Type}
	}
	n.NodeId = wire.ID
	n.NodeFields = make(map[string]*objectField, len(wire.Fields))
	for key, field := range wire.Fields {
		valueType, err := peekType(field.Value)
		if err != nil {
			return err
		}
		child, err := decodeNode(valueType, field.Value)
		if err != nil {
			return err
		}
		n.NodeFields[key] = &objectField{NodeTimestamp: field.Timestamp, NodeValue: child}
	}
	return nil
}
