package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// OperationKind tags a Patch operation's wire shape.
type OperationKind string

const (
	opNew    OperationKind = "new"
	opSet    OperationKind = "set"
	opDelKey OperationKind = "delkey"
	opInsStr OperationKind = "ins_str"
	opDelStr OperationKind = "del_str"
	opInsArr OperationKind = "ins_arr"
	opDelArr OperationKind = "del_arr"
	opInsBin OperationKind = "ins_bin"
	opDelBin OperationKind = "del_bin"
)

// Operation is one step of a Patch. Each variant carries enough
// information to replay against any replica that already has the
// target node, the way the teacher's crdtpatch.Operation family does,
// generalized here to cover object, array, string and binary targets
// uniformly instead of just object/string.
type Operation struct {
	Kind     OperationKind            `json:"op"`
	ID       common.LogicalTimestamp  `json:"id"`
	Target   common.LogicalTimestamp  `json:"target,omitempty"`
	NodeType common.NodeType          `json:"nodeType,omitempty"`
	Key      string                   `json:"key,omitempty"`
	After    common.LogicalTimestamp  `json:"after,omitempty"`
	Value    json.RawMessage          `json:"value,omitempty"`
	// Ref points an opSet/opInsArr operation at a node already created
	// by an earlier opNew in the same patch, instead of an inline
	// scalar Value — how a container (object/array/string/binary) gets
	// attached under a register or object field.
	Ref   *common.LogicalTimestamp `json:"ref,omitempty"`
	Start common.LogicalTimestamp  `json:"start,omitempty"`
	End   common.LogicalTimestamp  `json:"end,omitempty"`
}

// Patch is the unit of replication: a named, ordered list of
// Operations produced by one Document.Change call. Applying the same
// Patch to any replica that already holds its target nodes produces
// the same resulting state, regardless of what else that replica has
// applied concurrently.
type Patch struct {
	ID       common.LogicalTimestamp `json:"id"`
	Metadata map[string]string       `json:"meta,omitempty"`
	Ops      []Operation             `json:"ops"`
}

// NewPatch creates an empty patch stamped with id.
func NewPatch(id common.LogicalTimestamp) *Patch {
	return &Patch{ID: id, Ops: make([]Operation, 0)}
}

func (p *Patch) add(op Operation) { p.Ops = append(p.Ops, op) }

// Encode serializes the patch to its JSON wire form.
func (p *Patch) Encode() ([]byte, error) { return json.Marshal(p) }

// DecodePatch parses a patch previously produced by Encode.
func DecodePatch(data []byte) (*Patch, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// apply replays every operation in the patch against doc.
func (p *Patch) apply(doc *Document) error {
	for _, op := range p.Ops {
		if err := applyOperation(doc, op); err != nil {
			return err
		}
	}
	return nil
}

func applyOperation(doc *Document, op Operation) error {
	switch op.Kind {
	case opNew:
		if _, err := doc.getNode(op.ID); err == nil {
			break // already present: replaying the patch keeps the existing node
		}
		node, err := newNodeFromOp(op)
		if err != nil {
			return err
		}
		doc.addNode(node)

	case opSet:
		target, err := doc.getNode(op.Target)
		if err != nil {
			return err
		}
		var valueNode Node
		if op.Ref != nil {
			valueNode, err = doc.getNode(*op.Ref)
			if err != nil {
				return err
			}
		} else {
			var raw interface{}
			if len(op.Value) > 0 {
				if err := json.Unmarshal(op.Value, &raw); err != nil {
					return err
				}
			}
			constant := NewConstantNode(op.ID, raw)
			doc.addNode(constant)
			valueNode = constant
		}
		switch node := target.(type) {
		case *RootNode:
			node.SetValue(op.ID, valueNode)
		case *ValueNode:
			node.SetValue(op.ID, valueNode)
		case *ObjectNode:
			node.Set(op.Key, op.ID, valueNode)
		default:
			return common.ErrInvalidOperation{Message: "set: unsupported target node"}
		}

	case opDelKey:
		target, err := doc.getNode(op.Target)
		if err != nil {
			return err
		}
		obj, ok := target.(*ObjectNode)
		if !ok {
			return common.ErrInvalidOperation{Message: "delkey: target is not an object"}
		}
		obj.Delete(op.Key, op.ID)

	case opInsStr:
		target, err := doc.getNode(op.Target)
		if err != nil {
			return err
		}
		str, ok := target.(*StringNode)
		if !ok {
			return common.ErrInvalidOperation{Message: "ins_str: target is not a string"}
		}
		var text string
		if err := json.Unmarshal(op.Value, &text); err != nil {
			return err
		}
		str.Insert(op.After, op.ID, text)

	case opDelStr:
		target, err := doc.getNode(op.Target)
		if err != nil {
			return err
		}
		str, ok := target.(*StringNode)
		if !ok {
			return common.ErrInvalidOperation{Message: "del_str: target is not a string"}
		}
		str.Delete(op.Start, op.End)

	case opInsArr:
		target, err := doc.getNode(op.Target)
		if err != nil {
			return err
		}
		arr, ok := target.(*ArrayNode)
		if !ok {
			return common.ErrInvalidOperation{Message: "ins_arr: target is not an array"}
		}
		var child Node
		if op.Ref != nil {
			child, err = doc.getNode(*op.Ref)
			if err != nil {
				return err
			}
		} else {
			var raw interface{}
			if len(op.Value) > 0 {
				if err := json.Unmarshal(op.Value, &raw); err != nil {
					return err
				}
			}
			constant := NewConstantNode(op.ID, raw)
			doc.addNode(constant)
			child = constant
		}
		arr.Insert(op.After, op.ID, child)

	case opDelArr:
		target, err := doc.getNode(op.Target)
		if err != nil {
			return err
		}
		arr, ok := target.(*ArrayNode)
		if !ok {
			return common.ErrInvalidOperation{Message: "del_arr: target is not an array"}
		}
		arr.Delete(op.ID)

	case opInsBin:
		target, err := doc.getNode(op.Target)
		if err != nil {
			return err
		}
		bin, ok := target.(*BinaryNode)
		if !ok {
			return common.ErrInvalidOperation{Message: "ins_bin: target is not binary"}
		}
		var data []byte
		if err := json.Unmarshal(op.Value, &data); err != nil {
			return err
		}
		bin.Insert(op.After, op.ID, data)

	case opDelBin:
		target, err := doc.getNode(op.Target)
		if err != nil {
			return err
		}
		bin, ok := target.(*BinaryNode)
		if !ok {
			return common.ErrInvalidOperation{Message: "del_bin: target is not binary"}
		}
		bin.Delete(op.Start, op.End)

	default:
		return common.ErrInvalidOperation{Message: "unknown operation kind: " + string(op.Kind)}
	}
	return nil
}

// newNodeFromOp allocates the node a "new" operation introduces, from
// its NodeType and (for leaf kinds) embedded value.
func newNodeFromOp(op Operation) (Node, error) {
	switch op.NodeType {
	case common.NodeTypeCon:
		var raw interface{}
		if len(op.Value) > 0 {
			if err := json.Unmarshal(op.Value, &raw); err != nil {
				return nil, err
			}
		}
		return NewConstantNode(op.ID, raw), nil
	case common.NodeTypeVal:
		return NewValueNode(op.ID, op.ID, NewConstantNode(op.ID, nil)), nil
	case common.NodeTypeObj:
		return NewObjectNode(op.ID), nil
	case common.NodeTypeStr:
		return NewStringNode(op.ID), nil
	case common.NodeTypeArr:
		return NewArrayNode(op.ID), nil
	case common.NodeTypeBin:
		return NewBinaryNode(op.ID), nil
	default:
		return nil, common.ErrInvalidNodeType{Type: string(op.NodeType)}
	}
}
