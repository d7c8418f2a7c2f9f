package crdt

import (
	"testing"

	"github.com/tonk-labs/tonk/common"

	"github.com/stretchr/testify/assert"
)

func TestPatchEncodeDecodeRoundTrip(t *testing.T) {
	doc := NewDocument(common.NewPeerId())
	patch, err := doc.Change(func(txn *Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		return root.Set("name", String("a.txt"))
	})
	assert.NoError(t, err)

	data, err := patch.Encode()
	assert.NoError(t, err)

	decoded, err := DecodePatch(data)
	assert.NoError(t, err)
	assert.Equal(t, patch.ID, decoded.ID)
	assert.Len(t, decoded.Ops, len(patch.Ops))
}

func TestApplyOperationRejectsUnknownKind(t *testing.T) {
	doc := NewDocument(common.NewPeerId())
	err := applyOperation(doc, Operation{Kind: "bogus"})
	assert.Error(t, err)
}

func TestApplyOperationRejectsMissingTarget(t *testing.T) {
	doc := NewDocument(common.NewPeerId())
	missing := common.LogicalTimestamp{SID: common.NewSessionID(), Counter: 99}
	err := applyOperation(doc, Operation{Kind: opDelKey, Target: missing, Key: "x"})
	assert.Error(t, err)
}
