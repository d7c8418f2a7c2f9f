package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tonk-labs/tonk/common"
	"github.com/tonk-labs/tonk/crdt"
	"github.com/tonk-labs/tonk/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndFindDocument(t *testing.T) {
	ctx := context.Background()
	r := New(common.NewPeerId(), common.SharePolicyDeny, storage.NewMemory())

	id, doc, err := r.CreateDocument(ctx)
	require.NoError(t, err)
	assert.NotNil(t, doc)

	found, err := r.FindDocument(ctx, id)
	require.NoError(t, err)
	assert.Same(t, doc, found)
}

func TestUpdateDocumentQueuesOutboundMessage(t *testing.T) {
	ctx := context.Background()
	r := New(common.NewPeerId(), common.SharePolicyGenerous, storage.NewMemory())

	id, _, err := r.CreateDocument(ctx)
	require.NoError(t, err)

	<-r.OutboundMessages() // drain the initial empty-document broadcast

	_, err = r.UpdateDocument(ctx, id, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		return root.Set("name", crdt.String("a.txt"))
	})
	require.NoError(t, err)

	msg := <-r.OutboundMessages()
	assert.Equal(t, id, msg.DocumentID)
	assert.NotEmpty(t, msg.Data)
}

func TestApplyRemoteMessageMergesPatch(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	local := New(common.NewPeerId(), common.SharePolicyDeny, backend)
	id, _, err := local.CreateDocument(ctx)
	require.NoError(t, err)

	remotePeer := common.NewPeerId()
	remoteDoc := crdt.NewDocument(remotePeer)
	patch, err := remoteDoc.Change(func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		return root.Set("name", crdt.String("remote.txt"))
	})
	require.NoError(t, err)
	data, err := patch.Encode()
	require.NoError(t, err)

	require.NoError(t, local.ApplyRemoteMessage(ctx, remotePeer, id, data))

	doc, err := local.FindDocument(ctx, id)
	require.NoError(t, err)
	view := doc.View().(map[string]interface{})
	assert.Equal(t, "remote.txt", view["name"])
}

func TestRegisterSyncCallbackFiresOnLocalChange(t *testing.T) {
	ctx := context.Background()
	r := New(common.NewPeerId(), common.SharePolicyDeny, storage.NewMemory())

	var notified []common.DocumentId
	r.RegisterSyncCallback(func(id common.DocumentId) {
		notified = append(notified, id)
	})

	id, _, err := r.CreateDocument(ctx)
	require.NoError(t, err)
	<-r.OutboundMessages()

	_, err = r.UpdateDocument(ctx, id, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		return root.Set("k", crdt.Number(1))
	})
	require.NoError(t, err)

	require.Len(t, notified, 1)
	assert.Equal(t, id, notified[0])
}

func TestPeerIDAndSharePolicy(t *testing.T) {
	peer := common.NewPeerId()
	r := New(peer, common.SharePolicyGenerous, storage.NewMemory())
	assert.Equal(t, peer, r.PeerID())
	assert.Equal(t, common.SharePolicyGenerous, r.SharePolicy())
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := New(common.NewPeerId(), common.SharePolicyDeny, storage.NewMemory())

	id, _, err := r.CreateDocument(ctx)
	require.NoError(t, err)

	assert.Nil(t, r.Metadata(id))
	r.SetMetadata(id, map[string]string{"mime": "text/plain"})
	assert.Equal(t, map[string]string{"mime": "text/plain"}, r.Metadata(id))
}

func TestAutoPersistRepersistsWithoutLocalChange(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	r := New(common.NewPeerId(), common.SharePolicyDeny, backend).WithAutoPersist(5 * time.Millisecond)
	defer r.Close()

	id, _, err := r.CreateDocument(ctx)
	require.NoError(t, err)
	<-r.OutboundMessages() // initial broadcast from CreateDocument

	require.Eventually(t, func() bool {
		select {
		case msg := <-r.OutboundMessages():
			return msg.DocumentID == id
		default:
			return false
		}
	}, time.Second, 2*time.Millisecond, "expected at least one auto-persist broadcast")
}
