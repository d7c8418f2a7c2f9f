package repo_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tonk-labs/tonk/common"
	"github.com/tonk-labs/tonk/repo"
	"github.com/tonk-labs/tonk/storage"
	"github.com/tonk-labs/tonk/synctransport"
	"github.com/tonk-labs/tonk/vfs"

	"github.com/stretchr/testify/require"
)

// pipeConn is an in-memory synctransport.Conn: frames written on one
// end arrive on the other's ReadMessage, standing in for a relay
// WebSocket connection between two peers without a real socket.
type pipeConn struct {
	write     chan<- []byte
	read      <-chan []byte
	closeOnce sync.Once
}

// newPipe returns two Conns, each other's peer: writes on one are
// reads on the other.
func newPipe() (synctransport.Conn, synctransport.Conn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	return &pipeConn{write: aToB, read: bToA}, &pipeConn{write: bToA, read: aToB}
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-p.read
	if !ok {
		return 0, nil, common.ConnectionError{Code: "PipeClosed", Message: "peer closed"}
	}
	return 2, data, nil
}

func (p *pipeConn) WriteMessage(_ int, data []byte) error {
	if len(data) == 0 {
		return nil // health-check pings carry no payload; nothing to deliver
	}
	cp := append([]byte(nil), data...)
	p.write <- cp
	return nil
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.write) })
	return nil
}

// TestTwoRepositoriesConvergeOverSyncTransport exercises S5: two
// independent Repository+VFS pairs, connected only through
// synctransport.Transport, converge on each other's writes. Peer B
// never calls CreateDocument for peer A's PathIndex or its file node
// — it learns both ids purely from inbound sync traffic, the case
// TestApplyRemoteMessageMergesPatch (which creates the id locally
// before applying the remote patch) does not cover.
func TestTwoRepositoriesConvergeOverSyncTransport(t *testing.T) {
	ctx := context.Background()

	backendA := storage.NewMemory()
	repoA := repo.New(common.NewPeerId(), common.SharePolicyGenerous, backendA)
	defer repoA.Close()

	fsA, err := vfs.Init(ctx, repoA)
	require.NoError(t, err)
	require.NoError(t, fsA.CreateFile(ctx, "/hello.txt", "from-a"))

	backendB := storage.NewMemory()
	repoB := repo.New(common.NewPeerId(), common.SharePolicyGenerous, backendB)
	defer repoB.Close()

	connA, connB := newPipe()

	connectCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, repoA.ConnectWithDialer(connectCtx, "pipe://a", func(context.Context, string) (synctransport.Conn, error) {
		return connA, nil
	}))
	require.NoError(t, repoB.ConnectWithDialer(connectCtx, "pipe://b", func(context.Context, string) (synctransport.Conn, error) {
		return connB, nil
	}))

	require.Eventually(t, repoA.IsConnected, time.Second, 5*time.Millisecond)
	require.Eventually(t, repoB.IsConnected, time.Second, 5*time.Millisecond)

	var fsB *vfs.VFS
	require.Eventually(t, func() bool {
		fsB = vfs.New(repoB, fsA.IndexID())
		content, err := fsB.ReadFile(ctx, "/hello.txt")
		return err == nil && content.Content == "from-a"
	}, 2*time.Second, 10*time.Millisecond, "repoB never converged on repoA's file purely through sync traffic")

	require.NoError(t, fsB.CreateFile(ctx, "/from-b.txt", "from-b"))
	require.Eventually(t, func() bool {
		content, err := fsA.ReadFile(ctx, "/from-b.txt")
		return err == nil && content.Content == "from-b"
	}, 2*time.Second, 10*time.Millisecond, "repoA never converged on repoB's file")

	// Invariant 8: once both directions have synced, the shared
	// PathIndex document is bitwise identical on both sides.
	require.Eventually(t, func() bool {
		docA, err := repoA.FindDocument(ctx, fsA.IndexID())
		if err != nil {
			return false
		}
		docB, err := repoB.FindDocument(ctx, fsA.IndexID())
		if err != nil {
			return false
		}
		stateA, err := docA.State()
		if err != nil {
			return false
		}
		stateB, err := docB.State()
		if err != nil {
			return false
		}
		return bytes.Equal(stateA, stateB)
	}, 2*time.Second, 10*time.Millisecond, "PathIndex documents never converged to a bitwise-identical state")
}
