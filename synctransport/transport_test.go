package synctransport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tonk-labs/tonk/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn: WriteMessage records frames,
// ReadMessage serves from a channel fed by the test.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	inbound chan []byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, assert.AnError
	}
	return 2, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte{}, c.written...)
}

func (c *fakeConn) sendEnvelope(t *testing.T, env envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	c.inbound <- data
}

func waitForState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport never reached state %s, last was %s", want, tr.State())
}

func TestTransportConnectsAndDeliversOutbound(t *testing.T) {
	conn := newFakeConn()
	outbound := make(chan Outbound, 4)
	peerID := common.NewPeerId()
	docID := common.NewDocumentId()

	var received [][]byte
	var mu sync.Mutex
	tr := New(peerID, "ws://fake", outbound, func(_ common.PeerId, _ common.DocumentId, data []byte) {
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
	}).WithDialer(func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	waitForState(t, tr, StateConnected)

	outbound <- Outbound{DocumentID: docID, Data: []byte("patch-1")}

	require.Eventually(t, func() bool {
		return len(conn.writtenFrames()) > 0
	}, time.Second, 5*time.Millisecond)

	var sent envelope
	require.NoError(t, json.Unmarshal(conn.writtenFrames()[0], &sent))
	assert.Equal(t, peerID, sent.PeerID)
	assert.Equal(t, docID, sent.DocumentID)
	assert.Equal(t, []byte("patch-1"), sent.Data)
}

func TestTransportDeliversInboundFrames(t *testing.T) {
	conn := newFakeConn()
	outbound := make(chan Outbound)
	remotePeer := common.NewPeerId()
	docID := common.NewDocumentId()

	var received []envelope
	var mu sync.Mutex
	tr := New(common.NewPeerId(), "ws://fake", outbound, func(peerID common.PeerId, id common.DocumentId, data []byte) {
		mu.Lock()
		received = append(received, envelope{PeerID: peerID, DocumentID: id, Data: data})
		mu.Unlock()
	}).WithDialer(func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	waitForState(t, tr, StateConnected)

	conn.sendEnvelope(t, envelope{PeerID: remotePeer, DocumentID: docID, Data: []byte("remote-patch")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, remotePeer, received[0].PeerID)
	assert.Equal(t, docID, received[0].DocumentID)
	assert.Equal(t, []byte("remote-patch"), received[0].Data)
}

func TestTransportReestablishesWatchersOnConnect(t *testing.T) {
	conn := newFakeConn()
	outbound := make(chan Outbound)

	tr := New(common.NewPeerId(), "ws://fake", outbound, func(common.PeerId, common.DocumentId, []byte) {}).
		WithDialer(func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		})

	var calls int
	var mu sync.Mutex
	tr.RegisterWatcher(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	waitForState(t, tr, StateConnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTransportGivesUpAfterMaxAttemptsWithoutContinuousRetry(t *testing.T) {
	outbound := make(chan Outbound)
	attempts := 0
	var mu sync.Mutex

	tr := New(common.NewPeerId(), "ws://fake", outbound, func(common.PeerId, common.DocumentId, []byte) {}).
		WithDialer(func(ctx context.Context, url string) (Conn, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, assert.AnError
		}).
		WithBackoff(time.Millisecond, 5*time.Millisecond).
		ContinuousRetry(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	waitForState(t, tr, StateFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, MaxAttempts, attempts)
}

func TestTransportCloseTransitionsToDisconnected(t *testing.T) {
	conn := newFakeConn()
	outbound := make(chan Outbound)

	tr := New(common.NewPeerId(), "ws://fake", outbound, func(common.PeerId, common.DocumentId, []byte) {}).
		WithDialer(func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		})

	ctx := context.Background()
	tr.Start(ctx)
	waitForState(t, tr, StateConnected)

	tr.Close()
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestTransportPathIndexSyncTimesOutWithoutInboundMessage(t *testing.T) {
	conn := newFakeConn()
	outbound := make(chan Outbound)

	tr := New(common.NewPeerId(), "ws://fake", outbound, func(common.PeerId, common.DocumentId, []byte) {}).
		WithDialer(func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		}).
		WithPathIndexSyncTimeout(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	waitForState(t, tr, StateConnected)

	assert.False(t, tr.PathIndexSynced())
	require.Eventually(t, tr.PathIndexSynced, time.Second, 2*time.Millisecond,
		"expected PathIndexSynced to become true once the timeout elapses")
}

func TestTransportPathIndexSyncCompletesEarlyOnInboundMessage(t *testing.T) {
	conn := newFakeConn()
	outbound := make(chan Outbound)

	tr := New(common.NewPeerId(), "ws://fake", outbound, func(common.PeerId, common.DocumentId, []byte) {}).
		WithDialer(func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		}).
		WithPathIndexSyncTimeout(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	waitForState(t, tr, StateConnected)

	assert.False(t, tr.PathIndexSynced())
	conn.sendEnvelope(t, envelope{PeerID: common.NewPeerId(), DocumentID: common.NewDocumentId(), Data: []byte("x")})

	require.Eventually(t, tr.PathIndexSynced, time.Second, 2*time.Millisecond,
		"expected an inbound frame to close the sync window immediately, not after a minute")
}
