// Package repo owns the set of crdt.Documents a process is responsible
// for and the plumbing that keeps them in sync with remote peers. It
// generalizes luvjson/crdtstorage's storageImpl, with sync reduced to a
// plain channel contract: every persisted change is queued on one
// outbound channel that a synctransport.Transport drains, and inbound
// messages are applied through ApplyRemoteMessage.
package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tonk-labs/tonk/bundle"
	"github.com/tonk-labs/tonk/common"
	"github.com/tonk-labs/tonk/crdt"
	"github.com/tonk-labs/tonk/synctransport"
	"github.com/tonk-labs/tonk/tonklog"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// OutboundMessage is a patch or a full document state addressed to
// every connected peer, queued
// for synctransport.Transport to drain and ship over the wire.
type OutboundMessage struct {
	DocumentID common.DocumentId
	Data       []byte
}

// Repository owns a set of documents, persists them, and exposes the
// channel-based sync contract synctransport.Transport consumes.
type Repository struct {
	peerID      common.PeerId
	sharePolicy common.SharePolicy
	backend     Backend

	mutex     sync.RWMutex
	documents map[common.DocumentId]*crdt.Document
	subs      map[common.DocumentId]crdt.Subscription
	metadata  map[common.DocumentId]map[string]string

	outbound  chan OutboundMessage
	callbacks []func(common.DocumentId)

	transport         *synctransport.Transport
	transportOutbound chan synctransport.Outbound

	// autoPersistInterval, when non-zero, starts a background ticker per
	// document that re-persists its current state even without a local
	// change, so a long-lived process doesn't depend solely on
	// change-triggered persistence. Off by default.
	autoPersistInterval time.Duration
	stopAutoPersist     map[common.DocumentId]chan struct{}
}

// Backend is the subset of storage.Backend the repository depends on,
// named locally so repo does not import storage directly and create a
// dependency cycle risk as the module grows.
type Backend interface {
	Put(ctx context.Context, id common.DocumentId, data []byte) error
	Get(ctx context.Context, id common.DocumentId) ([]byte, error)
	Delete(ctx context.Context, id common.DocumentId) error
	ListIDs(ctx context.Context) ([]common.DocumentId, error)
}

// New creates a Repository backed by backend, identified by peerID,
// applying sharePolicy to decide which documents get announced to
// peers that have not asked for them by id.
func New(peerID common.PeerId, sharePolicy common.SharePolicy, backend Backend) *Repository {
	return &Repository{
		peerID:          peerID,
		sharePolicy:     sharePolicy,
		backend:         backend,
		documents:       make(map[common.DocumentId]*crdt.Document),
		subs:            make(map[common.DocumentId]crdt.Subscription),
		metadata:        make(map[common.DocumentId]map[string]string),
		stopAutoPersist: make(map[common.DocumentId]chan struct{}),
		outbound:        make(chan OutboundMessage, 256),
	}
}

// WithAutoPersist enables a background ticker that re-persists every
// tracked document's current state every interval, independent of
// local changes. Off by default; most callers serialize a bundle
// on-demand, but a long-lived server-hosted repository benefits from
// not losing unsynced in-memory state to a crash between changes.
func (r *Repository) WithAutoPersist(interval time.Duration) *Repository {
	r.autoPersistInterval = interval
	return r
}

// PeerID returns the identifier this repository presents to peers.
func (r *Repository) PeerID() common.PeerId { return r.peerID }

// SharePolicy returns whether this repository announces documents
// proactively (generous) or only on explicit request (deny).
func (r *Repository) SharePolicy() common.SharePolicy { return r.sharePolicy }

// CreateDocument allocates a new empty document, persists it, and
// starts tracking it for sync broadcast.
func (r *Repository) CreateDocument(ctx context.Context) (common.DocumentId, *crdt.Document, error) {
	id := common.NewDocumentId()
	doc := crdt.NewDocument(r.peerID)

	r.mutex.Lock()
	r.documents[id] = doc
	r.subs[id] = doc.OnChange(r.broadcastOn(id, doc))
	r.mutex.Unlock()
	r.startAutoPersist(id, doc)

	if err := r.persist(ctx, id, doc, nil); err != nil {
		return "", nil, err
	}
	return id, doc, nil
}

// FindDocument returns the document for id, loading it from the
// backend on first access.
func (r *Repository) FindDocument(ctx context.Context, id common.DocumentId) (*crdt.Document, error) {
	r.mutex.RLock()
	doc, ok := r.documents[id]
	r.mutex.RUnlock()
	if ok {
		return doc, nil
	}

	r.mutex.Lock()
	if doc, ok := r.documents[id]; ok {
		r.mutex.Unlock()
		return doc, nil
	}

	data, err := r.backend.Get(ctx, id)
	if err != nil {
		r.mutex.Unlock()
		return nil, errors.Wrapf(err, "repo: load document %s", id)
	}
	doc, err = crdt.Load(r.peerID, data)
	if err != nil {
		r.mutex.Unlock()
		return nil, errors.Wrapf(err, "repo: decode document %s", id)
	}
	r.documents[id] = doc
	r.subs[id] = doc.OnChange(r.broadcastOn(id, doc))
	r.mutex.Unlock()
	r.startAutoPersist(id, doc)
	return doc, nil
}

// findOrCreateDocument behaves like FindDocument, except that an id
// absent from both the in-memory set and the backend yields a fresh
// empty document instead of an error — the path ApplyRemoteMessage
// takes for a document id it is learning about for the first time.
func (r *Repository) findOrCreateDocument(ctx context.Context, id common.DocumentId) (*crdt.Document, error) {
	r.mutex.RLock()
	doc, ok := r.documents[id]
	r.mutex.RUnlock()
	if ok {
		return doc, nil
	}

	r.mutex.Lock()
	if doc, ok := r.documents[id]; ok {
		r.mutex.Unlock()
		return doc, nil
	}

	data, err := r.backend.Get(ctx, id)
	switch {
	case err == nil:
		doc, err = crdt.Load(r.peerID, data)
		if err != nil {
			r.mutex.Unlock()
			return nil, errors.Wrapf(err, "repo: decode document %s", id)
		}
	case errors.Is(err, common.ErrNotFound):
		doc = crdt.NewDocument(r.peerID)
	default:
		r.mutex.Unlock()
		return nil, errors.Wrapf(err, "repo: load document %s", id)
	}
	r.documents[id] = doc
	r.subs[id] = doc.OnChange(r.broadcastOn(id, doc))
	r.mutex.Unlock()
	r.startAutoPersist(id, doc)
	return doc, nil
}

// UpdateDocument runs fn against the document's mutation surface,
// persists the result, and queues the resulting patch for broadcast.
func (r *Repository) UpdateDocument(ctx context.Context, id common.DocumentId, fn func(*crdt.Txn) error) (*crdt.Patch, error) {
	doc, err := r.FindDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	patch, err := doc.Change(fn)
	if err != nil {
		return nil, err
	}
	patchData, err := patch.Encode()
	if err != nil {
		return nil, fmt.Errorf("repo: encode patch: %w", err)
	}
	if err := r.persist(ctx, id, doc, patchData); err != nil {
		return nil, err
	}
	return patch, nil
}

// ApplyRemoteMessage merges a patch received from peerID into its
// target document and re-persists it. Unlike FindDocument, an id this
// repository has never seen before is not an error: the first inbound
// patch for a document is how a peer learns of its existence purely
// through sync traffic, without ever calling CreateDocument itself.
func (r *Repository) ApplyRemoteMessage(ctx context.Context, peerID common.PeerId, id common.DocumentId, data []byte) error {
	doc, err := r.findOrCreateDocument(ctx, id)
	if err != nil {
		return err
	}
	patch, err := crdt.DecodePatch(data)
	if err != nil {
		return errors.Wrap(err, "repo: decode remote patch")
	}
	if err := doc.Merge(patch); err != nil {
		return errors.Wrap(err, "repo: merge remote patch")
	}
	tonklog.Debug("applied remote patch", zap.String("peer", peerID.String()), zap.String("document", id.String()))
	return r.persist(ctx, id, doc, data)
}

// OutboundMessages returns the channel every persisted change is
// queued onto (local patches, re-queued remote patches, and full
// states) for transport to drain and broadcast to peers.
func (r *Repository) OutboundMessages() <-chan OutboundMessage { return r.outbound }

// RegisterSyncCallback registers fn to run whenever a document changes
// locally, whether from UpdateDocument or ApplyRemoteMessage.
func (r *Repository) RegisterSyncCallback(fn func(common.DocumentId)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Connect dials url over WebSocket and starts draining OutboundMessages
// into it while feeding every inbound frame into ApplyRemoteMessage,
// realizing the host API's connect_websocket(url) operation.
func (r *Repository) Connect(ctx context.Context, url string) error {
	return r.connect(ctx, url, nil)
}

// ConnectWithDialer behaves like Connect but overrides the transport's
// dialer, the same seam synctransport.Transport.WithDialer exposes —
// used by tests to connect two in-process Repositories over a fake
// connection instead of a real socket.
func (r *Repository) ConnectWithDialer(ctx context.Context, url string, dial synctransport.Dialer) error {
	return r.connect(ctx, url, dial)
}

func (r *Repository) connect(ctx context.Context, url string, dial synctransport.Dialer) error {
	r.mutex.Lock()
	if r.transport != nil {
		r.mutex.Unlock()
		return common.ConnectionError{Code: "AlreadyConnected", Message: "repository already has a transport"}
	}
	outboundCh := make(chan synctransport.Outbound, 256)
	tr := synctransport.New(r.peerID, url, outboundCh, r.onRemoteFrame)
	if dial != nil {
		tr = tr.WithDialer(dial)
	}
	r.transport = tr
	r.transportOutbound = outboundCh
	r.mutex.Unlock()

	go r.pumpOutbound(outboundCh)
	tr.Start(ctx)
	return nil
}

// onRemoteFrame applies one inbound sync frame, logging (rather than
// returning) failures: a single malformed/unmergeable frame must not
// take down the transport's receive loop.
func (r *Repository) onRemoteFrame(peerID common.PeerId, id common.DocumentId, data []byte) {
	if err := r.ApplyRemoteMessage(context.Background(), peerID, id, data); err != nil {
		tonklog.Warn("failed to apply remote sync frame", zap.String("peer", peerID.String()), zap.String("document", id.String()), zap.Error(err))
	}
}

// pumpOutbound forwards every broadcast this repository produces onto
// the transport's outbound channel, until OutboundMessages is closed
// by Close.
func (r *Repository) pumpOutbound(dst chan synctransport.Outbound) {
	for msg := range r.outbound {
		select {
		case dst <- synctransport.Outbound{DocumentID: msg.DocumentID, Data: msg.Data}:
		default:
			tonklog.Warn("transport outbound queue full, dropping broadcast", zap.String("document", msg.DocumentID.String()))
		}
	}
	close(dst)
}

// IsConnected reports whether the repository's transport, if any, is
// currently connected to its relay.
func (r *Repository) IsConnected() bool {
	r.mutex.RLock()
	tr := r.transport
	r.mutex.RUnlock()
	return tr != nil && tr.State() == synctransport.StateConnected
}

// snapshot gathers the latest persisted state of every document this
// repository knows about (the storage backend is always authoritative:
// persist writes it synchronously before any broadcast is queued).
func (r *Repository) snapshot(ctx context.Context) (map[common.DocumentId][]byte, error) {
	ids, err := r.backend.ListIDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "repo: list documents for snapshot")
	}
	out := make(map[common.DocumentId][]byte, len(ids))
	for _, id := range ids {
		data, err := r.backend.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "repo: read document %s for snapshot", id)
		}
		out[id] = data
	}
	return out, nil
}

// ToBytes serializes every tracked document into a bundle rooted at
// rootID (normally the VFS PathIndex document's id) and returns the
// bundle's ZIP bytes, realizing the host API's to_bytes operation.
func (r *Repository) ToBytes(ctx context.Context, rootID common.DocumentId) ([]byte, error) {
	docs, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	b := bundle.NewWithRoot(rootID)
	for id, data := range docs {
		if err := b.PutDocument(id, data); err != nil {
			return nil, err
		}
	}
	return b.ToBytes()
}

// ForkToBytes behaves like ToBytes but serializes under a freshly
// generated root id (bundle.Bundle.Fork semantics), so the resulting
// bytes describe a bundle that can never converge with this
// repository's own documents via CRDT merge, realizing the host API's
// fork_to_bytes operation.
func (r *Repository) ForkToBytes(ctx context.Context, rootID common.DocumentId) ([]byte, error) {
	docs, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	b := bundle.NewWithRoot(rootID)
	for id, data := range docs {
		if err := b.PutDocument(id, data); err != nil {
			return nil, err
		}
	}
	return b.Fork().ToBytes()
}

// Metadata returns the unstructured metadata map attached to id, or
// nil if none has been set.
func (r *Repository) Metadata(id common.DocumentId) map[string]string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.metadata[id]
}

// SetMetadata replaces the metadata map attached to id. It is an
// extension point for callers (bundle manifests, VFS node records)
// and is never interpreted by the repository itself.
func (r *Repository) SetMetadata(id common.DocumentId, meta map[string]string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.metadata[id] = meta
}

// startAutoPersist launches a background ticker that re-persists doc's
// state every autoPersistInterval, even without a local change. A
// no-op when auto-persist was never enabled via WithAutoPersist.
func (r *Repository) startAutoPersist(id common.DocumentId, doc *crdt.Document) {
	if r.autoPersistInterval <= 0 {
		return
	}
	r.mutex.Lock()
	stop := make(chan struct{})
	r.stopAutoPersist[id] = stop
	r.mutex.Unlock()

	go func() {
		ticker := time.NewTicker(r.autoPersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := r.persist(context.Background(), id, doc, nil); err != nil {
					tonklog.Warn("auto-persist failed", zap.String("document", id.String()), zap.Error(err))
				}
			}
		}
	}()
}

func (r *Repository) broadcastOn(id common.DocumentId, doc *crdt.Document) func(crdt.Event) {
	return func(crdt.Event) {
		r.mutex.RLock()
		callbacks := append([]func(common.DocumentId){}, r.callbacks...)
		r.mutex.RUnlock()
		for _, cb := range callbacks {
			cb(id)
		}
	}
}

// persist writes doc's full state to the backend. If broadcastData is
// non-nil it is queued on the outbound channel verbatim (a patch, the
// cheap thing to ship); otherwise the just-written state is queued,
// which happens for a brand new empty document and on every
// auto-persist tick.
func (r *Repository) persist(ctx context.Context, id common.DocumentId, doc *crdt.Document, broadcastData []byte) error {
	state, err := doc.State()
	if err != nil {
		return fmt.Errorf("repo: encode document %s: %w", id, err)
	}
	if err := r.backend.Put(ctx, id, state); err != nil {
		return errors.Wrapf(err, "repo: persist document %s", id)
	}

	if broadcastData == nil {
		broadcastData = state
	}
	select {
	case r.outbound <- OutboundMessage{DocumentID: id, Data: broadcastData}:
	default:
		tonklog.Warn("outbound queue full, dropping broadcast", zap.String("document", id.String()))
	}
	return nil
}

// Close stops watching all documents for change notifications, halts
// any auto-persist tickers, and disconnects the transport if one was
// attached via Connect/ConnectWithDialer.
func (r *Repository) Close() error {
	r.mutex.Lock()
	tr := r.transport
	for _, sub := range r.subs {
		sub.Stop()
	}
	for _, stop := range r.stopAutoPersist {
		close(stop)
	}
	r.mutex.Unlock()

	if tr != nil {
		tr.Close()
	}
	close(r.outbound)
	return nil
}
