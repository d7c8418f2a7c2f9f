package vfs

import (
	"context"
	"sync"

	"github.com/tonk-labs/tonk/common"
	"github.com/tonk-labs/tonk/crdt"
)

// Watcher is a handle to an active file or directory subscription.
// Callbacks may be invoked more than once for the same logical state
// (at-least-once delivery); callers should treat them as idempotent.
type Watcher struct {
	stop func()
	once sync.Once
}

// Stop detaches the watcher. After it returns, the callback will not
// be invoked again.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		if w.stop != nil {
			w.stop()
		}
	})
}

// WatchFile invokes cb whenever the document backing path changes.
// Because the subscription is attached to the resolved DocumentId
// rather than the path string, a later rename of path does not
// interrupt the watch — the PathIndex entry moves, the node document
// (and this subscription) does not.
func (v *VFS) WatchFile(ctx context.Context, path string, cb func()) (*Watcher, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	desc, ok, err := v.index.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.FileSystemError{Code: "NotFound", Path: path}
	}

	doc, err := v.repo.FindDocument(ctx, desc.NodeDocID)
	if err != nil {
		return nil, err
	}
	sub := doc.OnChange(safeCallback(cb))
	return &Watcher{stop: sub.Stop}, nil
}

// WatchDirectory invokes cb whenever a direct child of path is added,
// removed, or modified. It does not fire for changes nested deeper
// than one level. It fires only for changes to a child's PathIndex
// entry: UpdateFile refreshes the child's modified time there and so
// fires it, while an edit made to the child's document without going
// through the PathIndex does not (that is what WatchFile observes).
func (v *VFS) WatchDirectory(ctx context.Context, path string, cb func()) (*Watcher, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if path != "/" {
		desc, ok, err := v.index.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, common.FileSystemError{Code: "NotFound", Path: path}
		}
		if desc.NodeType != NodeTypeDirectory {
			return nil, common.FileSystemError{Code: "NotADirectory", Path: path}
		}
	}

	indexDoc, err := v.repo.FindDocument(ctx, v.index.ID())
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	lastChildren := map[string]NodeDescriptor{}
	snapshot := func() (map[string]NodeDescriptor, error) {
		children, err := v.index.ChildPaths(context.Background(), path)
		if err != nil {
			return nil, err
		}
		out := make(map[string]NodeDescriptor, len(children))
		for _, c := range children {
			if desc, ok, err := v.index.Get(context.Background(), c); err == nil && ok {
				out[c] = desc
			}
		}
		return out, nil
	}
	if snap, err := snapshot(); err == nil {
		lastChildren = snap
	}

	sub := indexDoc.OnChange(safeCallback(func() {
		mu.Lock()
		defer mu.Unlock()
		current, err := snapshot()
		if err != nil {
			return
		}
		if childrenChanged(lastChildren, current) {
			lastChildren = current
			cb()
		}
	}))
	return &Watcher{stop: sub.Stop}, nil
}

func childrenChanged(prev, next map[string]NodeDescriptor) bool {
	if len(prev) != len(next) {
		return true
	}
	for path, desc := range next {
		old, ok := prev[path]
		if !ok || old.Modified != desc.Modified || old.NodeDocID != desc.NodeDocID {
			return true
		}
	}
	return false
}

// safeCallback adapts a vfs.Watcher callback to crdt.Document's
// Event-carrying signature, and recovers a panicking callback so one
// broken watcher does not take down the document's other subscribers.
func safeCallback(cb func()) func(crdt.Event) {
	return func(crdt.Event) {
		defer func() { recover() }()
		cb()
	}
}
