package vfs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tonk-labs/tonk/common"
	"github.com/tonk-labs/tonk/crdt"
	"github.com/tonk-labs/tonk/repo"
)

// NodeType tags what a PathIndex entry points at.
type NodeType string

const (
	NodeTypeDirectory NodeType = "directory"
	NodeTypeDocument  NodeType = "document"
)

// NodeDescriptor is the value stored at each PathIndex entry: what
// kind of node lives at this path, which document holds its content,
// and when it was created/last modified.
type NodeDescriptor struct {
	NodeType  NodeType
	NodeDocID common.DocumentId
	Created   int64
	Modified  int64
}

func (d NodeDescriptor) toValue() crdt.Value {
	return crdt.Object(map[string]crdt.Value{
		"node_type":   crdt.String(string(d.NodeType)),
		"node_doc_id": crdt.String(string(d.NodeDocID)),
		"pointer":     crdt.String(string(d.NodeDocID)),
		"timestamps": crdt.Object(map[string]crdt.Value{
			"created":  crdt.Number(float64(d.Created)),
			"modified": crdt.Number(float64(d.Modified)),
		}),
	})
}

func descriptorFromValue(v crdt.Value) (NodeDescriptor, error) {
	if v.Kind != crdt.KindObject {
		return NodeDescriptor{}, fmt.Errorf("vfs: malformed path index entry")
	}
	ts := v.Object["timestamps"]
	return NodeDescriptor{
		NodeType:  NodeType(v.Object["node_type"].Str),
		NodeDocID: common.DocumentId(v.Object["node_doc_id"].Str),
		Created:   int64(ts.Object["created"].Number),
		Modified:  int64(ts.Object["modified"].Number),
	}, nil
}

// PathIndex is the authoritative directory graph: a single
// crdt.Document, owned by a repo.Repository, whose root object maps
// normalized absolute paths to NodeDescriptor values.
type PathIndex struct {
	repo *repo.Repository
	id   common.DocumentId
}

// NewPathIndex creates a fresh, empty PathIndex document in r.
func NewPathIndex(ctx context.Context, r *repo.Repository) (*PathIndex, error) {
	id, _, err := r.CreateDocument(ctx)
	if err != nil {
		return nil, err
	}
	return &PathIndex{repo: r, id: id}, nil
}

// OpenPathIndex wraps an existing PathIndex document, identified by
// id, already known to r (e.g. loaded from a bundle's rootId).
func OpenPathIndex(r *repo.Repository, id common.DocumentId) *PathIndex {
	return &PathIndex{repo: r, id: id}
}

// ID returns the DocumentId backing this PathIndex (the bundle's rootId).
func (p *PathIndex) ID() common.DocumentId { return p.id }

func (p *PathIndex) view(ctx context.Context) (map[string]interface{}, error) {
	doc, err := p.repo.FindDocument(ctx, p.id)
	if err != nil {
		return nil, err
	}
	view, _ := doc.View().(map[string]interface{})
	return view, nil
}

// Get looks up the descriptor stored at path, if any.
func (p *PathIndex) Get(ctx context.Context, path string) (NodeDescriptor, bool, error) {
	view, err := p.view(ctx)
	if err != nil {
		return NodeDescriptor{}, false, err
	}
	raw, ok := view[path]
	if !ok {
		return NodeDescriptor{}, false, nil
	}
	desc, err := descriptorFromValue(crdt.ValueOf(raw))
	if err != nil {
		return NodeDescriptor{}, false, err
	}
	return desc, true, nil
}

// Exists reports whether path has an entry.
func (p *PathIndex) Exists(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	_, ok, err := p.Get(ctx, path)
	return ok, err
}

// Insert adds a new entry at path. The caller is responsible for
// checking AlreadyExists/ParentMissing before calling.
func (p *PathIndex) Insert(ctx context.Context, path string, desc NodeDescriptor) error {
	_, err := p.repo.UpdateDocument(ctx, p.id, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		return root.Set(path, desc.toValue())
	})
	return err
}

// Remove deletes the entry at path.
func (p *PathIndex) Remove(ctx context.Context, path string) error {
	_, err := p.repo.UpdateDocument(ctx, p.id, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		return root.Delete(path)
	})
	return err
}

// ChildPaths returns the direct children of dir, sorted by name.
func (p *PathIndex) ChildPaths(ctx context.Context, dir string) ([]string, error) {
	view, err := p.view(ctx)
	if err != nil {
		return nil, err
	}

	prefix := dir
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}

	var children []string
	for path := range view {
		if path == dir || !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if !strings.Contains(rest, "/") {
			children = append(children, path)
		}
	}
	sort.Strings(children)
	return children, nil
}

// DescendantPaths returns every entry whose path is dir or lies
// strictly beneath it, used by recursive delete and directory rename.
func (p *PathIndex) DescendantPaths(ctx context.Context, dir string) ([]string, error) {
	view, err := p.view(ctx)
	if err != nil {
		return nil, err
	}
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}

	var out []string
	for path := range view {
		if path == dir || strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Rename moves the entry (and, for directories, every descendant) from
// oldPath to newPath in a single CRDT change, preserving
// timestamps.created and refreshing timestamps.modified.
func (p *PathIndex) Rename(ctx context.Context, oldPath, newPath string, now int64) error {
	descendants, err := p.DescendantPaths(ctx, oldPath)
	if err != nil {
		return err
	}

	_, err = p.repo.UpdateDocument(ctx, p.id, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		for _, src := range descendants {
			v, ok := root.Get(src)
			if !ok {
				continue
			}
			desc, err := descriptorFromValue(v)
			if err != nil {
				return err
			}
			desc.Modified = now

			dst := newPath + strings.TrimPrefix(src, oldPath)
			if err := root.Delete(src); err != nil {
				return err
			}
			if err := root.Set(dst, desc.toValue()); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}
