package vfs

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/tonk-labs/tonk/common"
	"github.com/tonk-labs/tonk/crdt"
	"github.com/tonk-labs/tonk/repo"
)

// VFS composes the PathIndex with per-node documents into the full
// operation table: create/read/update/delete/list/exists/metadata/
// rename/watch, all funneled through a single repo.Repository.
type VFS struct {
	repo  *repo.Repository
	index *PathIndex
}

// New wraps r's PathIndex (identified by indexID) into a VFS.
func New(r *repo.Repository, indexID common.DocumentId) *VFS {
	return &VFS{repo: r, index: OpenPathIndex(r, indexID)}
}

// Init creates a brand new PathIndex and wraps it, for an empty bundle.
func Init(ctx context.Context, r *repo.Repository) (*VFS, error) {
	index, err := NewPathIndex(ctx, r)
	if err != nil {
		return nil, err
	}
	return &VFS{repo: r, index: index}, nil
}

// IndexID returns the DocumentId of the underlying PathIndex.
func (v *VFS) IndexID() common.DocumentId { return v.index.ID() }

// FileContent is the structured result of ReadFile.
type FileContent struct {
	Name       string
	Type       NodeType
	Content    interface{}
	Bytes      []byte
	HasBytes   bool
	Timestamps Timestamps
}

// Timestamps are millisecond-since-epoch creation/modification marks.
type Timestamps struct {
	Created  int64
	Modified int64
}

// NodeMetadata is the result of GetMetadata.
type NodeMetadata struct {
	Name       string
	Type       NodeType
	Timestamps Timestamps
}

// DirEntry is one row of a ListDirectory result.
type DirEntry struct {
	Name       string
	Type       NodeType
	Timestamps Timestamps
	Pointer    common.DocumentId
}

func now() int64 { return time.Now().UnixMilli() }

func (v *VFS) requireParent(ctx context.Context, path string) error {
	parent, ok := ParentOf(path)
	if !ok {
		return nil // path is the root itself, which has no parent
	}
	exists, err := v.index.Exists(ctx, parent)
	if err != nil {
		return err
	}
	if !exists {
		return common.FileSystemError{Code: "ParentMissing", Path: path}
	}
	return nil
}

// CreateDirectory creates an empty directory at path.
func (v *VFS) CreateDirectory(ctx context.Context, path string) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if exists, err := v.index.Exists(ctx, path); err != nil {
		return err
	} else if exists {
		return common.FileSystemError{Code: "AlreadyExists", Path: path}
	}
	if err := v.requireParent(ctx, path); err != nil {
		return err
	}

	id, _, err := v.repo.CreateDocument(ctx)
	if err != nil {
		return err
	}
	if _, err := v.repo.UpdateDocument(ctx, id, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		if err := root.Set("name", crdt.String(Basename(path))); err != nil {
			return err
		}
		return root.Set("type", crdt.String(string(NodeTypeDirectory)))
	}); err != nil {
		return err
	}

	ts := now()
	return v.index.Insert(ctx, path, NodeDescriptor{NodeType: NodeTypeDirectory, NodeDocID: id, Created: ts, Modified: ts})
}

// CreateFile creates a new file node at path holding content.
func (v *VFS) CreateFile(ctx context.Context, path string, content interface{}) error {
	return v.createFile(ctx, path, content, nil, false)
}

// CreateFileWithBytes creates a new file node at path holding both a
// JSON metadata value and a raw byte payload.
func (v *VFS) CreateFileWithBytes(ctx context.Context, path string, content interface{}, data []byte) error {
	return v.createFile(ctx, path, content, data, true)
}

func (v *VFS) createFile(ctx context.Context, path string, content interface{}, data []byte, withBytes bool) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if exists, err := v.index.Exists(ctx, path); err != nil {
		return err
	} else if exists {
		return common.FileSystemError{Code: "AlreadyExists", Path: path}
	}
	if err := v.requireParent(ctx, path); err != nil {
		return err
	}

	id, _, err := v.repo.CreateDocument(ctx)
	if err != nil {
		return err
	}
	if _, err := v.repo.UpdateDocument(ctx, id, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		if err := root.Set("name", crdt.String(Basename(path))); err != nil {
			return err
		}
		if err := root.Set("type", crdt.String(string(NodeTypeDocument))); err != nil {
			return err
		}
		if err := root.Set("content", crdt.ValueOf(content)); err != nil {
			return err
		}
		if withBytes {
			return root.Set("bytes", crdt.String(base64.StdEncoding.EncodeToString(data)))
		}
		return nil
	}); err != nil {
		return err
	}

	ts := now()
	return v.index.Insert(ctx, path, NodeDescriptor{NodeType: NodeTypeDocument, NodeDocID: id, Created: ts, Modified: ts})
}

// ReadFile returns the full content of the file at path.
func (v *VFS) ReadFile(ctx context.Context, path string) (FileContent, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return FileContent{}, err
	}
	desc, ok, err := v.index.Get(ctx, path)
	if err != nil {
		return FileContent{}, err
	}
	if !ok {
		return FileContent{}, common.FileSystemError{Code: "NotFound", Path: path}
	}
	if desc.NodeType == NodeTypeDirectory {
		return FileContent{}, common.FileSystemError{Code: "IsDirectory", Path: path}
	}

	doc, err := v.repo.FindDocument(ctx, desc.NodeDocID)
	if err != nil {
		return FileContent{}, err
	}
	view, _ := doc.View().(map[string]interface{})

	result := FileContent{
		Name:       stringField(view, "name"),
		Type:       desc.NodeType,
		Content:    view["content"],
		Timestamps: Timestamps{Created: desc.Created, Modified: desc.Modified},
	}
	if raw, ok := view["bytes"].(string); ok {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err == nil {
			result.Bytes = data
			result.HasBytes = true
		}
	}
	return result, nil
}

func stringField(view map[string]interface{}, key string) string {
	if view == nil {
		return ""
	}
	s, _ := view[key].(string)
	return s
}

// UpdateFile overwrites content and leaves any bytes payload as it is.
// It returns whether the file was already present.
func (v *VFS) UpdateFile(ctx context.Context, path string, content interface{}) (bool, error) {
	return v.updateFile(ctx, path, content, nil, false)
}

// UpdateFileWithBytes overwrites both content and the bytes payload.
func (v *VFS) UpdateFileWithBytes(ctx context.Context, path string, content interface{}, data []byte) (bool, error) {
	return v.updateFile(ctx, path, content, data, true)
}

func (v *VFS) updateFile(ctx context.Context, path string, content interface{}, data []byte, withBytes bool) (bool, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return false, err
	}
	desc, ok, err := v.index.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if desc.NodeType != NodeTypeDocument {
		return false, common.FileSystemError{Code: "IsDirectory", Path: path}
	}

	if _, err := v.repo.UpdateDocument(ctx, desc.NodeDocID, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		if err := root.Set("content", crdt.ValueOf(content)); err != nil {
			return err
		}
		if withBytes {
			return root.Set("bytes", crdt.String(base64.StdEncoding.EncodeToString(data)))
		}
		return nil
	}); err != nil {
		return false, err
	}

	desc.Modified = now()
	if err := v.index.Insert(ctx, path, desc); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteFile removes the file at path. Returns whether it was present.
func (v *VFS) DeleteFile(ctx context.Context, path string) (bool, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return false, err
	}
	desc, ok, err := v.index.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if desc.NodeType == NodeTypeDirectory {
		return false, common.FileSystemError{Code: "IsDirectory", Path: path}
	}
	if err := v.index.Remove(ctx, path); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteDirectory removes the empty directory at path, or every entry
// beneath it when recursive is true.
func (v *VFS) DeleteDirectory(ctx context.Context, path string, recursive bool) (bool, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return false, err
	}
	desc, ok, err := v.index.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if desc.NodeType != NodeTypeDirectory {
		return false, common.FileSystemError{Code: "NotADirectory", Path: path}
	}

	children, err := v.index.ChildPaths(ctx, path)
	if err != nil {
		return false, err
	}
	if len(children) > 0 && !recursive {
		return false, common.FileSystemError{Code: "DirectoryNotEmpty", Path: path}
	}

	descendants, err := v.index.DescendantPaths(ctx, path)
	if err != nil {
		return false, err
	}
	for _, p := range descendants {
		if err := v.index.Remove(ctx, p); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ListDirectory returns the direct children of path in name order.
func (v *VFS) ListDirectory(ctx context.Context, path string) ([]DirEntry, error) {
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

	childPaths, err := v.index.ChildPaths(ctx, path)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(childPaths))
	for _, p := range childPaths {
		desc, ok, err := v.index.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entries = append(entries, DirEntry{
			Name:       Basename(p),
			Type:       desc.NodeType,
			Timestamps: Timestamps{Created: desc.Created, Modified: desc.Modified},
			Pointer:    desc.NodeDocID,
		})
	}
	return entries, nil
}

// Exists reports whether path names any node.
func (v *VFS) Exists(ctx context.Context, path string) (bool, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return false, err
	}
	return v.index.Exists(ctx, path)
}

// GetMetadata returns the descriptor-level metadata for path.
func (v *VFS) GetMetadata(ctx context.Context, path string) (NodeMetadata, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return NodeMetadata{}, err
	}
	desc, ok, err := v.index.Get(ctx, path)
	if err != nil {
		return NodeMetadata{}, err
	}
	if !ok {
		return NodeMetadata{}, common.FileSystemError{Code: "NotFound", Path: path}
	}
	return NodeMetadata{
		Name:       Basename(path),
		Type:       desc.NodeType,
		Timestamps: Timestamps{Created: desc.Created, Modified: desc.Modified},
	}, nil
}

// Rename moves the node at oldPath to newPath.
func (v *VFS) Rename(ctx context.Context, oldPath, newPath string) (bool, error) {
	oldPath, err := NormalizePath(oldPath)
	if err != nil {
		return false, err
	}
	newPath, err = NormalizePath(newPath)
	if err != nil {
		return false, err
	}
	if oldPath == newPath {
		return false, common.FileSystemError{Code: "SameLocation", Path: newPath}
	}
	if IsAncestor(oldPath, newPath) {
		return false, common.FileSystemError{Code: "AncestorConflict", Path: newPath}
	}

	desc, ok, err := v.index.Get(ctx, oldPath)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, common.FileSystemError{Code: "NotFound", Path: oldPath}
	}
	if exists, err := v.index.Exists(ctx, newPath); err != nil {
		return false, err
	} else if exists {
		return false, common.FileSystemError{Code: "AlreadyExists", Path: newPath}
	}
	if err := v.requireParent(ctx, newPath); err != nil {
		return false, err
	}

	if err := v.index.Rename(ctx, oldPath, newPath, now()); err != nil {
		return false, err
	}

	if _, err := v.repo.UpdateDocument(ctx, desc.NodeDocID, func(txn *crdt.Txn) error {
		root, err := txn.Root()
		if err != nil {
			return err
		}
		return root.Set("name", crdt.String(Basename(newPath)))
	}); err != nil {
		return false, err
	}
	return true, nil
}
