// Package vfs layers a hierarchical namespace over repo.Repository:
// a single PathIndex document mapping normalized absolute paths to
// node descriptors, plus one crdt.Document per file or directory.
// Traversal is grounded in luvjson/api's Path/ParsePath, generalized
// from read-only resolution into an insert/remove-on-rename directory
// graph.
package vfs

import (
	"strings"

	"github.com/tonk-labs/tonk/common"
)

// NormalizePath validates and normalizes p: collapses repeated
// slashes, rejects "." and ".." segments, and requires a leading
// slash. The root path is "/".
func NormalizePath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", common.FileSystemError{Code: "InvalidPath", Path: p}
	}
	if p == "/" {
		return "/", nil
	}

	segments := strings.Split(p, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return "", common.FileSystemError{Code: "InvalidPath", Path: p}
		}
		clean = append(clean, seg)
	}
	if len(clean) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(clean, "/"), nil
}

// ParentOf returns the normalized parent of p ("/" for any top-level
// entry), and false if p is already the root.
func ParentOf(p string) (string, bool) {
	if p == "/" {
		return "", false
	}
	idx := strings.LastIndex(p, "/")
	if idx == 0 {
		return "/", true
	}
	return p[:idx], true
}

// Basename returns the final path segment of p.
func Basename(p string) string {
	if p == "/" {
		return "/"
	}
	idx := strings.LastIndex(p, "/")
	return p[idx+1:]
}

// IsAncestor reports whether candidate is a strict ancestor directory
// of p (used to reject moving a directory into its own descendant).
func IsAncestor(candidate, p string) bool {
	if candidate == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, candidate+"/")
}
