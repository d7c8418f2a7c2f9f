package bundle

import (
	"archive/zip"
	"bytes"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tonk-labs/tonk/common"
)

// fixedModTime is stamped on every zip entry so two bundles with
// identical content always serialize to byte-identical archives.
var fixedModTime = time.Unix(0, 0).UTC()

const documentsPrefix = "documents/"

// Bundle is a portable, self-contained archive: a manifest plus an
// arbitrary key/value store of raw entries (node document state,
// binary blobs, anything else a caller chooses to Put).
type Bundle struct {
	manifest Manifest
	entries  map[string][]byte
}

// Empty creates a bundle with a freshly generated rootId and no
// entries.
func Empty() *Bundle {
	return NewWithRoot(common.NewDocumentId())
}

// NewWithRoot creates an empty bundle whose manifest already points at
// rootID, for callers (the Repository's ToBytes/ForkToBytes glue) that
// need the bundle's root id to match a document id they already
// minted rather than a freshly generated one.
func NewWithRoot(rootID common.DocumentId) *Bundle {
	return &Bundle{
		manifest: newManifest(rootID),
		entries:  make(map[string][]byte),
	}
}

// FromBytes parses raw ZIP bytes into a Bundle, validating manifest
// integrity. Missing documents referenced by the PathIndex are
// tolerated here (lazy hydration is a Repository concern); this layer
// only validates the manifest itself and the archive's structure.
func FromBytes(raw []byte) (*Bundle, error) {
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, common.BundleError{Code: "MalformedZip", Message: err.Error()}
	}

	entries := make(map[string][]byte)
	var manifestData []byte
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := validateEntryName(f.Name); err != nil {
			return nil, err
		}

		rc, err := f.Open()
		if err != nil {
			return nil, common.BundleError{Code: "MalformedZip", Message: err.Error()}
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, common.BundleError{Code: "MalformedZip", Message: err.Error()}
		}

		if f.Name == "manifest.json" {
			manifestData = data
			continue
		}
		entries[f.Name] = data
	}

	if manifestData == nil {
		return nil, common.BundleError{Code: "MissingManifest", Message: "archive has no manifest.json entry"}
	}
	manifest, err := decodeManifest(manifestData)
	if err != nil {
		return nil, err
	}

	return &Bundle{manifest: manifest, entries: entries}, nil
}

// validateEntryName rejects zip-slip paths: absolute paths and any
// path that escapes the archive root via "..".
func validateEntryName(name string) error {
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return common.BundleError{Code: "InvalidEntryPath", Message: name}
	}
	cleaned := strings.TrimPrefix(name, "./")
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return common.BundleError{Code: "InvalidEntryPath", Message: name}
		}
	}
	return nil
}

// Manifest returns the bundle's manifest.
func (b *Bundle) Manifest() Manifest { return b.manifest }

// RootID returns the DocumentId of the PathIndex document for this bundle.
func (b *Bundle) RootID() common.DocumentId { return b.manifest.RootID }

// Get returns the raw bytes stored under key, if any.
func (b *Bundle) Get(key string) ([]byte, bool) {
	data, ok := b.entries[key]
	return data, ok
}

// Put stores data under key, rejecting zip-slip-unsafe keys.
func (b *Bundle) Put(key string, data []byte) error {
	if err := validateEntryName(key); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.entries[key] = cp
	return nil
}

// ListPrefix returns every (key, data) pair whose key starts with
// prefix, sorted by key.
func (b *Bundle) ListPrefix(prefix string) []KeyValue {
	var out []KeyValue
	for k, v := range b.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KeyValue{Key: k, Data: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KeyValue is one entry returned by ListPrefix.
type KeyValue struct {
	Key  string
	Data []byte
}

// ListKeys returns every key in the bundle, sorted.
func (b *Bundle) ListKeys() []string {
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutDocument stores a document's serialized state under its id.
func (b *Bundle) PutDocument(id common.DocumentId, data []byte) error {
	return b.Put(documentsPrefix+string(id), data)
}

// GetDocument returns the serialized state stored for id.
func (b *Bundle) GetDocument(id common.DocumentId) ([]byte, bool) {
	return b.Get(documentsPrefix + string(id))
}

// ToBytes serializes the bundle to a ZIP archive. Entries are written
// in sorted-key order (manifest.json first) with a fixed modification
// time, so byte-identical bundles always produce byte-identical
// archives.
func (b *Bundle) ToBytes() ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	manifestData, err := b.manifest.encode()
	if err != nil {
		return nil, common.BundleError{Code: "InvalidManifest", Message: err.Error()}
	}
	if err := writeEntry(w, "manifest.json", manifestData); err != nil {
		return nil, err
	}

	for _, key := range b.ListKeys() {
		if err := writeEntry(w, key, b.entries[key]); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, common.BundleError{Code: "IoFailed", Message: err.Error()}
	}
	return buf.Bytes(), nil
}

func writeEntry(w *zip.Writer, name string, data []byte) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: fixedModTime,
	}
	writer, err := w.CreateHeader(header)
	if err != nil {
		return common.BundleError{Code: "IoFailed", Message: err.Error()}
	}
	if _, err := writer.Write(data); err != nil {
		return common.BundleError{Code: "IoFailed", Message: err.Error()}
	}
	return nil
}

// Fork deep-copies the bundle under a freshly generated rootId: the
// PathIndex document is re-identified, so the forked bundle can never
// converge with the original via CRDT merge. Every other document id
// is preserved so historical references inside the new bundle still
// resolve.
func (b *Bundle) Fork() *Bundle {
	newRootID := common.NewDocumentId()

	entries := make(map[string][]byte, len(b.entries))
	for k, v := range b.entries {
		cp := make([]byte, len(v))
		copy(cp, v)
		entries[k] = cp
	}

	if data, ok := entries[documentsPrefix+string(b.manifest.RootID)]; ok {
		delete(entries, documentsPrefix+string(b.manifest.RootID))
		entries[documentsPrefix+string(newRootID)] = data
	}

	manifest := b.manifest
	manifest.RootID = newRootID
	manifest.Entrypoints = append([]string{}, b.manifest.Entrypoints...)
	manifest.NetworkURIs = append([]string{}, b.manifest.NetworkURIs...)

	return &Bundle{manifest: manifest, entries: entries}
}
