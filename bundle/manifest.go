// Package bundle implements the ZIP-based portable container format:
// a manifest, the PathIndex document's bytes, every node document it
// (transitively) references, and arbitrary binary blobs addressable by
// path. Built directly on stdlib archive/zip, following the zip-slip
// protection pattern in evalgo-org-eve/archive's UnZip, but returning
// errors instead of panicking or silently giving up.
package bundle

import (
	"encoding/json"

	"github.com/tonk-labs/tonk/common"
)

// ManifestVersion is the only schema major this codec understands.
const ManifestVersion = 1

// Version is the Tonk bundle format version, independent of
// ManifestVersion (the schema). Bumped for behavioral changes that
// don't alter the manifest's shape.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// Manifest is the bundle's manifest.json entry.
type Manifest struct {
	ManifestVersion int                    `json:"manifestVersion"`
	Version         Version                `json:"version"`
	RootID          common.DocumentId      `json:"rootId"`
	Entrypoints     []string               `json:"entrypoints"`
	NetworkURIs     []string               `json:"networkUris"`
	XNotes          map[string]interface{} `json:"xNotes,omitempty"`
	XVendor         map[string]interface{} `json:"xVendor,omitempty"`
}

func newManifest(rootID common.DocumentId) Manifest {
	return Manifest{
		ManifestVersion: ManifestVersion,
		Version:         Version{Major: 1, Minor: 0},
		RootID:          rootID,
		Entrypoints:     []string{},
		NetworkURIs:     []string{},
	}
}

func decodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, common.BundleError{Code: "InvalidManifest", Message: err.Error()}
	}
	if m.ManifestVersion != ManifestVersion {
		return Manifest{}, common.BundleError{
			Code:    "UnsupportedVersion",
			Message: "manifest major version not supported",
		}
	}
	return m, nil
}

func (m Manifest) encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
