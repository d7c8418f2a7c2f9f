// Package common holds the identifiers, node-type enums and typed errors
// shared by every layer of tonk: the CRDT core, storage, repository,
// virtual file system, bundle codec and sync transport.
package common

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies a single writer session (one process/peer
// connection) that mints logical timestamps. It is backed by a UUID v7
// so sessions sort roughly by creation time.
type SessionID uuid.UUID

// NewSessionID mints a fresh SessionID using UUID v7.
func NewSessionID() SessionID {
	id, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("common: failed to create SessionID: %v", err))
	}
	return SessionID(id)
}

// String returns the canonical UUID string form.
func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// Compare orders two SessionIDs byte-wise. Returns -1, 0 or 1.
func (s SessionID) Compare(other SessionID) int {
	for i := 0; i < 16; i++ {
		if s[i] < other[i] {
			return -1
		}
		if s[i] > other[i] {
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(s).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SessionID) UnmarshalText(text []byte) error {
	id, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("common: invalid session id: %w", err)
	}
	*s = SessionID(id)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s SessionID) MarshalJSON() ([]byte, error) {
	text, _ := s.MarshalText()
	return json.Marshal(string(text))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SessionID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(str))
}

// LogicalTimestamp is a globally unique, partially ordered identifier:
// a writer's SessionID paired with a monotonically increasing counter.
// It gives every CRDT node and operation a stable causal identity.
type LogicalTimestamp struct {
	SID     SessionID `json:"sid"`
	Counter uint64    `json:"cnt"`
}

// RootID is the fixed timestamp reserved for a Document's root node.
// It uses the zero SessionID so it never collides with a real writer.
var RootID = LogicalTimestamp{SID: SessionID{}, Counter: 0}

// Compare orders two logical timestamps, session first then counter.
func (t LogicalTimestamp) Compare(other LogicalTimestamp) int {
	if c := t.SID.Compare(other.SID); c != 0 {
		return c
	}
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// Next returns the following timestamp in this session's sequence.
func (t LogicalTimestamp) Next() LogicalTimestamp {
	return LogicalTimestamp{SID: t.SID, Counter: t.Counter + 1}
}

// Increment advances the counter by amount, keeping the same session.
func (t LogicalTimestamp) Increment(amount uint64) LogicalTimestamp {
	return LogicalTimestamp{SID: t.SID, Counter: t.Counter + amount}
}

// String renders the timestamp as "<session>/<counter>".
func (t LogicalTimestamp) String() string {
	return fmt.Sprintf("%s/%d", t.SID.String(), t.Counter)
}

// DocumentId identifies a CRDT document. It wraps a UUID v7 so document
// ids sort roughly by creation order, and is always rendered as a
// URL-safe base64 string at API boundaries (manifests, map keys, the
// bundle's documents/<DocumentId> entry names).
type DocumentId string

// NewDocumentId mints a fresh, URL-safe DocumentId.
func NewDocumentId() DocumentId {
	id, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("common: failed to create DocumentId: %v", err))
	}
	return DocumentId(base64.RawURLEncoding.EncodeToString(id[:]))
}

// String returns the DocumentId's underlying string form.
func (d DocumentId) String() string { return string(d) }

// PeerId identifies a sync-transport participant (relay server or
// client). Same shape as DocumentId, kept distinct for type safety.
type PeerId string

// NewPeerId mints a fresh PeerId.
func NewPeerId() PeerId {
	id, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("common: failed to create PeerId: %v", err))
	}
	return PeerId(base64.RawURLEncoding.EncodeToString(id[:]))
}

// String returns the PeerId's underlying string form.
func (p PeerId) String() string { return string(p) }

// NodeType tags the concrete CRDT node kind carried in a document's
// verbose JSON encoding.
type NodeType string

const (
	NodeTypeCon  NodeType = "con"  // constant value
	NodeTypeVal  NodeType = "val"  // LWW-Value (register)
	NodeTypeObj  NodeType = "obj"  // LWW-Object
	NodeTypeStr  NodeType = "str"  // RGA-String
	NodeTypeArr  NodeType = "arr"  // RGA-Array
	NodeTypeBin  NodeType = "bin"  // RGA-Binary
	NodeTypeRoot NodeType = "root" // document root
)

// SharePolicy controls whether a Repository offers its documents to
// peers that did not already request them by id.
type SharePolicy string

const (
	// SharePolicyDeny never announces documents unprompted; a peer must
	// already know a DocumentId to sync it. Default for server-side
	// repositories.
	SharePolicyDeny SharePolicy = "deny"
	// SharePolicyGenerous announces every locally known document to
	// connected peers. Default for client-side repositories.
	SharePolicyGenerous SharePolicy = "generous"
)
