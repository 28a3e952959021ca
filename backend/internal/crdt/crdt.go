// Package crdt defines the document engine the rooms talk to. The service never looks
// inside updates; an Engine owns the merge semantics.
package crdt

import "errors"

var ErrMalformedUpdate = errors.New("crdt: malformed update")

// Doc is the live replica held by a room. Implementations need not be safe for
// concurrent use; the owning room serializes access.
type Doc interface {
	ApplyUpdate(update []byte) error
	// EncodeStateAsUpdate returns a full state that a fresh client can apply to catch up.
	EncodeStateAsUpdate() []byte
	EncodeStateVector() []byte
}

type Engine interface {
	New() Doc
	// Load rebuilds a replica from a stored state. An empty state yields an empty doc.
	Load(state []byte) (Doc, error)
}
