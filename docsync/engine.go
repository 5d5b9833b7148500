package docsync

import (
	"context"
)

// EmptyStateVector is the minimal valid encoding of a state vector with zero
// clocks. It is substituted when the engine reports an empty vector, since a
// zero-byte payload is ambiguous with "no vector".
var EmptyStateVector = []byte{0x00}

// Engine is the command interface to the external CRDT engine. The engine is
// authoritative for all document state; this layer never assumes access to
// engine internals. Every call may fail; callers catch, log, and treat a
// failure as "no change happened".
type Engine interface {
	// GetStateVector returns the compact summary of what the local replica
	// has seen for doc. May be empty when the doc is new.
	GetStateVector(ctx context.Context, doc DocumentId) ([]byte, error)

	// GetMissingUpdates computes the updates a peer with theirStateVector
	// is missing. An empty result means the peer is current.
	GetMissingUpdates(ctx context.Context, doc DocumentId, theirStateVector []byte) ([]byte, error)

	// ApplyUpdate merges an inbound update into the local replica.
	ApplyUpdate(ctx context.Context, doc DocumentId, update []byte) error

	// GetFullState returns the complete serialized state for doc, used when
	// no prior state vector is known.
	GetFullState(ctx context.Context, doc DocumentId) ([]byte, error)

	GetContent(ctx context.Context, doc DocumentId) (string, error)
	SetContent(ctx context.Context, doc DocumentId, content string) error

	// workspace metadata tree
	ListEntries(ctx context.Context, includeDeleted bool) (map[string]*Entry, error)
	GetEntry(ctx context.Context, path string) (*Entry, error)
	SetEntry(ctx context.Context, path string, entry *Entry) error

	SaveToStorage(ctx context.Context, doc DocumentId) error
}

func stateVectorOrEmpty(stateVector []byte) []byte {
	if len(stateVector) == 0 {
		return EmptyStateVector
	}
	return stateVector
}
