package docsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// document id for the shared workspace metadata tree
// body channels use the canonical file path as their id
const WorkspaceDocumentId = DocumentId("workspace")

// DocumentId keys one sync channel: either the workspace id or a canonical
// (host-perspective) file path. Body ids must be canonicalized before use so
// host and guest agree on document identity.
type DocumentId string

func (self DocumentId) IsWorkspace() bool {
	return self == WorkspaceDocumentId
}

func (self DocumentId) String() string {
	return string(self)
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

const (
	EntryTypeFile   = "file"
	EntryTypeFolder = "folder"
)

// Entry is the metadata record for one path in the workspace tree.
// The engine owns the field semantics; this layer only inspects Deleted
// and passes the rest through.
type Entry struct {
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Parent    string    `json:"parent,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// guest persistent storage namespace, stripped by canonicalization
const guestStoragePrefix = "guest-"

func stripGuestPrefix(path string) string {
	if !strings.HasPrefix(path, guestStoragePrefix) {
		return path
	}
	i := strings.Index(path, "/")
	if i < 0 {
		return path
	}
	return path[i+1:]
}
