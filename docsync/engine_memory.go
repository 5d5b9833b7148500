package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/inklet/docsync/protocol"
)

// MemoryEngine is a trivial in-memory Engine for tests and tooling. It keeps
// whole-document state with a per-document version counter standing in for a
// real state vector: the "diff" a stale peer is missing is simply the full
// state. It has none of a real engine's merge semantics and must never back
// a production workspace.
type MemoryEngine struct {
	mutex    sync.Mutex
	contents map[DocumentId]string
	versions map[DocumentId]uint32
	entries  map[string]*Entry
	saves    map[DocumentId]int
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		contents: map[DocumentId]string{},
		versions: map[DocumentId]uint32{},
		entries:  map[string]*Entry{},
		saves:    map[DocumentId]int{},
	}
}

func (self *MemoryEngine) GetStateVector(ctx context.Context, doc DocumentId) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	version := self.versions[doc]
	if version == 0 {
		return nil, nil
	}
	return protocol.AppendVaruint(nil, version), nil
}

func (self *MemoryEngine) GetMissingUpdates(ctx context.Context, doc DocumentId, theirStateVector []byte) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	theirVersion, n := protocol.ReadVaruint(theirStateVector)
	if n <= 0 {
		theirVersion = 0
	}
	if self.versions[doc] <= theirVersion {
		return nil, nil
	}
	return self.fullStateLocked(doc)
}

func (self *MemoryEngine) ApplyUpdate(ctx context.Context, doc DocumentId, update []byte) error {
	var state docState
	if err := json.Unmarshal(update, &state); err != nil {
		return fmt.Errorf("malformed update: %w", err)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.contents[doc] = state.Content
	self.versions[doc] += 1
	if doc.IsWorkspace() && state.Entries != nil {
		self.entries = state.Entries
	}
	return nil
}

func (self *MemoryEngine) GetFullState(ctx context.Context, doc DocumentId) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fullStateLocked(doc)
}

type docState struct {
	Content string            `json:"content"`
	Entries map[string]*Entry `json:"entries,omitempty"`
}

func (self *MemoryEngine) fullStateLocked(doc DocumentId) ([]byte, error) {
	state := docState{
		Content: self.contents[doc],
	}
	if doc.IsWorkspace() {
		state.Entries = self.entries
	}
	return json.Marshal(state)
}

func (self *MemoryEngine) GetContent(ctx context.Context, doc DocumentId) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.contents[doc], nil
}

func (self *MemoryEngine) SetContent(ctx context.Context, doc DocumentId, content string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.contents[doc] = content
	self.versions[doc] += 1
	return nil
}

func (self *MemoryEngine) ListEntries(ctx context.Context, includeDeleted bool) (map[string]*Entry, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entries := map[string]*Entry{}
	for path, entry := range self.entries {
		if entry.Deleted && !includeDeleted {
			continue
		}
		entryCopy := *entry
		entries[path] = &entryCopy
	}
	return entries, nil
}

func (self *MemoryEngine) GetEntry(ctx context.Context, path string) (*Entry, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entry := self.entries[path]
	if entry == nil {
		return nil, nil
	}
	entryCopy := *entry
	return &entryCopy, nil
}

func (self *MemoryEngine) SetEntry(ctx context.Context, path string, entry *Entry) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entryCopy := *entry
	self.entries[path] = &entryCopy
	self.versions[WorkspaceDocumentId] += 1
	return nil
}

func (self *MemoryEngine) SaveToStorage(ctx context.Context, doc DocumentId) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.saves[doc] += 1
	return nil
}

// SaveCount reports how many times doc was flushed. Test hook.
func (self *MemoryEngine) SaveCount(doc DocumentId) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.saves[doc]
}
