package docsync

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/inklet/docsync/protocol"
)

var errWorkspaceNotBody = errors.New("workspace id cannot key a body channel")
var errNoSession = errors.New("no session configured")
var errReconnectFailed = errors.New("reconnect attempts exhausted")
var errEntryNotFound = errors.New("entry not found")

// BodyContent reads the engine's current content for a path.
func (self *Orchestrator) BodyContent(ctx context.Context, path string) (string, error) {
	return self.engine.GetContent(ctx, DocumentId(self.ToCanonical(path)))
}

// SetBodyContent writes content into the engine, records it as our latest
// push for echo suppression, and broadcasts it on the body channel.
func (self *Orchestrator) SetBodyContent(ctx context.Context, path string, content string) error {
	docId := DocumentId(self.ToCanonical(path))

	if err := self.engine.SetContent(ctx, docId, content); err != nil {
		return err
	}
	self.rememberPushed(docId, content)

	if err := self.engine.SaveToStorage(ctx, docId); err != nil {
		glog.Infof("[or]%s save error = %s\n", docId, err)
	}

	channel, err := self.EnsureBodyChannel(ctx, path)
	if err != nil {
		glog.Infof("[or]%s channel error = %s\n", docId, err)
		return nil
	}
	channel.SendLocalChanges()
	return nil
}

func (self *Orchestrator) rememberPushed(docId DocumentId, content string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.echoMemory[docId] = content
}

func (self *Orchestrator) lastPushed(docId DocumentId) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	content, ok := self.echoMemory[docId]
	return content, ok
}

// inbound body update already applied by the channel; decide whether the
// change is real before surfacing it
func (self *Orchestrator) handleBodyChange(channel *Channel, docId DocumentId, beforeContent string, afterContent string) {
	lastPushed, hasLastPushed := self.lastPushed(docId)

	switch checkInboundContent(lastPushed, hasLastPushed, beforeContent, afterContent) {
	case guardSuppressEcho:
		glog.V(1).Infof("[gd]%s echo suppressed\n", docId)

	case guardRestoreContent:
		glog.Infof("[gd]%s refusing empty state over non-empty content\n", docId)
		if err := self.engine.SetContent(self.ctx, docId, beforeContent); err != nil {
			glog.Infof("[gd]%s restore error = %s\n", docId, err)
			return
		}
		self.rememberPushed(docId, beforeContent)
		state, err := self.engine.GetFullState(self.ctx, docId)
		if err != nil {
			glog.Infof("[gd]%s full state error = %s\n", docId, err)
			return
		}
		channel.SendRaw(protocol.EncodeMessage(protocol.KindSync, protocol.SyncUpdateBroadcast, state))

	case guardNotify:
		self.rememberPushed(docId, afterContent)
		dispatch(self.contentCallbacks, func(callback contentFunction) {
			callback(string(docId), afterContent)
		})
	}
}

// inbound workspace update already applied; diff the metadata tree against
// the last snapshot and notify per changed path
func (self *Orchestrator) handleWorkspaceChange() {
	entries, err := self.engine.ListEntries(self.ctx, true)
	if err != nil {
		glog.Infof("[or]list entries error = %s\n", err)
		return
	}

	self.mutex.Lock()
	previous := self.entrySnapshot
	self.entrySnapshot = entries
	self.mutex.Unlock()

	changed := []string{}
	for path, entry := range entries {
		if before, ok := previous[path]; !ok || !entriesEqual(before, entry) {
			changed = append(changed, path)
		}
	}
	for path := range previous {
		if _, ok := entries[path]; !ok {
			changed = append(changed, path)
		}
	}
	if len(changed) == 0 {
		return
	}

	for _, path := range changed {
		entry := entries[path]
		dispatch(self.entryCallbacks, func(callback entryFunction) {
			callback(path, entry)
		})
	}
	dispatch(self.filesChangedCallbacks, func(callback filesChangedFunction) {
		callback(changed)
	})
}

func entriesEqual(a *Entry, b *Entry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Entry reads the metadata record for a path.
func (self *Orchestrator) Entry(ctx context.Context, path string) (*Entry, error) {
	return self.engine.GetEntry(ctx, self.ToCanonical(path))
}

// Entries lists the metadata tree.
func (self *Orchestrator) Entries(ctx context.Context, includeDeleted bool) (map[string]*Entry, error) {
	return self.engine.ListEntries(ctx, includeDeleted)
}

// SetEntry replaces the metadata record for a path under the path lock and
// pushes the workspace diff to peers.
func (self *Orchestrator) SetEntry(ctx context.Context, path string, entry *Entry) error {
	return self.UpdateEntry(ctx, path, func(*Entry) *Entry {
		return entry
	})
}

// UpdateEntry runs a read-modify-write of one path's metadata under the
// path lock, so two concurrent mutations never interleave and lose one
// writer's change. mutate receives the current entry (nil when absent) and
// returns the replacement.
func (self *Orchestrator) UpdateEntry(ctx context.Context, path string, mutate func(entry *Entry) *Entry) error {
	canonical := self.ToCanonical(path)

	return self.locks.with(ctx, canonical, func() error {
		entry, err := self.engine.GetEntry(ctx, canonical)
		if err != nil {
			return err
		}
		next := mutate(entry)
		if next == nil {
			return nil
		}
		next.UpdatedAt = time.Now()

		if err := self.engine.SetEntry(ctx, canonical, next); err != nil {
			return err
		}
		if err := self.engine.SaveToStorage(ctx, WorkspaceDocumentId); err != nil {
			glog.Infof("[or]workspace save error = %s\n", err)
		}

		self.mutex.Lock()
		self.entrySnapshot[canonical] = next
		workspace := self.workspace
		self.mutex.Unlock()

		if workspace != nil {
			workspace.SendLocalChanges()
		}

		dispatch(self.entryCallbacks, func(callback entryFunction) {
			callback(canonical, next)
		})
		dispatch(self.filesChangedCallbacks, func(callback filesChangedFunction) {
			callback([]string{canonical})
		})
		return nil
	})
}

// DeleteEntry tombstones a path. The engine keeps the record so peers
// converge on the deletion.
func (self *Orchestrator) DeleteEntry(ctx context.Context, path string) error {
	found := false
	err := self.UpdateEntry(ctx, path, func(entry *Entry) *Entry {
		if entry == nil {
			return nil
		}
		found = true
		next := *entry
		next.Deleted = true
		return &next
	})
	if err != nil {
		return err
	}
	if !found {
		return errEntryNotFound
	}
	self.CloseBodyChannel(path)
	return nil
}
