package docsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type StorageMode int

const (
	// host or solo user, paths map to themselves
	StorageModeHost StorageMode = iota
	// guest against an isolated in-memory store, identity mapping
	StorageModeGuestMemory
	// guest against a persistent isolated store, session-scoped prefix
	StorageModeGuestPersistent
)

type OrchestratorSettings struct {
	ChannelSettings    *ChannelSettings
	SessionSyncTimeout time.Duration
	InitialSyncTimeout time.Duration
	WarmConcurrency    int
}

func DefaultOrchestratorSettings() *OrchestratorSettings {
	return &OrchestratorSettings{
		ChannelSettings:    DefaultChannelSettings(),
		SessionSyncTimeout: 15 * time.Second,
		InitialSyncTimeout: 10 * time.Second,
		WarmConcurrency:    3,
	}
}

// collapses concurrent channel constructions for one document into one
type pendingChannel struct {
	done    chan struct{}
	channel *Channel
	err     error
}

type OrchestratorStatus struct {
	Connected    bool       `json:"connected"`
	Synced       bool       `json:"synced"`
	IsHost       bool       `json:"is_host"`
	BodyChannels int        `json:"body_channels"`
	SyncStatus   SyncStatus `json:"sync_status"`
}

// Orchestrator owns one workspace channel plus a dynamic set of body
// channels, keyed by canonical document id, and presents one coherent api
// regardless of how many sessions are open underneath. All channel, pending
// and lock maps are owned exclusively here.
type Orchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine   Engine
	settings *OrchestratorSettings

	locks *lockTable

	mutex       sync.Mutex
	serverUrl   string
	sessionCode string
	isHost      bool
	auth        *SessionAuth
	storageMode StorageMode

	workspace      *Channel
	workspaceSubs  []func()
	bodyChannels   map[DocumentId]*Channel
	pending        map[DocumentId]*pendingChannel
	echoMemory     map[DocumentId]string
	entrySnapshot  map[string]*Entry
	syncStatus     SyncStatus
	initialSynced  bool
	initialSyncedC chan struct{}

	statusCallbacks       *callbackList[statusFunction]
	syncedCallbacks       *callbackList[syncedFunction]
	contentCallbacks      *callbackList[contentFunction]
	entryCallbacks        *callbackList[entryFunction]
	filesChangedCallbacks *callbackList[filesChangedFunction]
	progressCallbacks     *callbackList[progressFunction]
	syncStatusCallbacks   *callbackList[syncStatusFunction]
}

func NewOrchestratorWithDefaults(ctx context.Context, engine Engine) *Orchestrator {
	return NewOrchestrator(ctx, engine, DefaultOrchestratorSettings())
}

func NewOrchestrator(ctx context.Context, engine Engine, settings *OrchestratorSettings) *Orchestrator {
	if engine == nil {
		panic("Orchestrator requires an engine.")
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		ctx:                   cancelCtx,
		cancel:                cancel,
		engine:                engine,
		settings:              settings,
		locks:                 newLockTable(),
		bodyChannels:          map[DocumentId]*Channel{},
		pending:               map[DocumentId]*pendingChannel{},
		echoMemory:            map[DocumentId]string{},
		entrySnapshot:         map[string]*Entry{},
		syncStatus:            SyncStatusIdle,
		initialSyncedC:        make(chan struct{}),
		statusCallbacks:       newCallbackList[statusFunction](),
		syncedCallbacks:       newCallbackList[syncedFunction](),
		contentCallbacks:      newCallbackList[contentFunction](),
		entryCallbacks:        newCallbackList[entryFunction](),
		filesChangedCallbacks: newCallbackList[filesChangedFunction](),
		progressCallbacks:     newCallbackList[progressFunction](),
		syncStatusCallbacks:   newCallbackList[syncStatusFunction](),
	}
}

func (self *Orchestrator) AddStatusCallback(callback statusFunction) func() {
	return self.statusCallbacks.add(callback)
}

func (self *Orchestrator) AddSyncedCallback(callback syncedFunction) func() {
	return self.syncedCallbacks.add(callback)
}

func (self *Orchestrator) AddContentCallback(callback contentFunction) func() {
	return self.contentCallbacks.add(callback)
}

func (self *Orchestrator) AddEntryCallback(callback entryFunction) func() {
	return self.entryCallbacks.add(callback)
}

func (self *Orchestrator) AddFilesChangedCallback(callback filesChangedFunction) func() {
	return self.filesChangedCallbacks.add(callback)
}

func (self *Orchestrator) AddProgressCallback(callback progressFunction) func() {
	return self.progressCallbacks.add(callback)
}

func (self *Orchestrator) AddSyncStatusCallback(callback syncStatusFunction) func() {
	return self.syncStatusCallbacks.add(callback)
}

func (self *Orchestrator) SetAuth(auth *SessionAuth) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.auth = auth
}

func (self *Orchestrator) SetStorageMode(storageMode StorageMode) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.storageMode = storageMode
}

// ToCanonical maps any path to the host-perspective identifier that keys
// channels and engine documents. Stripping the guest storage prefix is safe
// for hosts, whose paths never carry one.
func (self *Orchestrator) ToCanonical(path string) string {
	return stripGuestPrefix(strings.TrimPrefix(path, "/"))
}

// ToStoragePath maps a path to where an isolated guest store keeps it.
// Identity for hosts and in-memory guests.
func (self *Orchestrator) ToStoragePath(path string) string {
	canonical := self.ToCanonical(path)

	self.mutex.Lock()
	storageMode := self.storageMode
	sessionCode := self.sessionCode
	self.mutex.Unlock()

	if storageMode != StorageModeGuestPersistent {
		return canonical
	}
	return guestStoragePrefix + sessionCode + "/" + canonical
}

// WithFileLock runs fn while holding the per-path lock. Callers wrap every
// metadata read-modify-write in this so concurrent mutations of the same
// path never interleave.
func (self *Orchestrator) WithFileLock(ctx context.Context, path string, fn func() error) error {
	return self.locks.with(ctx, self.ToCanonical(path), fn)
}

// EnsureBodyChannel returns the live body channel for path, constructing and
// connecting one if needed. Concurrent callers for the same canonical path
// share one construction; a failed construction is evicted so the next call
// retries from scratch.
func (self *Orchestrator) EnsureBodyChannel(ctx context.Context, path string) (*Channel, error) {
	docId := DocumentId(self.ToCanonical(path))
	if docId.IsWorkspace() {
		return nil, errWorkspaceNotBody
	}

	self.mutex.Lock()
	if pending := self.pending[docId]; pending != nil {
		self.mutex.Unlock()
		select {
		case <-pending.done:
			return pending.channel, pending.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if channel := self.bodyChannels[docId]; channel != nil {
		if channel.IsConnected() || channel.IsConnecting() {
			self.mutex.Unlock()
			return channel, nil
		}
		// dead channel, rebuild from scratch
		delete(self.bodyChannels, docId)
		defer channel.Destroy()
	}
	pending := &pendingChannel{
		done: make(chan struct{}),
	}
	self.pending[docId] = pending
	serverUrl := self.serverUrl
	sessionCode := self.sessionCode
	auth := self.auth
	self.mutex.Unlock()

	channel, err := self.buildBodyChannel(docId, serverUrl, sessionCode, auth)

	self.mutex.Lock()
	delete(self.pending, docId)
	if err == nil {
		self.bodyChannels[docId] = channel
	}
	self.mutex.Unlock()

	pending.channel = channel
	pending.err = err
	close(pending.done)

	return channel, err
}

func (self *Orchestrator) buildBodyChannel(docId DocumentId, serverUrl string, sessionCode string, auth *SessionAuth) (*Channel, error) {
	if serverUrl == "" {
		return nil, errNoSession
	}
	url, err := channelUrl(serverUrl, docId, sessionCode, auth)
	if err != nil {
		return nil, err
	}
	channel := NewChannel(self.ctx, self.engine, url, docId, self.settings.ChannelSettings)
	channel.AddChangeCallback(func(docId DocumentId, beforeContent string, afterContent string) {
		self.handleBodyChange(channel, docId, beforeContent, afterContent)
	})
	channel.Connect()
	glog.V(1).Infof("[or]body channel %s\n", docId)
	return channel, nil
}

// ProactiveWarm pre-establishes body channels in fixed-size batches, each
// batch awaited fully before the next, so first-open latency is hidden
// without unbounded fan-out.
func (self *Orchestrator) ProactiveWarm(ctx context.Context, paths []string) {
	concurrency := self.settings.WarmConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for start := 0; start < len(paths); start += concurrency {
		end := min(start+concurrency, len(paths))

		var wg sync.WaitGroup
		for _, path := range paths[start:end] {
			docId := DocumentId(self.ToCanonical(path))
			self.mutex.Lock()
			channel := self.bodyChannels[docId]
			self.mutex.Unlock()
			if channel != nil && (channel.IsConnected() || channel.IsConnecting()) {
				continue
			}

			wg.Add(1)
			go func(path string) {
				defer wg.Done()
				if _, err := self.EnsureBodyChannel(ctx, path); err != nil {
					glog.Infof("[or]warm %s error = %s\n", path, err)
				}
			}(path)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// CloseBodyChannel destroys and deregisters the channel for path. Idempotent.
func (self *Orchestrator) CloseBodyChannel(path string) {
	docId := DocumentId(self.ToCanonical(path))

	self.mutex.Lock()
	channel := self.bodyChannels[docId]
	delete(self.bodyChannels, docId)
	delete(self.echoMemory, docId)
	self.mutex.Unlock()

	if channel != nil {
		channel.Destroy()
	}
}

// CloseAll destroys every tracked body channel.
func (self *Orchestrator) CloseAll() {
	self.mutex.Lock()
	channels := maps.Values(self.bodyChannels)
	maps.Clear(self.bodyChannels)
	maps.Clear(self.echoMemory)
	self.mutex.Unlock()

	for _, channel := range channels {
		channel.Destroy()
	}
}

// StartSessionSync tears down any existing workspace channel, connects a new
// one scoped to sessionCode, and returns after the first sync completes or
// the session-sync timeout elapses. The caller proceeds either way; blocking
// indefinitely on an unreachable peer is worse than proceeding with stale
// state.
func (self *Orchestrator) StartSessionSync(serverUrl string, sessionCode string, isHost bool) error {
	self.StopSessionSync()

	self.mutex.Lock()
	self.serverUrl = serverUrl
	self.sessionCode = sessionCode
	self.isHost = isHost
	self.initialSynced = false
	self.initialSyncedC = make(chan struct{})
	auth := self.auth
	self.mutex.Unlock()

	// changed paths are diffed against this baseline as workspace updates land
	if entries, err := self.engine.ListEntries(self.ctx, true); err == nil {
		self.mutex.Lock()
		self.entrySnapshot = entries
		self.mutex.Unlock()
	}

	url, err := channelUrl(serverUrl, WorkspaceDocumentId, sessionCode, auth)
	if err != nil {
		return err
	}

	self.setSyncStatus(SyncStatusConnecting, nil)

	workspace := NewChannel(self.ctx, self.engine, url, WorkspaceDocumentId, self.settings.ChannelSettings)
	subs := []func(){
		workspace.AddStatusCallback(func(connected bool) {
			if connected {
				self.setSyncStatus(SyncStatusSyncing, nil)
			} else {
				self.setSyncStatus(SyncStatusConnecting, nil)
			}
			dispatch(self.statusCallbacks, func(callback statusFunction) {
				callback(connected)
			})
		}),
		workspace.AddSyncedCallback(func() {
			self.markInitialSynced()
			self.setSyncStatus(SyncStatusSynced, nil)
			dispatch(self.syncedCallbacks, func(callback syncedFunction) {
				callback()
			})
		}),
		workspace.AddChangeCallback(func(DocumentId, string, string) {
			self.handleWorkspaceChange()
		}),
		workspace.AddProgressCallback(func(completed int, total int) {
			dispatch(self.progressCallbacks, func(callback progressFunction) {
				callback(completed, total)
			})
		}),
		workspace.AddFailedCallback(func() {
			self.setSyncStatus(SyncStatusError, errReconnectFailed)
		}),
	}

	self.mutex.Lock()
	self.workspace = workspace
	self.workspaceSubs = subs
	syncedC := self.initialSyncedC
	self.mutex.Unlock()

	workspace.Connect()

	select {
	case <-syncedC:
	case <-time.After(self.settings.SessionSyncTimeout):
		glog.Infof("[or]session sync wait timed out, proceeding\n")
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
	return nil
}

// StopSessionSync destroys the workspace channel and every body channel and
// clears the session code.
func (self *Orchestrator) StopSessionSync() {
	self.mutex.Lock()
	workspace := self.workspace
	subs := self.workspaceSubs
	self.workspace = nil
	self.workspaceSubs = nil
	self.sessionCode = ""
	self.mutex.Unlock()

	if workspace != nil {
		for _, unsub := range subs {
			unsub()
		}
		workspace.Destroy()
	}
	self.CloseAll()
	self.setSyncStatus(SyncStatusIdle, nil)
}

// WaitForInitialSync blocks until the first workspace sync, with an advisory
// timeout. With no channel configured at all there is nothing to wait for:
// pure local mode completes immediately.
func (self *Orchestrator) WaitForInitialSync(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = self.settings.InitialSyncTimeout
	}

	self.mutex.Lock()
	if self.initialSynced {
		self.mutex.Unlock()
		return true
	}
	if self.workspace == nil {
		self.initialSynced = true
		close(self.initialSyncedC)
		self.mutex.Unlock()
		return true
	}
	syncedC := self.initialSyncedC
	self.mutex.Unlock()

	select {
	case <-syncedC:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (self *Orchestrator) markInitialSynced() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.initialSynced {
		self.initialSynced = true
		close(self.initialSyncedC)
	}
}

func (self *Orchestrator) setSyncStatus(status SyncStatus, err error) {
	self.mutex.Lock()
	if self.syncStatus == status {
		self.mutex.Unlock()
		return
	}
	self.syncStatus = status
	self.mutex.Unlock()

	dispatch(self.syncStatusCallbacks, func(callback syncStatusFunction) {
		callback(status, err)
	})
}

func (self *Orchestrator) Status() OrchestratorStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	status := OrchestratorStatus{
		IsHost:       self.isHost,
		BodyChannels: len(self.bodyChannels),
		SyncStatus:   self.syncStatus,
	}
	if self.workspace != nil {
		status.Connected = self.workspace.IsConnected()
		status.Synced = self.workspace.IsSynced()
	}
	return status
}

func (self *Orchestrator) Destroy() {
	self.StopSessionSync()
	self.cancel()
}
