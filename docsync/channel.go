package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/inklet/docsync/protocol"
)

var errTransportClosed = errors.New("transport closed")

type ChannelSettings struct {
	WsHandshakeTimeout   time.Duration
	WriteTimeout         time.Duration
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
	MaxReconnectAttempts int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectBackoffBase: 1 * time.Second,
		ReconnectBackoffCap:  30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// before/after content snapshots around an inbound update.
// workspace channels pass empty strings; the metadata tree is re-read by the
// subscriber instead.
type changeFunction = func(docId DocumentId, beforeContent string, afterContent string)

// Channel is one persistent duplex session for one logical document.
// It owns the websocket handle, the handshake, and reconnection; the engine
// stays authoritative for all document state.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine Engine
	url    string
	docId  DocumentId

	settings *ChannelSettings

	stateMutex sync.Mutex
	ws         *websocket.Conn
	connecting bool
	attempts   int
	synced     bool
	destroyed  bool
	// set by Disconnect/Destroy so the close handler does not reconnect
	explicitClose bool
	reconnect     reconnectTimer

	writeMutex sync.Mutex

	statusCallbacks   *callbackList[statusFunction]
	syncedCallbacks   *callbackList[syncedFunction]
	changeCallbacks   *callbackList[changeFunction]
	progressCallbacks *callbackList[progressFunction]
	failedCallbacks   *callbackList[func()]
}

func NewChannelWithDefaults(ctx context.Context, engine Engine, url string, docId DocumentId) *Channel {
	return NewChannel(ctx, engine, url, docId, DefaultChannelSettings())
}

func NewChannel(ctx context.Context, engine Engine, url string, docId DocumentId, settings *ChannelSettings) *Channel {
	if engine == nil {
		panic("Channel requires an engine.")
	}
	if url == "" {
		panic("Channel requires a url.")
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Channel{
		ctx:               cancelCtx,
		cancel:            cancel,
		engine:            engine,
		url:               url,
		docId:             docId,
		settings:          settings,
		statusCallbacks:   newCallbackList[statusFunction](),
		syncedCallbacks:   newCallbackList[syncedFunction](),
		changeCallbacks:   newCallbackList[changeFunction](),
		progressCallbacks: newCallbackList[progressFunction](),
		failedCallbacks:   newCallbackList[func()](),
	}
}

func (self *Channel) DocumentId() DocumentId {
	return self.docId
}

func (self *Channel) AddStatusCallback(callback statusFunction) func() {
	return self.statusCallbacks.add(callback)
}

func (self *Channel) AddSyncedCallback(callback syncedFunction) func() {
	return self.syncedCallbacks.add(callback)
}

func (self *Channel) AddChangeCallback(callback changeFunction) func() {
	return self.changeCallbacks.add(callback)
}

func (self *Channel) AddProgressCallback(callback progressFunction) func() {
	return self.progressCallbacks.add(callback)
}

// fires when the reconnect attempt cap is exceeded. No further automatic
// action follows; an explicit Connect resumes.
func (self *Channel) AddFailedCallback(callback func()) func() {
	return self.failedCallbacks.add(callback)
}

func (self *Channel) IsConnected() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.ws != nil
}

func (self *Channel) IsConnecting() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.connecting
}

func (self *Channel) IsSynced() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.synced
}

func (self *Channel) IsDestroyed() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.destroyed
}

// Connect opens the transport and sends the state-vector handshake.
// No-op when already open, opening, or destroyed. Dial failures are logged
// and retried on the backoff schedule; a handshake send failure leaves the
// connection open awaiting server messages.
func (self *Channel) Connect() {
	self.stateMutex.Lock()
	if self.destroyed || self.ws != nil || self.connecting {
		self.stateMutex.Unlock()
		return
	}
	self.connecting = true
	self.stateMutex.Unlock()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)

	self.stateMutex.Lock()
	self.connecting = false
	if err != nil {
		glog.Infof("[ch]%s dial error = %s\n", self.docId, err)
		self.scheduleReconnect()
		self.stateMutex.Unlock()
		return
	}
	if self.destroyed {
		self.stateMutex.Unlock()
		ws.Close()
		return
	}
	self.ws = ws
	self.attempts = 0
	self.explicitClose = false
	self.stateMutex.Unlock()

	glog.V(1).Infof("[ch]%s open\n", self.docId)
	dispatch(self.statusCallbacks, func(callback statusFunction) {
		callback(true)
	})

	self.sendStateVectorRequest()

	go self.readLoop(ws)
}

func (self *Channel) sendStateVectorRequest() {
	stateVector, err := self.engine.GetStateVector(self.ctx, self.docId)
	if err != nil {
		glog.Infof("[ch]%s state vector error = %s\n", self.docId, err)
		stateVector = nil
	}
	// an empty vector still needs the minimal valid encoding, since zero
	// bytes is ambiguous with "no vector"
	message := protocol.EncodeMessage(
		protocol.KindSync,
		protocol.SyncStateVectorRequest,
		stateVectorOrEmpty(stateVector),
	)
	if err := self.write(message); err != nil {
		// stay open and await server messages
		glog.Infof("[ch]%s handshake send error = %s\n", self.docId, err)
	}
}

func (self *Channel) readLoop(ws *websocket.Conn) {
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ch]%s<- closed = %s\n", self.docId, err)
			self.handleClose(ws)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			self.handleSyncMessages(message)
		case websocket.TextMessage:
			self.handleControlMessage(message)
		default:
			glog.V(2).Infof("[ch]%s<- other=%d\n", self.docId, messageType)
		}
	}
}

func (self *Channel) handleSyncMessages(b []byte) {
	for _, message := range protocol.DecodeMessages(b) {
		switch message.SubKind {
		case protocol.SyncStateVectorRequest:
			diff, err := self.engine.GetMissingUpdates(self.ctx, self.docId, message.Payload)
			if err != nil {
				glog.Infof("[ch]%s missing updates error = %s\n", self.docId, err)
				continue
			}
			if 0 < len(diff) {
				reply := protocol.EncodeMessage(protocol.KindSync, protocol.SyncDiffResponse, diff)
				if err := self.write(reply); err != nil {
					glog.Infof("[ch]%s-> diff error = %s\n", self.docId, err)
				}
			}
		case protocol.SyncDiffResponse, protocol.SyncUpdateBroadcast:
			self.applyInbound(message.Payload)
		default:
			glog.V(2).Infof("[ch]%s<- unknown subkind=%d\n", self.docId, message.SubKind)
		}
		self.markSynced()
	}
}

func (self *Channel) applyInbound(update []byte) {
	beforeContent := ""
	afterContent := ""
	if !self.docId.IsWorkspace() {
		if content, err := self.engine.GetContent(self.ctx, self.docId); err == nil {
			beforeContent = content
		}
	}

	if err := self.engine.ApplyUpdate(self.ctx, self.docId, update); err != nil {
		glog.Infof("[ch]%s apply error = %s\n", self.docId, err)
		return
	}

	if !self.docId.IsWorkspace() {
		if content, err := self.engine.GetContent(self.ctx, self.docId); err == nil {
			afterContent = content
		}
	}

	dispatch(self.changeCallbacks, func(callback changeFunction) {
		callback(self.docId, beforeContent, afterContent)
	})
}

func (self *Channel) handleControlMessage(b []byte) {
	var control controlMessage
	if err := json.Unmarshal(b, &control); err != nil {
		glog.V(2).Infof("[ch]%s<- bad control = %s\n", self.docId, err)
		return
	}
	switch control.Type {
	case controlTypeSyncProgress:
		dispatch(self.progressCallbacks, func(callback progressFunction) {
			callback(control.Completed, control.Total)
		})
	default:
		glog.V(2).Infof("[ch]%s<- control type=%s\n", self.docId, control.Type)
	}
}

func (self *Channel) markSynced() {
	self.stateMutex.Lock()
	if self.synced || self.ws == nil {
		self.stateMutex.Unlock()
		return
	}
	self.synced = true
	self.stateMutex.Unlock()

	glog.V(1).Infof("[ch]%s synced\n", self.docId)
	dispatch(self.syncedCallbacks, func(callback syncedFunction) {
		callback()
	})
}

// SendLocalChanges transmits the full local state as an update broadcast.
// When disconnected this logs and returns; delivery happens through the
// normal re-sync on reconnect, never through client-side queueing.
func (self *Channel) SendLocalChanges() {
	if !self.IsConnected() {
		glog.V(1).Infof("[ch]%s-> skipped, not connected\n", self.docId)
		return
	}
	state, err := self.engine.GetFullState(self.ctx, self.docId)
	if err != nil {
		glog.Infof("[ch]%s full state error = %s\n", self.docId, err)
		return
	}
	message := protocol.EncodeMessage(protocol.KindSync, protocol.SyncUpdateBroadcast, state)
	if err := self.write(message); err != nil {
		glog.Infof("[ch]%s-> send error = %s\n", self.docId, err)
	}
}

// SendRaw transmits pre-framed bytes verbatim, for when the engine already
// decided what goes on the wire.
func (self *Channel) SendRaw(b []byte) {
	if !self.IsConnected() {
		glog.V(1).Infof("[ch]%s-> raw skipped, not connected\n", self.docId)
		return
	}
	if err := self.write(b); err != nil {
		glog.Infof("[ch]%s-> raw error = %s\n", self.docId, err)
	}
}

func (self *Channel) write(b []byte) error {
	self.stateMutex.Lock()
	ws := self.ws
	self.stateMutex.Unlock()
	if ws == nil {
		return errTransportClosed
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, b)
}

func (self *Channel) handleClose(ws *websocket.Conn) {
	self.stateMutex.Lock()
	if self.ws != ws {
		// stale close from a superseded transport
		self.stateMutex.Unlock()
		return
	}
	self.ws = nil
	self.synced = false
	unexpected := !self.explicitClose && !self.destroyed
	if unexpected {
		self.scheduleReconnect()
	}
	self.stateMutex.Unlock()

	dispatch(self.statusCallbacks, func(callback statusFunction) {
		callback(false)
	})
}

// caller holds stateMutex
func (self *Channel) scheduleReconnect() {
	if self.destroyed {
		return
	}
	if self.settings.MaxReconnectAttempts <= self.attempts {
		glog.Infof("[ch]%s reconnect failed permanently after %d attempts\n", self.docId, self.attempts)
		// dispatched off the state mutex so a subscriber can call back in
		go dispatch(self.failedCallbacks, func(callback func()) {
			callback()
		})
		return
	}
	delay := backoffDelay(self.attempts, self.settings.ReconnectBackoffBase, self.settings.ReconnectBackoffCap)
	self.attempts += 1
	glog.V(1).Infof("[ch]%s reconnect %d in %s\n", self.docId, self.attempts, delay)
	self.reconnect.schedule(delay, func() {
		if self.IsDestroyed() {
			return
		}
		self.Connect()
	})
}

// Disconnect closes the transport without triggering reconnection.
func (self *Channel) Disconnect() {
	self.stateMutex.Lock()
	self.explicitClose = true
	self.reconnect.stop()
	ws := self.ws
	self.ws = nil
	self.synced = false
	self.stateMutex.Unlock()

	if ws != nil {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
		ws.Close()
		dispatch(self.statusCallbacks, func(callback statusFunction) {
			callback(false)
		})
	}
}

// Destroy is terminal. A destroyed channel never reconnects, even if a
// stray close event fires afterward.
func (self *Channel) Destroy() {
	self.stateMutex.Lock()
	self.destroyed = true
	self.stateMutex.Unlock()

	self.Disconnect()
	self.cancel()
}
