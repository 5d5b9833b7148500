package docsync

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/inklet/docsync/protocol"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func fastChannelSettings() *ChannelSettings {
	settings := DefaultChannelSettings()
	settings.ReconnectBackoffBase = 5 * time.Millisecond
	settings.ReconnectBackoffCap = 20 * time.Millisecond
	return settings
}

// in-process sync server for channel tests
type testSyncServer struct {
	server   *httptest.Server
	connC    chan *websocket.Conn
	received chan protocol.Message

	mutex sync.Mutex
	conns []*websocket.Conn
}

func newTestSyncServer() *testSyncServer {
	self := &testSyncServer{
		connC:    make(chan *websocket.Conn, 16),
		received: make(chan protocol.Message, 64),
	}
	upgrader := &websocket.Upgrader{}
	self.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		self.mutex.Lock()
		self.conns = append(self.conns, ws)
		self.mutex.Unlock()
		self.connC <- ws

		for {
			messageType, b, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.BinaryMessage {
				for _, message := range protocol.DecodeMessages(b) {
					self.received <- message
				}
			}
		}
	}))
	return self
}

func (self *testSyncServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testSyncServer) awaitConn(t *testing.T) *websocket.Conn {
	select {
	case ws := <-self.connC:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (self *testSyncServer) awaitMessage(t *testing.T) protocol.Message {
	select {
	case message := <-self.received:
		return message
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return protocol.Message{}
	}
}

func (self *testSyncServer) send(ws *websocket.Conn, subKind uint32, payload []byte) error {
	return ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeMessage(protocol.KindSync, subKind, payload))
}

func (self *testSyncServer) close() {
	self.mutex.Lock()
	for _, ws := range self.conns {
		ws.Close()
	}
	self.mutex.Unlock()
	self.server.Close()
}

func TestChannelHandshake(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	engine := NewMemoryEngine()
	channel := NewChannel(context.Background(), engine, server.url(), DocumentId("notes/a.md"), fastChannelSettings())
	defer channel.Destroy()

	statusC := make(chan bool, 4)
	channel.AddStatusCallback(func(connected bool) {
		statusC <- connected
	})

	channel.Connect()

	assert.Equal(t, true, <-statusC)
	assert.Equal(t, true, channel.IsConnected())

	// handshake is a state-vector request carrying the minimal valid empty
	// vector, never zero bytes
	message := server.awaitMessage(t)
	assert.Equal(t, protocol.SyncStateVectorRequest, message.SubKind)
	assert.Equal(t, EmptyStateVector, message.Payload)
}

func TestChannelConnectIdempotent(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	engine := NewMemoryEngine()
	channel := NewChannel(context.Background(), engine, server.url(), DocumentId("notes/a.md"), fastChannelSettings())
	defer channel.Destroy()

	channel.Connect()
	server.awaitConn(t)
	channel.Connect()
	channel.Connect()

	select {
	case <-server.connC:
		t.Fatal("connect opened a second transport")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelAnswersStateVectorRequest(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	ctx := context.Background()
	engine := NewMemoryEngine()
	engine.SetContent(ctx, DocumentId("notes/a.md"), "hello")

	channel := NewChannel(ctx, engine, server.url(), DocumentId("notes/a.md"), fastChannelSettings())
	defer channel.Destroy()

	syncedCount := 0
	syncedC := make(chan struct{}, 4)
	channel.AddSyncedCallback(func() {
		syncedCount += 1
		syncedC <- struct{}{}
	})

	channel.Connect()
	ws := server.awaitConn(t)

	// drain the handshake
	handshake := server.awaitMessage(t)
	assert.Equal(t, protocol.SyncStateVectorRequest, handshake.SubKind)

	// a stale peer asks what it is missing
	assert.Equal(t, nil, server.send(ws, protocol.SyncStateVectorRequest, EmptyStateVector))

	reply := server.awaitMessage(t)
	assert.Equal(t, protocol.SyncDiffResponse, reply.SubKind)

	state, err := engine.GetFullState(ctx, DocumentId("notes/a.md"))
	assert.Equal(t, nil, err)
	assert.Equal(t, state, reply.Payload)

	// the first exchange marks synced, exactly once per connection
	<-syncedC
	assert.Equal(t, true, channel.IsSynced())

	assert.Equal(t, nil, server.send(ws, protocol.SyncStateVectorRequest, EmptyStateVector))
	server.awaitMessage(t)

	select {
	case <-syncedC:
		t.Fatal("synced fired twice on one connection")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, syncedCount)
}

func TestChannelCurrentPeerGetsNoDiff(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	ctx := context.Background()
	engine := NewMemoryEngine()
	engine.SetContent(ctx, DocumentId("notes/a.md"), "hello")

	channel := NewChannel(ctx, engine, server.url(), DocumentId("notes/a.md"), fastChannelSettings())
	defer channel.Destroy()

	channel.Connect()
	ws := server.awaitConn(t)
	server.awaitMessage(t)

	// peer is already current: no diff response at all
	stateVector, err := engine.GetStateVector(ctx, DocumentId("notes/a.md"))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, server.send(ws, protocol.SyncStateVectorRequest, stateVector))

	select {
	case message := <-server.received:
		t.Fatalf("unexpected reply subKind=%d", message.SubKind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelAppliesInboundUpdate(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	ctx := context.Background()
	docId := DocumentId("notes/a.md")
	engine := NewMemoryEngine()

	channel := NewChannel(ctx, engine, server.url(), docId, fastChannelSettings())
	defer channel.Destroy()

	changeC := make(chan [2]string, 4)
	channel.AddChangeCallback(func(docId DocumentId, beforeContent string, afterContent string) {
		changeC <- [2]string{beforeContent, afterContent}
	})

	channel.Connect()
	ws := server.awaitConn(t)
	server.awaitMessage(t)

	// a remote engine's full state lands as an update broadcast
	remote := NewMemoryEngine()
	remote.SetContent(ctx, docId, "from peer")
	update, err := remote.GetFullState(ctx, docId)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, server.send(ws, protocol.SyncUpdateBroadcast, update))

	change := <-changeC
	assert.Equal(t, "", change[0])
	assert.Equal(t, "from peer", change[1])

	content, err := engine.GetContent(ctx, docId)
	assert.Equal(t, nil, err)
	assert.Equal(t, "from peer", content)
}

func TestChannelProgressSideChannel(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	engine := NewMemoryEngine()
	channel := NewChannel(context.Background(), engine, server.url(), WorkspaceDocumentId, fastChannelSettings())
	defer channel.Destroy()

	progressC := make(chan [2]int, 4)
	channel.AddProgressCallback(func(completed int, total int) {
		progressC <- [2]int{completed, total}
	})

	channel.Connect()
	ws := server.awaitConn(t)
	server.awaitMessage(t)

	// control json rides on text frames, separate from the binary protocol
	err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"sync_progress","completed":3,"total":7}`))
	assert.Equal(t, nil, err)

	progress := <-progressC
	assert.Equal(t, 3, progress[0])
	assert.Equal(t, 7, progress[1])
}

func TestChannelSendLocalChanges(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	ctx := context.Background()
	docId := DocumentId("notes/a.md")
	engine := NewMemoryEngine()
	engine.SetContent(ctx, docId, "local edit")

	channel := NewChannel(ctx, engine, server.url(), docId, fastChannelSettings())
	defer channel.Destroy()

	// disconnected: logs and returns, no queueing
	channel.SendLocalChanges()

	channel.Connect()
	server.awaitConn(t)
	server.awaitMessage(t)

	channel.SendLocalChanges()
	message := server.awaitMessage(t)
	assert.Equal(t, protocol.SyncUpdateBroadcast, message.SubKind)

	state, err := engine.GetFullState(ctx, docId)
	assert.Equal(t, nil, err)
	assert.Equal(t, state, message.Payload)
}

func TestChannelReconnects(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	engine := NewMemoryEngine()
	channel := NewChannel(context.Background(), engine, server.url(), DocumentId("notes/a.md"), fastChannelSettings())
	defer channel.Destroy()

	syncedC := make(chan struct{}, 4)
	channel.AddSyncedCallback(func() {
		syncedC <- struct{}{}
	})

	channel.Connect()
	ws := server.awaitConn(t)
	server.awaitMessage(t)
	server.send(ws, protocol.SyncUpdateBroadcast, mustState(t, "one"))
	<-syncedC

	// unexpected close: the channel redials on the backoff schedule and the
	// synced callback re-arms for the new connection
	ws.Close()

	ws2 := server.awaitConn(t)
	server.awaitMessage(t)
	server.send(ws2, protocol.SyncUpdateBroadcast, mustState(t, "two"))

	select {
	case <-syncedC:
	case <-time.After(5 * time.Second):
		t.Fatal("synced did not re-arm after reconnect")
	}
}

func TestChannelDisconnectDoesNotReconnect(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	engine := NewMemoryEngine()
	channel := NewChannel(context.Background(), engine, server.url(), DocumentId("notes/a.md"), fastChannelSettings())
	defer channel.Destroy()

	channel.Connect()
	server.awaitConn(t)

	channel.Disconnect()
	assert.Equal(t, false, channel.IsConnected())

	select {
	case <-server.connC:
		t.Fatal("explicit disconnect triggered a reconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelDestroyIsTerminal(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	engine := NewMemoryEngine()
	channel := NewChannel(context.Background(), engine, server.url(), DocumentId("notes/a.md"), fastChannelSettings())

	channel.Connect()
	ws := server.awaitConn(t)

	channel.Destroy()
	assert.Equal(t, true, channel.IsDestroyed())

	// a stray close after destroy must not resurrect the channel
	ws.Close()
	channel.Connect()

	select {
	case <-server.connC:
		t.Fatal("destroyed channel reconnected")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelGivesUpAfterMaxAttempts(t *testing.T) {
	// a server that is gone immediately
	server := newTestSyncServer()
	url := server.url()
	server.close()

	settings := fastChannelSettings()
	settings.MaxReconnectAttempts = 3

	engine := NewMemoryEngine()
	channel := NewChannel(context.Background(), engine, url, DocumentId("notes/a.md"), settings)
	defer channel.Destroy()

	failedC := make(chan struct{}, 1)
	channel.AddFailedCallback(func() {
		select {
		case failedC <- struct{}{}:
		default:
		}
	})

	channel.Connect()

	select {
	case <-failedC:
	case <-time.After(5 * time.Second):
		t.Fatal("no permanent failure after attempt cap")
	}
	assert.Equal(t, false, channel.IsConnected())
}

func TestBackoffDelay(t *testing.T) {
	base := 1000 * time.Millisecond
	cap_ := 30000 * time.Millisecond

	// delay before attempt N is min(1000ms * 2^N, 30000ms)
	assert.Equal(t, 1000*time.Millisecond, backoffDelay(0, base, cap_))
	assert.Equal(t, 2000*time.Millisecond, backoffDelay(1, base, cap_))
	assert.Equal(t, 4000*time.Millisecond, backoffDelay(2, base, cap_))
	assert.Equal(t, 16000*time.Millisecond, backoffDelay(4, base, cap_))
	assert.Equal(t, 30000*time.Millisecond, backoffDelay(5, base, cap_))
	assert.Equal(t, 30000*time.Millisecond, backoffDelay(9, base, cap_))
	assert.Equal(t, 30000*time.Millisecond, backoffDelay(100, base, cap_))
}

func mustState(t *testing.T, content string) []byte {
	engine := NewMemoryEngine()
	engine.SetContent(context.Background(), DocumentId("x"), content)
	state, err := engine.GetFullState(context.Background(), DocumentId("x"))
	assert.Equal(t, nil, err)
	return state
}
