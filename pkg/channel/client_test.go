package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coview-labs/coview/pkg/protocol"
)

// echoServer accepts websocket upgrades and records every inbound JSON
// frame. Server-side connections can be closed abruptly to exercise the
// reconnect path.
type echoServer struct {
	srv    *httptest.Server
	frames chan map[string]any

	mu    sync.Mutex
	conns []*websocket.Conn
	dials int
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{frames: make(chan map[string]any, 64)}
	upgrader := websocket.Upgrader{}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, conn)
		es.dials++
		es.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				es.frames <- frame
			}
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *echoServer) url() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

func (es *echoServer) dialCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.dials
}

func (es *echoServer) dropAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, conn := range es.conns {
		_ = conn.Close()
	}
	es.conns = nil
}

func (es *echoServer) send(t *testing.T, payload string) {
	t.Helper()
	es.mu.Lock()
	defer es.mu.Unlock()
	if len(es.conns) == 0 {
		t.Fatal("no server-side connection to send on")
	}
	if err := es.conns[len(es.conns)-1].WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("server send: %v", err)
	}
}

func (es *echoServer) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-es.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// recordingEvents captures callbacks on channels for assertion.
type recordingEvents struct {
	NopEvents
	states    chan bool
	exhausted chan error
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		states:    make(chan bool, 16),
		exhausted: make(chan error, 1),
	}
}

func (r *recordingEvents) ConnectionState(connected bool) { r.states <- connected }
func (r *recordingEvents) ReconnectsExhausted(err error)  { r.exhausted <- err }

func (r *recordingEvents) waitState(t *testing.T, want bool) {
	t.Helper()
	for {
		select {
		case got := <-r.states:
			if got == want {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for connection state %v", want)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(es *echoServer, events Events) *Client {
	return New(Options{
		ServerURL:  es.url(),
		SessionID:  "test-session",
		Backoff:    Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2.0},
		CaptureFPS: 1,
		SampleRate: 16000,
		Events:     events,
		Logger:     quietLogger(),
	})
}

func TestConnectIsIdempotent(t *testing.T) {
	es := newEchoServer(t)
	c := testClient(es, nil)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("client not connected after Connect")
	}
	if got := es.dialCount(); got != 1 {
		t.Fatalf("server saw %d connections, want 1", got)
	}
}

func TestSeqStrictlyIncreasingWithinConnection(t *testing.T) {
	es := newEchoServer(t)
	c := testClient(es, nil)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.SendTextMessage("one", 10); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := c.SendImageFrame([]byte{0xff, 0xd8}, 20); err != nil {
		t.Fatalf("send image: %v", err)
	}
	if err := c.SendAudioPcm(make([]byte, 640), 0, 320, 16000); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	for want := 1; want <= 3; want++ {
		frame := es.nextFrame(t)
		seq, ok := frame["seq"].(float64)
		if !ok {
			t.Fatalf("frame %v has no numeric seq", frame["type"])
		}
		if int(seq) != want {
			t.Fatalf("frame %d: seq = %v, want %d", want, seq, want)
		}
	}
}

func TestSeqResetsOnNewConnection(t *testing.T) {
	es := newEchoServer(t)
	events := newRecordingEvents()
	c := testClient(es, events)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	events.waitState(t, true)
	_ = c.SendTextMessage("before drop", 1)
	_ = c.SendTextMessage("still before", 2)
	es.nextFrame(t)
	es.nextFrame(t)

	es.dropAll()
	events.waitState(t, false)
	events.waitState(t, true)

	if err := c.SendTextMessage("after reconnect", 3); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	frame := es.nextFrame(t)
	if seq := frame["seq"].(float64); int(seq) != 1 {
		t.Fatalf("first frame after reconnect: seq = %v, want 1", seq)
	}
}

func TestMediaDroppedSilentlyWhileDisconnected(t *testing.T) {
	es := newEchoServer(t)
	c := testClient(es, nil)

	if err := c.SendAudioPcm(make([]byte, 640), 0, 320, 16000); err != nil {
		t.Fatalf("audio send while disconnected returned error: %v", err)
	}
	if err := c.SendImageFrame([]byte{0xff, 0xd8}, 5); err != nil {
		t.Fatalf("image send while disconnected returned error: %v", err)
	}
	stats := c.Stats()
	if stats.MediaDropped != 2 {
		t.Fatalf("MediaDropped = %d, want 2", stats.MediaDropped)
	}
	if got := c.PendingLen(); got != 0 {
		t.Fatalf("media frames queued: PendingLen = %d, want 0", got)
	}
}

func TestControlFramesQueuedAndFlushedInOrder(t *testing.T) {
	es := newEchoServer(t)
	c := New(Options{
		ServerURL:        es.url(),
		SessionID:        "test-session",
		Backoff:          Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2.0},
		PendingQueueSize: 3,
		Events:           nil,
		Logger:           quietLogger(),
	})
	defer c.Disconnect()

	_ = c.SendTextMessage("t0", 0)
	_ = c.SendTextMessage("t1", 1)
	_ = c.SendTextMessage("t2", 2)
	_ = c.SendTextMessage("t3", 3) // evicts t0
	if got := c.PendingLen(); got != 3 {
		t.Fatalf("PendingLen = %d, want 3", got)
	}
	if got := c.Stats().QueueEvicted; got != 1 {
		t.Fatalf("QueueEvicted = %d, want 1", got)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	want := []string{"t1", "t2", "t3"}
	for i, expected := range want {
		frame := es.nextFrame(t)
		if text := frame["text"]; text != expected {
			t.Fatalf("flushed frame %d: text = %v, want %q", i, text, expected)
		}
		if seq := frame["seq"].(float64); int(seq) != i+1 {
			t.Fatalf("flushed frame %d: seq = %v, want %d", i, seq, i+1)
		}
	}
	if got := c.PendingLen(); got != 0 {
		t.Fatalf("PendingLen after flush = %d, want 0", got)
	}
}

func TestReconnectAfterAbruptClose(t *testing.T) {
	es := newEchoServer(t)
	events := newRecordingEvents()
	c := testClient(es, events)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	events.waitState(t, true)

	es.dropAll()
	events.waitState(t, false)
	events.waitState(t, true)

	if got := es.dialCount(); got < 2 {
		t.Fatalf("server saw %d connections after abrupt close, want >= 2", got)
	}
	if got := c.Stats().Reconnects; got < 1 {
		t.Fatalf("Reconnects = %d, want >= 1", got)
	}
}

func TestReconnectsExhaustedAfterMaxAttempts(t *testing.T) {
	es := newEchoServer(t)
	deadURL := es.url()
	es.srv.Close()

	events := newRecordingEvents()
	c := New(Options{
		ServerURL:            deadURL,
		Backoff:              Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2.0},
		MaxReconnectAttempts: 2,
		Events:               events,
		Logger:               quietLogger(),
	})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect to closed server succeeded")
	}
	select {
	case err := <-events.exhausted:
		if err == nil {
			t.Fatal("exhausted callback delivered nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect exhaustion")
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	es := newEchoServer(t)
	events := newRecordingEvents()
	c := testClient(es, events)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	events.waitState(t, true)
	c.Disconnect()

	time.Sleep(100 * time.Millisecond)
	if got := es.dialCount(); got != 1 {
		t.Fatalf("server saw %d connections after manual disconnect, want 1", got)
	}
	if c.IsConnected() {
		t.Fatal("client reports connected after Disconnect")
	}
}

func TestReconnectAfterManualDisconnect(t *testing.T) {
	es := newEchoServer(t)
	events := newRecordingEvents()
	c := testClient(es, events)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	events.waitState(t, true)
	c.Disconnect()
	events.waitState(t, false)
	if c.SessionElapsedMs() != 0 {
		t.Fatal("session anchor should clear on manual disconnect")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect after manual disconnect: %v", err)
	}
	events.waitState(t, true)
	if !c.IsConnected() {
		t.Fatal("client should report connected after restart")
	}
	if got := es.dialCount(); got != 2 {
		t.Fatalf("server saw %d connections, want 2", got)
	}

	if err := c.SendTextMessage("back again", c.SessionElapsedMs()); err != nil {
		t.Fatalf("send after restart: %v", err)
	}
	frame := es.nextFrame(t)
	if frame["type"] != protocol.TypeText {
		t.Fatalf("unexpected frame after restart: %v", frame)
	}
	if seq, ok := frame["seq"].(float64); !ok || seq != 1 {
		t.Fatalf("seq should restart at 1 on the new socket, got %v", frame["seq"])
	}
}

func TestInboundDispatch(t *testing.T) {
	es := newEchoServer(t)
	transcripts := make(chan string, 4)
	responses := make(chan string, 4)
	protoErrs := make(chan error, 4)

	events := &dispatchEvents{
		transcripts: transcripts,
		responses:   responses,
		protoErrs:   protoErrs,
	}
	c := testClient(es, events)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Server needs a registered conn before sending; connect wait above
	// guarantees the upgrade completed.
	es.send(t, `{"type":"transcript","text":"hello","isFinal":false,"tsMs":120}`)
	es.send(t, `{"type":"response","text":"hi there"}`)
	es.send(t, `{"type":"transcript","text":"oops"`) // truncated JSON

	select {
	case got := <-transcripts:
		if got != "hello" {
			t.Fatalf("transcript = %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
	select {
	case got := <-responses:
		if got != "hi there" {
			t.Fatalf("response = %q, want %q", got, "hi there")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	select {
	case err := <-protoErrs:
		if err == nil {
			t.Fatal("protocol error callback delivered nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for protocol error")
	}
	if got := c.Stats().ParseFailures; got != 1 {
		t.Fatalf("ParseFailures = %d, want 1", got)
	}
}

type dispatchEvents struct {
	NopEvents
	transcripts chan string
	responses   chan string
	protoErrs   chan error
}

func (d *dispatchEvents) Transcript(m protocol.ServerTranscript) { d.transcripts <- m.Text }
func (d *dispatchEvents) Response(m protocol.ServerResponse)     { d.responses <- m.Text }
func (d *dispatchEvents) ProtocolError(err error)                { d.protoErrs <- err }

// toggleConnectivity simulates the host going offline and back online.
type toggleConnectivity struct {
	mu      sync.Mutex
	online  bool
	changes chan struct{}
}

func (tc *toggleConnectivity) Online() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.online
}

func (tc *toggleConnectivity) Changes() <-chan struct{} {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.changes
}

func (tc *toggleConnectivity) set(online bool) {
	tc.mu.Lock()
	tc.online = online
	ch := tc.changes
	tc.changes = make(chan struct{})
	tc.mu.Unlock()
	close(ch)
}

func TestReconnectWaitsForConnectivity(t *testing.T) {
	es := newEchoServer(t)
	conn := &toggleConnectivity{online: true, changes: make(chan struct{})}
	events := newRecordingEvents()
	c := New(Options{
		ServerURL:    es.url(),
		SessionID:    "test-session",
		Backoff:      Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2.0},
		CaptureFPS:   1,
		SampleRate:   16000,
		Events:       events,
		Connectivity: conn,
		Logger:       quietLogger(),
	})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	events.waitState(t, true)

	conn.set(false)
	es.dropAll()
	events.waitState(t, false)

	// Offline: the scheduled retry must stall before dialing.
	time.Sleep(150 * time.Millisecond)
	if got := es.dialCount(); got != 1 {
		t.Fatalf("client dialed while offline: %d dials, want 1", got)
	}

	conn.set(true)
	events.waitState(t, true)
	if got := es.dialCount(); got < 2 {
		t.Fatalf("client never redialed after coming online: %d dials", got)
	}
}
