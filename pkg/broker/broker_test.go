package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribehub/pkg/adapters/stt"
	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/offlinequeue"
	"github.com/harunnryd/scribehub/pkg/providers/mock"
	"github.com/harunnryd/scribehub/pkg/storage/sqlite"
	"github.com/harunnryd/scribehub/pkg/upstream"
)

type write struct {
	update  bool
	table   string
	payload map[string]any
}

type fakeQueue struct {
	mu     sync.Mutex
	writes []write
	fail   func(table string, payload map[string]any) error
}

func (q *fakeQueue) record(update bool, table string, payload map[string]any) (offlinequeue.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		if err := q.fail(table, payload); err != nil {
			return offlinequeue.Result{}, err
		}
	}
	q.writes = append(q.writes, write{update: update, table: table, payload: payload})
	return offlinequeue.Result{ID: "op"}, nil
}

func (q *fakeQueue) Insert(_ context.Context, table string, payload map[string]any) (offlinequeue.Result, error) {
	return q.record(false, table, payload)
}

func (q *fakeQueue) Update(_ context.Context, table string, payload map[string]any) (offlinequeue.Result, error) {
	return q.record(true, table, payload)
}

func (q *fakeQueue) Stats() offlinequeue.Stats {
	return offlinequeue.Stats{Status: offlinequeue.StatusOnline}
}

func (q *fakeQueue) byTable(table string) []write {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []write
	for _, w := range q.writes {
		if w.table == table {
			out = append(out, w)
		}
	}
	return out
}

type harness struct {
	broker *Broker
	server *httptest.Server
	queue  *fakeQueue
	dialer *mock.Dialer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q := &fakeQueue{}
	d := mock.NewDialer(mock.STTConfig{Transcript: "patient reports a cough", EmitEvery: 1})
	cfg := Config{Reconnect: upstream.Config{MaxRetries: 1, BaseDelay: 10 * time.Millisecond}}
	b := New(cfg, Deps{
		Queue:   q,
		Dialers: func(string) (stt.Dialer, error) { return d, nil },
	})
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		_ = b.Drain()
		srv.Close()
	})
	return &harness{broker: b, server: srv, queue: q, dialer: d}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (h *harness) connect(t *testing.T, role, operatorID string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?role=" + role + "&operator_id=" + operatorID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: t, conn: conn}
	msg := c.expect("connected")
	c.id, _ = msg["clientId"].(string)
	if c.id == "" {
		t.Fatalf("expected client id in connected frame, got %v", msg)
	}
	return c
}

func (c *client) send(v map[string]any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) read() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

// expect reads until a frame of type typ arrives.
func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		msg := c.read()
		if msg["type"] == typ {
			return msg
		}
	}
	c.t.Fatalf("expected %s frame", typ)
	return nil
}

// until reads frames up to and including a pong and returns their types.
func (c *client) until() []string {
	c.t.Helper()
	c.send(map[string]any{"type": "ping"})
	var seen []string
	for i := 0; i < 50; i++ {
		msg := c.read()
		typ, _ := msg["type"].(string)
		if typ == "pong" {
			return seen
		}
		seen = append(seen, typ)
	}
	c.t.Fatalf("expected pong")
	return nil
}

func (c *client) hello(windowID, operatorID string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": "hello", "windowId": windowID, "tabId": "tab-" + windowID, "operatorId": operatorID})
	return c.expect("hello_ack")
}

func contains(types []string, typ string) bool {
	for _, v := range types {
		if v == typ {
			return true
		}
	}
	return false
}

func TestHelloAckReportsLeader(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	b := h.connect(t, "overlay", "op-1")

	ackA := a.hello("w-a", "op-1")
	if ackA["isLeader"] != true {
		t.Fatalf("expected first window to lead, got %v", ackA)
	}
	ackB := b.hello("w-b", "op-1")
	if ackB["isLeader"] != false || ackB["leaderId"] != "w-a" {
		t.Fatalf("expected w-a to stay leader, got %v", ackB)
	}
}

func TestHelloOperatorMismatch(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	a.send(map[string]any{"type": "hello", "windowId": "w-a", "tabId": "t", "operatorId": "op-2"})
	msg := a.expect("error")
	if msg["code"] != string(errorsx.ReasonOperatorMismatch) {
		t.Fatalf("expected operator_mismatch, got %v", msg)
	}
}

func TestRecordingConflictGoesToRequesterOnly(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	b := h.connect(t, "overlay", "op-1")
	a.hello("w-a", "op-1")
	b.hello("w-b", "op-1")

	a.send(map[string]any{"type": "start_recording"})
	a.expect("recording_started")

	b.send(map[string]any{"type": "start_recording"})
	conflict := b.expect("recording:conflict")
	if conflict["activeWindowId"] != "w-a" || conflict["requestingWindowId"] != "w-b" {
		t.Fatalf("unexpected conflict frame %v", conflict)
	}
	if seen := a.until(); contains(seen, "recording:conflict") {
		t.Fatalf("expected recorder not to see the conflict, got %v", seen)
	}
}

func TestTranscriptFanOutAndPersistence(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	dash := h.connect(t, "dashboard", "op-1")
	dash.send(map[string]any{"type": "subscribe", "feeds": []string{"transcript"}})
	dash.until()

	a.hello("w-a", "op-1")
	a.send(map[string]any{"type": "start_recording"})
	started := a.expect("recording_started")
	runID, _ := started["runId"].(string)
	for {
		msg := a.expect("feed_status")
		if msg["status"] == "connected" {
			break
		}
	}

	if err := a.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	tr := dash.expect("transcript")
	if tr["text"] != "patient reports a cough" || tr["isFinal"] != true {
		t.Fatalf("unexpected transcript %v", tr)
	}
	chunk := dash.expect("chunk")
	if chunk["runId"] != runID || chunk["seq"] != float64(1) {
		t.Fatalf("unexpected chunk %v", chunk)
	}

	a.send(map[string]any{"type": "stop_recording"})
	a.expect("recording_stopped")

	runs := h.queue.byTable(sqlite.TableRuns)
	if len(runs) != 2 {
		t.Fatalf("expected run insert and update, got %d", len(runs))
	}
	if runs[0].update || runs[0].payload["status"] != RunRecording {
		t.Fatalf("unexpected run insert %v", runs[0])
	}
	if !runs[1].update || runs[1].payload["status"] != RunComplete || runs[1].payload["chunk_count"] != 1 {
		t.Fatalf("unexpected run update %v", runs[1])
	}
	chunks := h.queue.byTable(sqlite.TableTranscriptChunks)
	if len(chunks) != 1 || chunks[0].payload["run_id"] != runID {
		t.Fatalf("expected one persisted chunk, got %v", chunks)
	}
}

func TestProtocolErrorGoesToSenderOnly(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	b := h.connect(t, "overlay", "op-1")
	a.hello("w-a", "op-1")
	b.hello("w-b", "op-1")

	if err := a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := a.expect("error")
	if msg["code"] != string(errorsx.ReasonMalformedMessage) {
		t.Fatalf("expected malformed_message, got %v", msg)
	}
	if seen := b.until(); contains(seen, "error") {
		t.Fatalf("expected other window to see no error, got %v", seen)
	}
}

func TestDisconnectOrphansRecording(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	b := h.connect(t, "overlay", "op-1")
	a.hello("w-a", "op-1")
	b.hello("w-b", "op-1")
	a.send(map[string]any{"type": "start_recording"})
	a.expect("recording_started")

	_ = a.conn.Close()
	orphan := b.expect("recording_orphaned")
	if orphan["windowId"] != "w-a" {
		t.Fatalf("unexpected orphan frame %v", orphan)
	}
	leader := b.expect("leader_changed")
	if leader["leaderId"] != "w-b" {
		t.Fatalf("expected w-b to take over, got %v", leader)
	}
	runs := h.queue.byTable(sqlite.TableRuns)
	if len(runs) != 2 || runs[1].payload["status"] != RunInterrupted {
		t.Fatalf("expected interrupted run, got %v", runs)
	}

	b.send(map[string]any{"type": "start_recording"})
	b.expect("recording_started")
}

func TestWindowReconnectOnNewSocketKeepsRegistration(t *testing.T) {
	h := newHarness(t)
	old := h.connect(t, "overlay", "op-1")
	watcher := h.connect(t, "overlay", "op-1")
	old.hello("w-a", "op-1")
	watcher.hello("w-b", "op-1")
	old.send(map[string]any{"type": "start_recording"})
	old.expect("recording_started")

	fresh := h.connect(t, "overlay", "op-1")
	ack := fresh.hello("w-a", "op-1")
	if ack["isLeader"] != true {
		t.Fatalf("expected reconnected window to keep leadership, got %v", ack)
	}

	_ = old.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := old.conn.ReadMessage(); err != nil {
			break
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.broker.registry.Count() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected replaced session to detach, have %d clients", h.broker.registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := h.broker.coordinator.Window("w-a"); !ok {
		t.Fatalf("expected w-a to stay registered after old socket closed")
	}
	if types := watcher.until(); contains(types, "recording_orphaned") {
		t.Fatalf("expected no orphan for a replaced socket, got %v", types)
	}
	runs := h.queue.byTable(sqlite.TableRuns)
	if len(runs) != 2 || runs[1].payload["status"] != RunInterrupted {
		t.Fatalf("expected old run interrupted, got %v", runs)
	}

	fresh.send(map[string]any{"type": "start_recording"})
	started := fresh.expect("recording_started")
	if started["windowId"] != "w-a" {
		t.Fatalf("unexpected recording_started %v", started)
	}
}

func TestStartRecordingAfterWindowRemovedReportsNotRegistered(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	a.hello("w-a", "op-1")
	h.broker.coordinator.UnregisterWindow("w-a")

	a.send(map[string]any{"type": "start_recording"})
	msg := a.expect("error")
	if msg["code"] != string(errorsx.ReasonNotRegistered) {
		t.Fatalf("expected not_registered error, got %v", msg)
	}
}

func TestBindAudioAndForceBind(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	b := h.connect(t, "overlay", "op-1")
	a.hello("w-a", "op-1")
	b.hello("w-b", "op-1")

	a.send(map[string]any{"type": "bind_audio"})
	a.expect("audio_bound")

	b.send(map[string]any{"type": "bind_audio"})
	msg := b.expect("error")
	if msg["code"] != string(errorsx.ReasonAudioBound) {
		t.Fatalf("expected audio_already_bound, got %v", msg)
	}

	b.send(map[string]any{"type": "force_bind"})
	bound := b.expect("audio_bound")
	if bound["clientId"] != b.id || bound["forced"] != true {
		t.Fatalf("unexpected audio_bound %v", bound)
	}
	prev := a.expect("audio_bound")
	if prev["clientId"] != b.id {
		t.Fatalf("expected previous holder to learn the new binding, got %v", prev)
	}
}

func TestBoundAudioReachesRecorder(t *testing.T) {
	h := newHarness(t)
	recorder := h.connect(t, "overlay", "op-1")
	mic := h.connect(t, "agent", "op-1")
	recorder.hello("w-a", "op-1")
	mic.send(map[string]any{"type": "bind_audio"})
	mic.expect("audio_bound")

	recorder.send(map[string]any{"type": "start_recording"})
	recorder.expect("recording_started")
	for {
		msg := recorder.expect("feed_status")
		if msg["status"] == "connected" {
			break
		}
	}
	if err := mic.conn.WriteMessage(websocket.BinaryMessage, []byte{9}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	recorder.expect("transcript")
	if frames := h.dialer.Last().Frames(); len(frames) != 1 || frames[0][0] != 9 {
		t.Fatalf("expected bound audio upstream, got %v", frames)
	}
}

func TestRelayFieldsExcludesSender(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	b := h.connect(t, "overlay", "op-1")
	other := h.connect(t, "overlay", "op-2")
	a.hello("w-a", "op-1")
	b.hello("w-b", "op-1")
	other.hello("w-c", "op-2")

	a.send(map[string]any{"type": "dom_map_result", "payload": map[string]any{"fields": 3}})
	msg := b.expect("fields_detected")
	payload, _ := msg["payload"].(map[string]any)
	if payload["fields"] != float64(3) {
		t.Fatalf("unexpected payload %v", msg)
	}
	if seen := a.until(); contains(seen, "fields_detected") {
		t.Fatalf("expected sender to be excluded, got %v", seen)
	}
	if seen := other.until(); contains(seen, "fields_detected") {
		t.Fatalf("expected other operator to be excluded, got %v", seen)
	}
}

func TestFlushRestoresUnwrittenChunks(t *testing.T) {
	q := &fakeQueue{}
	b := New(Config{}, Deps{Queue: q})
	defer b.Drain()

	calls := 0
	q.fail = func(table string, _ map[string]any) error {
		if table != sqlite.TableTranscriptChunks {
			return nil
		}
		calls++
		if calls == 2 {
			return errorsx.New(errorsx.ReasonStoreQuery, "disk full")
		}
		return nil
	}
	s := newSession(nil, 4)
	s.pending = []chunk{{ID: "c1", Seq: 1}, {ID: "c2", Seq: 2}, {ID: "c3", Seq: 3}}

	b.flushSession(context.Background(), s)
	if got := len(q.byTable(sqlite.TableTranscriptChunks)); got != 1 {
		t.Fatalf("expected 1 written chunk, got %d", got)
	}
	s.mu.Lock()
	s.pending = append(s.pending, chunk{ID: "c4", Seq: 4})
	s.mu.Unlock()
	b.flushSession(context.Background(), s)

	written := q.byTable(sqlite.TableTranscriptChunks)
	var ids []string
	for _, w := range written {
		ids = append(ids, w.payload["id"].(string))
	}
	if strings.Join(ids, ",") != "c1,c2,c3,c4" {
		t.Fatalf("expected chunks in order, got %v", ids)
	}
	if s.pendingCount() != 0 {
		t.Fatalf("expected nothing pending, got %d", s.pendingCount())
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "overlay", "op-1")
	a.hello("w-a", "op-1")

	resp, err := http.Get(h.server.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != "ok" || report.Clients != 1 || report.Windows != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestDrainRejectsNewConnections(t *testing.T) {
	h := newHarness(t)
	_ = h.broker.Drain()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func TestDialerFactoryErrorReleasesSlot(t *testing.T) {
	q := &fakeQueue{}
	b := New(Config{}, Deps{
		Queue:   q,
		Dialers: func(string) (stt.Dialer, error) { return nil, errors.New("no key") },
	})
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()
	defer b.Drain()
	h := &harness{broker: b, server: srv, queue: q}

	a := h.connect(t, "overlay", "op-1")
	a.hello("w-a", "op-1")
	a.send(map[string]any{"type": "start_recording"})
	msg := a.expect("error")
	if msg["code"] != string(errorsx.ReasonUpstreamConnect) {
		t.Fatalf("expected upstream_connect, got %v", msg)
	}
	if _, ok := b.coordinator.RecordingWindow("op-1"); ok {
		t.Fatalf("expected recording slot to be released")
	}
}
