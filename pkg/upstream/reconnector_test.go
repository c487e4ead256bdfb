package upstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/scribehub/pkg/adapters/stt"
	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/providers/mock"
	"github.com/harunnryd/scribehub/pkg/resilience"
)

type recordingListener struct {
	mu          sync.Mutex
	changes     []StateChange
	transcripts []stt.Transcript
	errs        []error
	overflows   []BufferOverflow
}

func (l *recordingListener) OnStateChange(c StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *recordingListener) OnTranscript(t stt.Transcript) {
	l.mu.Lock()
	l.transcripts = append(l.transcripts, t)
	l.mu.Unlock()
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *recordingListener) OnBufferOverflow(o BufferOverflow) {
	l.mu.Lock()
	l.overflows = append(l.overflows, o)
	l.mu.Unlock()
}

func (l *recordingListener) counts() (changes, transcripts, errs, overflows int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes), len(l.transcripts), len(l.errs), len(l.overflows)
}

func (l *recordingListener) lastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	return l.errs[len(l.errs)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Hour,
		MaxDelay:          time.Hour,
		ConnectTimeout:    time.Second,
		RateLimitCooldown: time.Hour,
		BufferAudio:       true,
		MaxBufferFrames:   5,
	}
}

func TestConnectFlushesBufferOldestFirst(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	r := New(context.Background(), dialer, testConfig(), nil)

	if !r.Connect(context.Background()) {
		t.Fatalf("expected initial connect to succeed")
	}
	first := dialer.Last()
	first.Drop(nil)
	if r.State() != StateReconnecting {
		t.Fatalf("expected reconnecting after upstream close, got %s", r.State())
	}

	for _, f := range []string{"a", "b", "c"} {
		if !r.SendAudio([]byte(f)) {
			t.Fatalf("expected frame %q to be buffered", f)
		}
	}
	if got := r.Stats().BufferedFrames; got != 3 {
		t.Fatalf("expected 3 buffered frames, got %d", got)
	}

	if !r.Connect(context.Background()) {
		t.Fatalf("expected reconnect to succeed")
	}
	if !r.SendAudio([]byte("d")) {
		t.Fatalf("expected live frame to be forwarded")
	}
	second := dialer.Last()
	if second == first {
		t.Fatalf("expected a new stream after reconnect")
	}
	got := second.Frames()
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Fatalf("frame %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	stats := r.Stats()
	if stats.Attempt != 0 || stats.TotalReconnects != 1 || stats.BufferedFrames != 0 {
		t.Fatalf("unexpected stats after reconnect: %+v", stats)
	}
}

func TestBufferBoundEvictsOldest(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	listener := &recordingListener{}
	cfg := testConfig()
	r := New(context.Background(), dialer, cfg, listener)

	r.Connect(context.Background())
	dialer.Last().Drop(errors.New("socket reset"))

	const extra = 3
	for i := 0; i < cfg.MaxBufferFrames+extra; i++ {
		r.SendAudio([]byte{byte(i)})
	}
	if got := r.Stats().BufferedFrames; got != cfg.MaxBufferFrames {
		t.Fatalf("expected %d buffered frames, got %d", cfg.MaxBufferFrames, got)
	}
	if _, _, _, overflows := listener.counts(); overflows != extra {
		t.Fatalf("expected %d overflow notifications, got %d", extra, overflows)
	}

	r.Connect(context.Background())
	frames := dialer.Last().Frames()
	if len(frames) != cfg.MaxBufferFrames {
		t.Fatalf("expected %d replayed frames, got %d", cfg.MaxBufferFrames, len(frames))
	}
	for i, f := range frames {
		if int(f[0]) != i+extra {
			t.Fatalf("frame %d: expected %d, got %d", i, i+extra, f[0])
		}
	}
}

func TestSendAudioDropsWhenDisconnected(t *testing.T) {
	r := New(context.Background(), mock.NewDialer(mock.STTConfig{}), testConfig(), nil)
	if r.SendAudio([]byte("x")) {
		t.Fatalf("expected frame to be dropped before connect")
	}

	cfg := testConfig()
	cfg.BufferAudio = false
	dialer := mock.NewDialer(mock.STTConfig{})
	noBuffer := New(context.Background(), dialer, cfg, nil)
	noBuffer.Connect(context.Background())
	dialer.Last().Drop(nil)
	if noBuffer.SendAudio([]byte("x")) {
		t.Fatalf("expected frame to be dropped with buffering disabled")
	}
}

func TestFailsAfterMaxRetries(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	boom := errors.New("connection refused")
	dialer.FailNext(boom, boom, boom, boom)
	cfg := testConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	r := New(context.Background(), dialer, cfg, nil)

	if r.Connect(context.Background()) {
		t.Fatalf("expected first connect to fail")
	}
	waitFor(t, "failed state", func() bool { return r.State() == StateFailed })
	if got := dialer.Dials(); got != cfg.MaxRetries+1 {
		t.Fatalf("expected %d dials, got %d", cfg.MaxRetries+1, got)
	}
	if r.SendAudio([]byte("x")) {
		t.Fatalf("expected frames to be dropped once failed")
	}

	r.ResetAttempts()
	if r.State() != StateDisconnected {
		t.Fatalf("expected disconnected after reset, got %s", r.State())
	}
	if !r.Connect(context.Background()) {
		t.Fatalf("expected connect after manual reset to succeed")
	}
}

func TestRateLimitUsesCooldown(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	dialer.FailNext(resilience.RateLimitError{Provider: "mock", Message: "too many requests"})
	r := New(context.Background(), dialer, testConfig(), nil)

	before := time.Now()
	r.Connect(context.Background())
	if r.State() != StateRateLimited {
		t.Fatalf("expected rate_limited, got %s", r.State())
	}
	next := r.Stats().NextAttemptAt
	if next.Sub(before) < 59*time.Minute {
		t.Fatalf("expected cooldown-length delay, next attempt at %v", next)
	}
}

func TestLiveRateLimitErrorMovesToRateLimited(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	r := New(context.Background(), dialer, testConfig(), nil)
	r.Connect(context.Background())

	stream := dialer.Last()
	stream.EmitError(errors.New("HTTP 429: rate limit exceeded"))
	if r.State() != StateRateLimited {
		t.Fatalf("expected rate_limited, got %s", r.State())
	}
	if !stream.Closed() {
		t.Fatalf("expected rate-limited stream to be closed")
	}
}

func TestConnectTimeout(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	dialer.Block()
	defer dialer.Unblock()
	listener := &recordingListener{}
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	r := New(context.Background(), dialer, cfg, listener)

	if r.Connect(context.Background()) {
		t.Fatalf("expected connect to time out")
	}
	if r.State() != StateReconnecting {
		t.Fatalf("expected reconnecting after timeout, got %s", r.State())
	}
	err := listener.lastError()
	if !errorsx.HasReason(err, errorsx.ReasonUpstreamTimeout) {
		t.Fatalf("expected timeout reason, got %v", err)
	}
	if !strings.Contains(r.Stats().LastError, "timed out") {
		t.Fatalf("expected last error to mention timeout, got %q", r.Stats().LastError)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	dialer.FailNext(errors.New("refused"))
	cfg := testConfig()
	cfg.BaseDelay = 20 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	r := New(context.Background(), dialer, cfg, nil)

	r.Connect(context.Background())
	if r.State() != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", r.State())
	}
	r.Disconnect()
	time.Sleep(80 * time.Millisecond)
	if got := dialer.Dials(); got != 1 {
		t.Fatalf("expected no reconnect after disconnect, got %d dials", got)
	}
	if r.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", r.State())
	}
}

func TestDisconnectCancelsInFlightConnect(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	dialer.Block()
	r := New(context.Background(), dialer, testConfig(), nil)

	result := make(chan bool, 1)
	go func() { result <- r.Connect(context.Background()) }()
	waitFor(t, "dial attempt", func() bool { return dialer.Dials() == 1 })

	r.Disconnect()
	select {
	case ok := <-result:
		if ok {
			t.Fatalf("expected cancelled connect to report false")
		}
	case <-time.After(time.Second):
		t.Fatalf("connect did not return after disconnect")
	}
	dialer.Unblock()
	if r.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", r.State())
	}
}

func TestStaleStreamCallbacksIgnored(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	listener := &recordingListener{}
	r := New(context.Background(), dialer, testConfig(), listener)

	r.Connect(context.Background())
	stream := dialer.Last()
	stream.Emit(stt.Transcript{Text: "hello", IsFinal: true})
	r.Disconnect()
	stream.Emit(stt.Transcript{Text: "late"})
	stream.Drop(nil)

	if _, transcripts, _, _ := listener.counts(); transcripts != 1 {
		t.Fatalf("expected 1 transcript, got %d", transcripts)
	}
	if r.State() != StateDisconnected {
		t.Fatalf("expected close after disconnect to be ignored, got %s", r.State())
	}
}

func TestSendFailureBuffersFrame(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{})
	r := New(context.Background(), dialer, testConfig(), nil)
	r.Connect(context.Background())
	dialer.Last().FailSends(errors.New("broken pipe"))

	if !r.SendAudio([]byte("x")) {
		t.Fatalf("expected frame to be buffered after send failure")
	}
	if r.State() != StateReconnecting {
		t.Fatalf("expected reconnecting after send failure, got %s", r.State())
	}
	if got := r.Stats().BufferedFrames; got != 1 {
		t.Fatalf("expected 1 buffered frame, got %d", got)
	}
}

func TestTransitionTable(t *testing.T) {
	if !transitionValid(StateConnecting, StateConnected) {
		t.Fatalf("expected connecting -> connected to be valid")
	}
	if transitionValid(StateDisconnected, StateConnected) {
		t.Fatalf("expected disconnected -> connected to be invalid")
	}
	if transitionValid(StateReconnecting, StateConnected) {
		t.Fatalf("expected reconnecting to pass through connecting")
	}
}

// reentrantStream calls back into the reconnector from SendAudio, the way a
// provider that reports results synchronously would.
type reentrantStream struct {
	mu     sync.Mutex
	frames []string
	onSend func(frame string)
}

func (s *reentrantStream) SendAudio(frame []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, string(frame))
	hook := s.onSend
	s.onSend = nil
	s.mu.Unlock()
	if hook != nil {
		hook(string(frame))
	}
	return nil
}

func (s *reentrantStream) Close() error { return nil }

func (s *reentrantStream) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

type reentrantDialer struct {
	mu      sync.Mutex
	streams []*reentrantStream
	sinks   []stt.Sink
	next    func(frame string)
}

func (d *reentrantDialer) Name() string { return "reentrant" }

func (d *reentrantDialer) Dial(_ context.Context, sink stt.Sink) (stt.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &reentrantStream{onSend: d.next}
	d.next = nil
	d.streams = append(d.streams, s)
	d.sinks = append(d.sinks, sink)
	return s, nil
}

func (d *reentrantDialer) last() (*reentrantStream, stt.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1], d.sinks[len(d.sinks)-1]
}

func TestLiveFrameDuringReplayQueuesBehindBuffer(t *testing.T) {
	dialer := &reentrantDialer{}
	r := New(context.Background(), dialer, testConfig(), nil)
	r.Connect(context.Background())
	_, sink := dialer.last()
	sink.OnClose(errors.New("reset by peer"))

	r.SendAudio([]byte("a"))
	r.SendAudio([]byte("b"))
	dialer.mu.Lock()
	dialer.next = func(string) {
		if !r.SendAudio([]byte("live")) {
			t.Errorf("expected live frame accepted during replay")
		}
	}
	dialer.mu.Unlock()

	done := make(chan bool, 1)
	go func() { done <- r.Connect(context.Background()) }()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected reconnect to succeed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect blocked while a frame was sent during replay")
	}

	stream, _ := dialer.last()
	got := strings.Join(stream.sent(), ",")
	if got != "a,b,live" {
		t.Fatalf("expected a,b,live, got %s", got)
	}
	if n := r.Stats().BufferedFrames; n != 0 {
		t.Fatalf("expected empty buffer after replay, got %d", n)
	}
}

func TestReconnectWhileSendingDoesNotDeadlock(t *testing.T) {
	dialer := mock.NewDialer(mock.STTConfig{Transcript: "heart rate 72", EmitEvery: 1})
	cfg := testConfig()
	cfg.MaxRetries = 1000
	r := New(context.Background(), dialer, cfg, nil)
	r.Connect(context.Background())

	stop := make(chan struct{})
	sending := make(chan struct{})
	go func() {
		defer close(sending)
		for {
			select {
			case <-stop:
				return
			default:
				r.SendAudio([]byte("pcm"))
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			dialer.Last().Drop(nil)
			r.Connect(context.Background())
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("reconnect loop deadlocked against concurrent sends")
	}
	close(stop)
	<-sending
	if r.State() != StateConnected {
		t.Fatalf("expected connected, got %s", r.State())
	}
}
