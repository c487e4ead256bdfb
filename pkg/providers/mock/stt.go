package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/scribehub/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcript is emitted as a final result every EmitEvery frames.
	Transcript string
	Speaker    string
	EmitEvery  int
	// DialDelay delays each Dial to exercise connect timeouts.
	DialDelay time.Duration
}

// Dialer is an in-memory upstream for local runs and tests. Failures can be
// scripted per dial attempt.
type Dialer struct {
	cfg STTConfig

	mu       sync.Mutex
	failures []error
	dials    int
	streams  []*Stream
	block    chan struct{}
}

func NewDialer(cfg STTConfig) *Dialer {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Name() string { return "mock_stt" }

// FailNext queues errors returned by the next dial attempts, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	d.failures = append(d.failures, errs...)
	d.mu.Unlock()
}

// Block makes dials hang until Unblock or ctx cancellation.
func (d *Dialer) Block() {
	d.mu.Lock()
	d.block = make(chan struct{})
	d.mu.Unlock()
}

func (d *Dialer) Unblock() {
	d.mu.Lock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, sink stt.Sink) (stt.Stream, error) {
	d.mu.Lock()
	d.dials++
	block := d.block
	var failure error
	if len(d.failures) > 0 {
		failure = d.failures[0]
		d.failures = d.failures[1:]
	}
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.cfg.DialDelay > 0 {
		select {
		case <-time.After(d.cfg.DialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	s := &Stream{cfg: d.cfg, sink: sink}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Dials returns how many dial attempts were made.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently opened stream.
func (d *Dialer) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Stream records audio and lets tests drive upstream events.
type Stream struct {
	cfg  STTConfig
	sink stt.Sink

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func (s *Stream) SendAudio(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("stream closed")
	}
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	n := len(s.frames)
	s.mu.Unlock()

	if s.cfg.EmitEvery > 0 && n%s.cfg.EmitEvery == 0 {
		s.sink.OnTranscript(stt.Transcript{Text: s.cfg.Transcript, Speaker: s.cfg.Speaker, IsFinal: true})
	}
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frames returns a copy of the audio received so far.
func (s *Stream) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FailSends makes subsequent SendAudio calls return err.
func (s *Stream) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Emit pushes a transcript as if the upstream produced it.
func (s *Stream) Emit(t stt.Transcript) { s.sink.OnTranscript(t) }

// EmitError pushes an upstream error.
func (s *Stream) EmitError(err error) { s.sink.OnError(err) }

// Drop simulates an upstream-initiated close.
func (s *Stream) Drop(err error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.sink.OnClose(err)
}

var _ stt.Dialer = (*Dialer)(nil)
var _ stt.Stream = (*Stream)(nil)
