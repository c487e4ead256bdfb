package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/scribehub/pkg/adapters/stt"
	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/resilience"
)

// Config controls reconnect and buffering behavior for one upstream session.
type Config struct {
	SessionID         string
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            bool
	ConnectTimeout    time.Duration
	RateLimitCooldown time.Duration
	BufferAudio       bool
	MaxBufferFrames   int
	// Rand feeds jitter; nil uses math/rand.
	Rand func() float64
}

// DefaultConfig returns the production reconnect settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        10,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		Jitter:            true,
		ConnectTimeout:    10 * time.Second,
		RateLimitCooldown: 60 * time.Second,
		BufferAudio:       true,
		MaxBufferFrames:   100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = def.RateLimitCooldown
	}
	if c.MaxBufferFrames <= 0 {
		c.MaxBufferFrames = def.MaxBufferFrames
	}
	return c
}

// BufferOverflow describes one evicted frame.
type BufferOverflow struct {
	Buffered     int
	TotalDropped int
}

// Listener observes a reconnector. Callbacks run outside internal locks and
// in the order the underlying events happened.
type Listener interface {
	OnStateChange(StateChange)
	OnTranscript(stt.Transcript)
	OnError(err error)
	OnBufferOverflow(BufferOverflow)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	StateChange    func(StateChange)
	Transcript     func(stt.Transcript)
	Error          func(error)
	BufferOverflow func(BufferOverflow)
}

func (l ListenerFuncs) OnStateChange(c StateChange) {
	if l.StateChange != nil {
		l.StateChange(c)
	}
}

func (l ListenerFuncs) OnTranscript(t stt.Transcript) {
	if l.Transcript != nil {
		l.Transcript(t)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

func (l ListenerFuncs) OnBufferOverflow(o BufferOverflow) {
	if l.BufferOverflow != nil {
		l.BufferOverflow(o)
	}
}

// ConnectionStats is a point-in-time view for observability.
type ConnectionStats struct {
	State           State     `json:"state"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	DisconnectedAt  time.Time `json:"disconnected_at,omitempty"`
	Attempt         int       `json:"attempt"`
	TotalReconnects int       `json:"total_reconnects"`
	LastError       string    `json:"last_error,omitempty"`
	BufferedFrames  int       `json:"buffered_frames"`
	DroppedFrames   int       `json:"dropped_frames"`
	NextAttemptAt   time.Time `json:"next_attempt_at,omitempty"`
}

// Reconnector owns one resilient connection to the transcription service.
type Reconnector struct {
	cfg      Config
	dialer   stt.Dialer
	listener Listener
	backoff  resilience.Backoff
	logger   *slog.Logger
	now      func() time.Time
	baseCtx  context.Context

	mu              sync.Mutex
	state           State
	gen             uint64
	stream          stt.Stream
	attempt         int
	totalReconnects int
	everConnected   bool
	buffer          *ringBuffer
	dropped         int
	lastErr         error
	connectedAt     time.Time
	disconnectedAt  time.Time
	nextAttemptAt   time.Time
	timer           *time.Timer
	cancelAttempt   context.CancelFunc

	// flushing is set while buffered frames of the current generation are
	// replayed; live frames queue behind them in the buffer.
	flushing bool

	// sendMu serializes writes to the stream. It is never taken while mu is
	// held, since providers may call back into the sink from SendAudio.
	sendMu sync.Mutex
}

// New builds a reconnector in the disconnected state. listener may be nil.
func New(ctx context.Context, dialer stt.Dialer, cfg Config, listener Listener) *Reconnector {
	if ctx == nil {
		ctx = context.Background()
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	cfg = cfg.withDefaults()
	logger := logging.NewComponentLogger(slog.Default(), "upstream")
	if cfg.SessionID != "" {
		logger = logger.With(slog.String("session_id", cfg.SessionID))
	}
	return &Reconnector{
		cfg:      cfg,
		dialer:   dialer,
		listener: listener,
		backoff: resilience.Backoff{
			Base:   cfg.BaseDelay,
			Max:    cfg.MaxDelay,
			Jitter: cfg.Jitter,
			Rand:   cfg.Rand,
		},
		logger:  logger,
		now:     time.Now,
		baseCtx: ctx,
		state:   StateDisconnected,
		buffer:  newRingBuffer(cfg.MaxBufferFrames),
	}
}

// State returns the current state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect races one connection attempt against the connect timeout.
// It returns true once the stream is live and buffered audio is flushed.
func (r *Reconnector) Connect(ctx context.Context) bool {
	if ctx == nil {
		ctx = r.baseCtx
	}
	r.mu.Lock()
	switch r.state {
	case StateConnected:
		r.mu.Unlock()
		return true
	case StateConnecting:
		r.mu.Unlock()
		return false
	}
	r.stopTimerLocked()
	r.gen++
	gen := r.gen
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	r.cancelAttempt = cancel
	notes := r.transitionLocked(StateConnecting, "connect")
	r.mu.Unlock()
	r.emit(notes)
	defer cancel()

	type dialResult struct {
		stream stt.Stream
		err    error
	}
	results := make(chan dialResult, 1)
	go func() {
		s, err := r.dialer.Dial(attemptCtx, &sink{r: r, gen: gen})
		results <- dialResult{stream: s, err: err}
	}()

	var res dialResult
	select {
	case res = <-results:
	case <-attemptCtx.Done():
		go func() {
			if late := <-results; late.stream != nil {
				_ = late.stream.Close()
			}
		}()
		res.err = attemptCtx.Err()
	}
	if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		res.err = errorsx.Wrap(fmt.Errorf("connect timed out after %s", r.cfg.ConnectTimeout), errorsx.ReasonUpstreamTimeout)
	}
	if res.err == nil && res.stream == nil {
		res.err = errors.New("dialer returned no stream")
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		if res.stream != nil {
			_ = res.stream.Close()
		}
		return false
	}
	r.cancelAttempt = nil
	if res.err != nil {
		notes := r.failLocked(errorsx.Wrap(res.err, errorsx.ReasonUpstreamConnect))
		r.mu.Unlock()
		r.emit(notes)
		return false
	}

	r.stream = res.stream
	if r.everConnected {
		r.totalReconnects++
	}
	r.everConnected = true
	r.attempt = 0
	r.connectedAt = r.now()
	r.nextAttemptAt = time.Time{}
	notes = r.transitionLocked(StateConnected, "connected")
	r.flushing = true
	r.mu.Unlock()

	flushed, flushErr := r.flushBuffered(gen)
	if flushed > 0 {
		r.logger.Info("upstream_buffer_flushed",
			slog.Int("frames", flushed),
			slog.Bool("complete", flushErr == nil))
	}
	r.emit(notes)
	if flushErr != nil {
		r.handleStreamFailure(gen, errorsx.Wrap(flushErr, errorsx.ReasonUpstreamConnect))
		return false
	}
	return true
}

// flushBuffered replays buffered frames oldest first until the buffer is
// empty, including frames that arrive during the replay. It stops early
// when gen is no longer the live connection.
func (r *Reconnector) flushBuffered(gen uint64) (int, error) {
	sent := 0
	for {
		r.mu.Lock()
		if gen != r.gen || r.state != StateConnected {
			r.mu.Unlock()
			return sent, nil
		}
		batch := r.buffer.drain()
		if len(batch) == 0 {
			r.flushing = false
			r.mu.Unlock()
			return sent, nil
		}
		stream := r.stream
		r.mu.Unlock()

		r.sendMu.Lock()
		for _, frame := range batch {
			if err := stream.SendAudio(frame); err != nil {
				r.sendMu.Unlock()
				return sent, err
			}
			sent++
		}
		r.sendMu.Unlock()
	}
}

// SendAudio forwards a frame when connected, buffers it while reconnecting,
// and drops it otherwise.
func (r *Reconnector) SendAudio(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	r.mu.Lock()
	state := r.state
	switch {
	case state == StateConnected && r.flushing:
		var notes []func()
		if r.buffer.push(append([]byte(nil), frame...)) {
			r.dropped++
			overflow := BufferOverflow{Buffered: r.buffer.len(), TotalDropped: r.dropped}
			notes = append(notes, func() { r.listener.OnBufferOverflow(overflow) })
		}
		r.mu.Unlock()
		r.emit(notes)
		return true
	case state == StateConnected:
		stream := r.stream
		gen := r.gen
		r.mu.Unlock()

		r.sendMu.Lock()
		err := stream.SendAudio(frame)
		r.sendMu.Unlock()
		if err != nil {
			r.handleStreamFailure(gen, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect))
			return r.SendAudio(frame)
		}
		return true
	case state.Buffering() || (state == StateConnecting && r.everConnected):
		if !r.cfg.BufferAudio {
			r.mu.Unlock()
			return false
		}
		copied := append([]byte(nil), frame...)
		var notes []func()
		if r.buffer.push(copied) {
			r.dropped++
			overflow := BufferOverflow{Buffered: r.buffer.len(), TotalDropped: r.dropped}
			notes = append(notes, func() { r.listener.OnBufferOverflow(overflow) })
		}
		r.mu.Unlock()
		r.emit(notes)
		return true
	default:
		r.mu.Unlock()
		return false
	}
}

// Disconnect tears the session down on purpose: the stream is closed, the
// buffer discarded, and pending reconnects or connect races are cancelled.
func (r *Reconnector) Disconnect() {
	r.mu.Lock()
	r.gen++
	r.stopTimerLocked()
	if r.cancelAttempt != nil {
		r.cancelAttempt()
		r.cancelAttempt = nil
	}
	stream := r.stream
	r.stream = nil
	r.buffer.reset()
	var notes []func()
	if r.state == StateConnected {
		r.disconnectedAt = r.now()
	}
	if r.state != StateDisconnected {
		notes = r.transitionLocked(StateDisconnected, "disconnect")
	}
	r.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	r.emit(notes)
}

// ResetAttempts clears the attempt counter; a failed session returns to
// disconnected so Connect may be called again.
func (r *Reconnector) ResetAttempts() {
	r.mu.Lock()
	r.attempt = 0
	var notes []func()
	if r.state == StateFailed {
		notes = r.transitionLocked(StateDisconnected, "manual_reset")
	}
	r.mu.Unlock()
	r.emit(notes)
}

// Stats returns a snapshot for observability.
func (r *Reconnector) Stats() ConnectionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := ConnectionStats{
		State:           r.state,
		ConnectedAt:     r.connectedAt,
		DisconnectedAt:  r.disconnectedAt,
		Attempt:         r.attempt,
		TotalReconnects: r.totalReconnects,
		BufferedFrames:  r.buffer.len(),
		DroppedFrames:   r.dropped,
		NextAttemptAt:   r.nextAttemptAt,
	}
	if r.lastErr != nil {
		stats.LastError = r.lastErr.Error()
	}
	return stats
}

// handleClose reacts to an upstream-initiated close by reconnecting.
func (r *Reconnector) handleClose(gen uint64, cause error) {
	if cause == nil {
		cause = errors.New("upstream closed the connection")
	}
	r.handleStreamFailure(gen, errorsx.Wrap(cause, errorsx.ReasonUpstreamConnect))
}

func (r *Reconnector) handleStreamFailure(gen uint64, err error) {
	r.mu.Lock()
	if gen != r.gen || r.state != StateConnected {
		r.mu.Unlock()
		return
	}
	stream := r.stream
	r.stream = nil
	r.disconnectedAt = r.now()
	notes := r.failLocked(err)
	r.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	r.emit(notes)
}

// failLocked records err and schedules the next attempt or gives up.
func (r *Reconnector) failLocked(err error) []func() {
	r.lastErr = err
	notes := []func(){func() { r.listener.OnError(err) }}
	r.attempt++

	if r.attempt > r.cfg.MaxRetries {
		r.buffer.reset()
		r.logger.Error("upstream_failed",
			slog.Int("attempts", r.attempt-1),
			slog.String("error", err.Error()))
		return append(notes, r.transitionLocked(StateFailed, "max_retries_exhausted")...)
	}

	next := StateReconnecting
	delay := r.backoff.Delay(r.attempt)
	reason := "backoff"
	if resilience.IsRateLimit(err) {
		next = StateRateLimited
		delay = r.cfg.RateLimitCooldown
		reason = "rate_limited"
	}
	notes = append(notes, r.transitionLocked(next, reason)...)
	r.scheduleLocked(delay)
	r.logger.Warn("upstream_reconnect_scheduled",
		slog.Int("attempt", r.attempt),
		slog.Duration("delay", delay),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	return notes
}

func (r *Reconnector) scheduleLocked(delay time.Duration) {
	r.stopTimerLocked()
	gen := r.gen
	r.nextAttemptAt = r.now().Add(delay)
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if gen != r.gen || !r.state.Buffering() {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		r.Connect(r.baseCtx)
	})
}

func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.nextAttemptAt = time.Time{}
}

func (r *Reconnector) transitionLocked(to State, reason string) []func() {
	from := r.state
	if !transitionValid(from, to) {
		r.logger.Error("upstream_invalid_transition",
			slog.String("error", (&InvalidTransitionError{From: from, To: to}).Error()))
		return nil
	}
	r.state = to
	if to != StateConnected {
		r.flushing = false
	}
	change := StateChange{From: from, To: to, Timestamp: r.now(), Reason: reason}
	r.logger.Debug("upstream_state_change",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	return []func(){func() { r.listener.OnStateChange(change) }}
}

// isLive reports whether callbacks tagged with gen still belong to the
// current connection.
func (r *Reconnector) isLive(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.gen && (r.state == StateConnected || r.state == StateConnecting)
}

func (r *Reconnector) emit(notes []func()) {
	for _, n := range notes {
		n()
	}
}

// sink binds provider callbacks to one connection generation.
type sink struct {
	r   *Reconnector
	gen uint64
}

func (s *sink) OnTranscript(t stt.Transcript) {
	if !s.r.isLive(s.gen) {
		return
	}
	s.r.listener.OnTranscript(t)
}

func (s *sink) OnError(err error) {
	if err == nil || !s.r.isLive(s.gen) {
		return
	}
	if resilience.IsRateLimit(err) {
		s.r.handleStreamFailure(s.gen, errorsx.Wrap(err, errorsx.ReasonUpstreamRateLimit))
		return
	}
	s.r.mu.Lock()
	s.r.lastErr = err
	s.r.mu.Unlock()
	s.r.listener.OnError(err)
}

func (s *sink) OnClose(err error) {
	s.r.handleClose(s.gen, err)
}

var _ stt.Sink = (*sink)(nil)
