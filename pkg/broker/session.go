package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribehub/pkg/clients"
	"github.com/harunnryd/scribehub/pkg/upstream"
)

var errSendBufferFull = errors.New("send buffer full")

const writeWait = 10 * time.Second

type chunk struct {
	ID        string
	RunID     string
	Seq       int
	Text      string
	Speaker   string
	CreatedAt time.Time
}

func (c chunk) payload() map[string]any {
	return map[string]any{
		"id":         c.ID,
		"run_id":     c.RunID,
		"seq":        c.Seq,
		"text":       c.Text,
		"speaker":    c.Speaker,
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// session is the broker's per-connection state. The read goroutine is the
// only writer of identity fields; recording fields are shared with upstream
// callbacks and the flush ticker under mu.
type session struct {
	id     string
	role   clients.Role
	conn   *websocket.Conn
	sendCh chan []byte
	sendMu sync.RWMutex
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}

	mu         sync.Mutex
	operatorID string
	windowID   string
	runID      string
	rec        *upstream.Reconnector
	seq        int
	pending    []chunk
}

func newSession(conn *websocket.Conn, buffer int) *session {
	return &session{
		conn:   conn,
		sendCh: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Send queues a text frame without blocking the caller.
func (s *session) Send(msg []byte) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return clients.ErrClosed
	}
	select {
	case s.sendCh <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *session) Open() bool {
	return !s.closed.Load()
}

func (s *session) loop() {
	defer close(s.done)
	for msg := range s.sendCh {
		if s.conn == nil {
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.closed.Store(true)
			_ = s.conn.Close()
		}
	}
}

func (s *session) closeSend() {
	s.sendMu.Lock()
	s.closed.Store(true)
	close(s.sendCh)
	s.sendMu.Unlock()
}

func (s *session) close() error {
	var err error
	s.once.Do(func() {
		s.closeSend()
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

// shutdown flushes queued frames, sends a close frame and closes the socket.
func (s *session) shutdown(reason string) {
	s.once.Do(func() {
		s.closeSend()
		select {
		case <-s.done:
		case <-time.After(writeWait):
		}
		if s.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), deadline)
			_ = s.conn.Close()
		}
	})
}

func (s *session) identity() (operatorID, windowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorID, s.windowID
}

func (s *session) reconnector() *upstream.Reconnector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *session) recording() (runID string, rec *upstream.Reconnector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID, s.rec
}

// takePending removes and returns the buffered chunks.
func (s *session) takePending() []chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// restorePending puts unflushed chunks back ahead of anything buffered since.
func (s *session) restorePending(chunks []chunk) {
	if len(chunks) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(append([]chunk(nil), chunks...), s.pending...)
	s.mu.Unlock()
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
