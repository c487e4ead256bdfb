package multiwindow

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/protocol"
)

// Conn is the outbound side of a window connection.
type Conn interface {
	Send(msg []byte) error
	Open() bool
}

// Window is a snapshot of one registered browser window.
type Window struct {
	WindowID    string
	TabID       string
	URL         string
	OperatorID  string
	IsLeader    bool
	IsRecording bool
	ConnectedAt time.Time
	LastPingAt  time.Time
}

// GroupInfo is a snapshot of one operator group. Windows are ordered by
// connect time.
type GroupInfo struct {
	OperatorID        string
	LeaderID          string
	RecordingWindowID string
	Windows           []Window
}

// Listener receives coordination events. Calls happen after the coordinator
// lock is released, in the order the events occurred.
type Listener interface {
	OnLeaderChanged(operatorID, leaderID, previousID string)
	OnRecordingConflict(operatorID, requestingWindowID, activeWindowID string)
	OnRecordingOrphaned(operatorID, windowID string)
}

// ListenerFuncs adapts optional callbacks to Listener.
type ListenerFuncs struct {
	LeaderChanged     func(operatorID, leaderID, previousID string)
	RecordingConflict func(operatorID, requestingWindowID, activeWindowID string)
	RecordingOrphaned func(operatorID, windowID string)
}

func (f ListenerFuncs) OnLeaderChanged(operatorID, leaderID, previousID string) {
	if f.LeaderChanged != nil {
		f.LeaderChanged(operatorID, leaderID, previousID)
	}
}

func (f ListenerFuncs) OnRecordingConflict(operatorID, requestingWindowID, activeWindowID string) {
	if f.RecordingConflict != nil {
		f.RecordingConflict(operatorID, requestingWindowID, activeWindowID)
	}
}

func (f ListenerFuncs) OnRecordingOrphaned(operatorID, windowID string) {
	if f.RecordingOrphaned != nil {
		f.RecordingOrphaned(operatorID, windowID)
	}
}

var ErrUnknownWindow = errorsx.New(errorsx.ReasonNotRegistered, "window not registered")

type window struct {
	id          string
	tabID       string
	url         string
	operatorID  string
	conn        Conn
	seq         uint64
	connectedAt time.Time
	lastPingAt  time.Time
}

type group struct {
	operatorID  string
	members     map[string]*window
	leaderID    string
	recordingID string
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listener = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.NewComponentLogger(logger, "multiwindow") }
}

// Coordinator groups windows by operator, elects one leader per group and
// arbitrates the single recording slot. One mutex covers every group so
// check-and-set and election never interleave.
type Coordinator struct {
	mu      sync.Mutex
	windows map[string]*window
	groups  map[string]*group
	seq     uint64

	now      func() time.Time
	listener Listener
	logger   *slog.Logger
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		windows: make(map[string]*window),
		groups:  make(map[string]*group),
		now:     time.Now,
		logger:  logging.NewComponentLogger(nil, "multiwindow"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterWindow adds a window to its operator group and re-runs election.
// Registering a known window id again swaps its connection and keeps its
// original connect time.
func (c *Coordinator) RegisterWindow(windowID, tabID string, conn Conn, operatorID, url string) (Window, error) {
	windowID = strings.TrimSpace(windowID)
	operatorID = strings.TrimSpace(operatorID)
	if windowID == "" {
		return Window{}, errorsx.New(errorsx.ReasonMalformedMessage, "windowId is required")
	}
	if operatorID == "" {
		return Window{}, errorsx.New(errorsx.ReasonMalformedMessage, "operatorId is required")
	}

	var pending []func()
	c.mu.Lock()
	w, exists := c.windows[windowID]
	if exists && w.operatorID != operatorID {
		c.mu.Unlock()
		return Window{}, errorsx.New(errorsx.ReasonOperatorMismatch, "window already registered to another operator")
	}
	now := c.now()
	if exists {
		w.conn = conn
		w.tabID = tabID
		w.url = url
		w.lastPingAt = now
	} else {
		c.seq++
		w = &window{
			id:          windowID,
			tabID:       tabID,
			url:         url,
			operatorID:  operatorID,
			conn:        conn,
			seq:         c.seq,
			connectedAt: now,
			lastPingAt:  now,
		}
		c.windows[windowID] = w
	}
	g, ok := c.groups[operatorID]
	if !ok {
		g = &group{operatorID: operatorID, members: make(map[string]*window)}
		c.groups[operatorID] = g
	}
	g.members[windowID] = w
	pending = append(pending, c.electLocked(g)...)
	out := c.snapshotLocked(g, w)
	size := len(g.members)
	c.mu.Unlock()

	c.dispatch(pending)
	c.logger.Info("window_registered",
		slog.String("window_id", windowID),
		slog.String("operator_id", operatorID),
		slog.Bool("is_leader", out.IsLeader),
		slog.Int("group_size", size))
	return out, nil
}

// UnregisterWindow removes a window. A departing recorder leaves the slot
// empty and produces an orphaned notification; a departing leader triggers
// re-election.
func (c *Coordinator) UnregisterWindow(windowID string) bool {
	c.mu.Lock()
	pending, ok := c.removeLocked(windowID)
	c.mu.Unlock()
	c.dispatch(pending)
	if ok {
		c.logger.Info("window_unregistered", slog.String("window_id", windowID))
	}
	return ok
}

// ReleaseWindow unregisters windowID only while conn is still its
// connection. A window that re-registered on a newer connection is left alone.
func (c *Coordinator) ReleaseWindow(windowID string, conn Conn) bool {
	c.mu.Lock()
	if w, ok := c.windows[windowID]; !ok || w.conn != conn {
		c.mu.Unlock()
		return false
	}
	pending, ok := c.removeLocked(windowID)
	c.mu.Unlock()
	c.dispatch(pending)
	if ok {
		c.logger.Info("window_unregistered", slog.String("window_id", windowID))
	}
	return ok
}

func (c *Coordinator) removeLocked(windowID string) ([]func(), bool) {
	w, ok := c.windows[windowID]
	if !ok {
		return nil, false
	}
	delete(c.windows, windowID)
	g := c.groups[w.operatorID]
	if g == nil {
		return nil, true
	}
	delete(g.members, windowID)

	var pending []func()
	operatorID := g.operatorID
	if g.recordingID == windowID {
		g.recordingID = ""
		targets := conns(g, "")
		msg := protocol.RecordingOrphaned(windowID)
		pending = append(pending, func() {
			sendAll(targets, msg)
			if c.listener != nil {
				c.listener.OnRecordingOrphaned(operatorID, windowID)
			}
		})
		c.logger.Warn("recording_orphaned",
			slog.String("window_id", windowID),
			slog.String("operator_id", operatorID))
	}
	if len(g.members) == 0 {
		delete(c.groups, operatorID)
		return pending, true
	}
	if g.leaderID == windowID {
		pending = append(pending, c.electLocked(g)...)
	}
	return pending, true
}

// electLocked picks the oldest member. Connect-time ties fall back to
// registration order.
func (c *Coordinator) electLocked(g *group) []func() {
	var best *window
	for _, w := range g.members {
		if best == nil || older(w, best) {
			best = w
		}
	}
	if best == nil || best.id == g.leaderID {
		return nil
	}
	previous := g.leaderID
	g.leaderID = best.id
	operatorID := g.operatorID
	leaderID := best.id
	targets := conns(g, "")
	msg := protocol.LeaderChanged(operatorID, leaderID, previous)
	c.logger.Info("leader_elected",
		slog.String("operator_id", operatorID),
		slog.String("leader_id", leaderID),
		slog.String("previous_id", previous))
	return []func(){func() {
		sendAll(targets, msg)
		if c.listener != nil {
			c.listener.OnLeaderChanged(operatorID, leaderID, previous)
		}
	}}
}

func older(a, b *window) bool {
	if a.connectedAt.Equal(b.connectedAt) {
		return a.seq < b.seq
	}
	return a.connectedAt.Before(b.connectedAt)
}

// StartRecording claims the group's recording slot. It fails without
// changing state when another window holds it, and the requester alone is
// told about the conflict.
func (c *Coordinator) StartRecording(windowID string) bool {
	c.mu.Lock()
	w, ok := c.windows[windowID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	g := c.groups[w.operatorID]
	if g.recordingID != "" && g.recordingID != windowID {
		active := g.recordingID
		operatorID := g.operatorID
		conn := w.conn
		c.mu.Unlock()

		c.logger.Warn("recording_conflict",
			slog.String("operator_id", operatorID),
			slog.String("requesting_window_id", windowID),
			slog.String("active_window_id", active))
		sendAll([]Conn{conn}, protocol.RecordingConflict(windowID, active))
		if c.listener != nil {
			c.listener.OnRecordingConflict(operatorID, windowID, active)
		}
		return false
	}
	g.recordingID = windowID
	c.mu.Unlock()
	return true
}

// StopRecording releases the slot if windowID holds it and tells the group.
func (c *Coordinator) StopRecording(windowID, reason string) bool {
	c.mu.Lock()
	w, ok := c.windows[windowID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	g := c.groups[w.operatorID]
	if g.recordingID != windowID {
		c.mu.Unlock()
		return false
	}
	g.recordingID = ""
	targets := conns(g, "")
	c.mu.Unlock()

	sendAll(targets, protocol.RecordingStopped(windowID, reason))
	return true
}

// RecordingWindow returns the current recorder of an operator group.
func (c *Coordinator) RecordingWindow(operatorID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[operatorID]
	if !ok || g.recordingID == "" {
		return "", false
	}
	return g.recordingID, true
}

// BroadcastToGroup sends msg to every window of an operator except
// excludeWindowID and returns how many sends succeeded.
func (c *Coordinator) BroadcastToGroup(operatorID string, msg []byte, excludeWindowID string) int {
	c.mu.Lock()
	g, ok := c.groups[operatorID]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	targets := conns(g, excludeWindowID)
	c.mu.Unlock()
	return sendAll(targets, msg)
}

func (c *Coordinator) SendToWindow(windowID string, msg []byte) error {
	c.mu.Lock()
	w, ok := c.windows[windowID]
	var conn Conn
	if ok {
		conn = w.conn
	}
	c.mu.Unlock()
	if !ok {
		return ErrUnknownWindow
	}
	return send(conn, msg)
}

func (c *Coordinator) SendToLeader(operatorID string, msg []byte) error {
	c.mu.Lock()
	g, ok := c.groups[operatorID]
	var conn Conn
	if ok && g.leaderID != "" {
		conn = g.members[g.leaderID].conn
	}
	c.mu.Unlock()
	if conn == nil {
		return errorsx.New(errorsx.ReasonNoLeader, "operator group has no leader")
	}
	return send(conn, msg)
}

// PingWindow refreshes a window's liveness timestamp.
func (c *Coordinator) PingWindow(windowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[windowID]
	if ok {
		w.lastPingAt = c.now()
	}
	return ok
}

// StaleWindows lists windows not pinged within maxAge.
func (c *Coordinator) StaleWindows(maxAge time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleLocked(maxAge)
}

func (c *Coordinator) staleLocked(maxAge time.Duration) []string {
	cutoff := c.now().Add(-maxAge)
	var out []*window
	for _, w := range c.windows {
		if w.lastPingAt.Before(cutoff) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	ids := make([]string, 0, len(out))
	for _, w := range out {
		ids = append(ids, w.id)
	}
	return ids
}

// CleanupStaleWindows unregisters every stale window and returns their ids.
func (c *Coordinator) CleanupStaleWindows(maxAge time.Duration) []string {
	c.mu.Lock()
	stale := c.staleLocked(maxAge)
	var pending []func()
	for _, id := range stale {
		p, _ := c.removeLocked(id)
		pending = append(pending, p...)
	}
	c.mu.Unlock()

	c.dispatch(pending)
	if len(stale) > 0 {
		c.logger.Info("stale_windows_removed", slog.Int("count", len(stale)))
	}
	return stale
}

// Window returns a snapshot of one window.
func (c *Coordinator) Window(windowID string) (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[windowID]
	if !ok {
		return Window{}, false
	}
	return c.snapshotLocked(c.groups[w.operatorID], w), true
}

// Group returns a snapshot of one operator group.
func (c *Coordinator) Group(operatorID string) (GroupInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[operatorID]
	if !ok {
		return GroupInfo{}, false
	}
	info := GroupInfo{
		OperatorID:        g.operatorID,
		LeaderID:          g.leaderID,
		RecordingWindowID: g.recordingID,
	}
	members := make([]*window, 0, len(g.members))
	for _, w := range g.members {
		members = append(members, w)
	}
	sort.Slice(members, func(i, j int) bool { return older(members[i], members[j]) })
	for _, w := range members {
		info.Windows = append(info.Windows, c.snapshotLocked(g, w))
	}
	return info, true
}

// Counts reports the number of groups and windows.
func (c *Coordinator) Counts() (groups, windows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups), len(c.windows)
}

func (c *Coordinator) snapshotLocked(g *group, w *window) Window {
	return Window{
		WindowID:    w.id,
		TabID:       w.tabID,
		URL:         w.url,
		OperatorID:  w.operatorID,
		IsLeader:    g != nil && g.leaderID == w.id,
		IsRecording: g != nil && g.recordingID == w.id,
		ConnectedAt: w.connectedAt,
		LastPingAt:  w.lastPingAt,
	}
}

func (c *Coordinator) dispatch(pending []func()) {
	for _, fn := range pending {
		fn()
	}
}

func conns(g *group, exclude string) []Conn {
	members := make([]*window, 0, len(g.members))
	for id, w := range g.members {
		if id != exclude {
			members = append(members, w)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	out := make([]Conn, 0, len(members))
	for _, w := range members {
		out = append(out, w.conn)
	}
	return out
}

func sendAll(targets []Conn, msg []byte) int {
	sent := 0
	for _, conn := range targets {
		if send(conn, msg) == nil {
			sent++
		}
	}
	return sent
}

var errClosed = errors.New("window connection closed")

func send(conn Conn, msg []byte) error {
	if conn == nil || !conn.Open() {
		return errClosed
	}
	return conn.Send(msg)
}
