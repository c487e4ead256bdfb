package clients

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/metrics"
)

// Role classifies a connected client.
type Role string

const (
	RoleOverlay    Role = "overlay"
	RoleDashboard  Role = "dashboard"
	RoleAgent      Role = "agent"
	RoleAutomation Role = "automation"
)

// ParseRole maps a query value to a Role, defaulting to overlay.
func ParseRole(v string) (Role, bool) {
	switch Role(v) {
	case "":
		return RoleOverlay, true
	case RoleOverlay, RoleDashboard, RoleAgent, RoleAutomation:
		return Role(v), true
	default:
		return "", false
	}
}

// Known feeds. Overlay clients subscribe to all of them on register.
const (
	FeedTranscript = "transcript"
	FeedAlerts     = "alerts"
	FeedAutomation = "automation"
	FeedFields     = "fields"
	FeedStatus     = "status"
	FeedCommands   = "commands"
)

var AllFeeds = []string{FeedTranscript, FeedAlerts, FeedAutomation, FeedFields, FeedStatus, FeedCommands}

// ErrClosed is reported for targets whose connection is no longer open.
var ErrClosed = errors.New("connection closed")

// Conn is the outbound side of one client connection.
type Conn interface {
	Send(msg []byte) error
	Open() bool
}

// Client is one registered connection. Fields are owned by the Registry;
// callers get copies from Get and Snapshot.
type Client struct {
	ID            string
	Role          Role
	OperatorID    string
	Meta          map[string]string
	Feeds         []string
	Topics        []string
	ConnectedAt   time.Time
	LastMessageAt time.Time
	MessageCount  int64
}

type entry struct {
	id            string
	conn          Conn
	role          Role
	operatorID    string
	meta          map[string]string
	feeds         map[string]struct{}
	topics        map[string]struct{}
	seq           uint64
	connectedAt   time.Time
	lastMessageAt time.Time
	messageCount  int64
}

// Filter narrows a broadcast. Every non-empty field is intersected; Roles is
// a union among its members.
type Filter struct {
	Feed       string
	Topic      string
	Roles      []Role
	OperatorID string
	Exclude    string
}

// Result summarizes one broadcast.
type Result struct {
	TargetCount int
	Sent        int
	Failed      int
	Errors      map[string]error
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithObserver(obs metrics.Observer) Option {
	return func(r *Registry) { r.observer = obs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logging.NewComponentLogger(logger, "clients") }
}

// Registry indexes connected clients by role, operator, feed and topic.
type Registry struct {
	mu         sync.RWMutex
	clients    map[string]*entry
	byRole     map[Role]map[string]struct{}
	byOperator map[string]map[string]struct{}
	byFeed     map[string]map[string]struct{}
	byTopic    map[string]map[string]struct{}
	seq        uint64

	now      func() time.Time
	observer metrics.Observer
	logger   *slog.Logger
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clients:    make(map[string]*entry),
		byRole:     make(map[Role]map[string]struct{}),
		byOperator: make(map[string]map[string]struct{}),
		byFeed:     make(map[string]map[string]struct{}),
		byTopic:    make(map[string]map[string]struct{}),
		now:        time.Now,
		logger:     logging.NewComponentLogger(nil, "clients"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a connection and returns its assigned client.
func (r *Registry) Register(conn Conn, role Role, operatorID string, meta map[string]string) Client {
	if role == "" {
		role = RoleOverlay
	}
	now := r.now()
	e := &entry{
		id:            uuid.NewString(),
		conn:          conn,
		role:          role,
		operatorID:    operatorID,
		meta:          copyMeta(meta),
		feeds:         make(map[string]struct{}),
		topics:        make(map[string]struct{}),
		connectedAt:   now,
		lastMessageAt: now,
	}

	r.mu.Lock()
	r.seq++
	e.seq = r.seq
	r.clients[e.id] = e
	addIndex(r.byRole, role, e.id)
	if operatorID != "" {
		addIndex(r.byOperator, operatorID, e.id)
	}
	if role == RoleOverlay {
		for _, feed := range AllFeeds {
			e.feeds[feed] = struct{}{}
			addIndex(r.byFeed, feed, e.id)
		}
	}
	out := e.snapshot()
	total := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("client_registered",
		slog.String("client_id", e.id),
		slog.String("role", string(role)),
		slog.String("operator_id", operatorID),
		slog.Int("clients", total))
	return out
}

// Unregister removes a client from every index it belongs to.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	e, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.clients, id)
	removeIndex(r.byRole, e.role, id)
	if e.operatorID != "" {
		removeIndex(r.byOperator, e.operatorID, id)
	}
	for feed := range e.feeds {
		removeIndex(r.byFeed, feed, id)
	}
	for topic := range e.topics {
		removeIndex(r.byTopic, topic, id)
	}
	total := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("client_unregistered",
		slog.String("client_id", id),
		slog.Int("clients", total))
	return true
}

func (r *Registry) SubscribeFeed(id, feed string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok || feed == "" {
		return false
	}
	e.feeds[feed] = struct{}{}
	addIndex(r.byFeed, feed, id)
	return true
}

func (r *Registry) UnsubscribeFeed(id, feed string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(e.feeds, feed)
	removeIndex(r.byFeed, feed, id)
	return true
}

func (r *Registry) SubscribeTopic(id, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok || topic == "" {
		return false
	}
	e.topics[topic] = struct{}{}
	addIndex(r.byTopic, topic, id)
	return true
}

func (r *Registry) UnsubscribeTopic(id, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(e.topics, topic)
	removeIndex(r.byTopic, topic, id)
	return true
}

// SetOperator moves a client into an operator index, e.g. after hello.
func (r *Registry) SetOperator(id, operatorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	if e.operatorID != "" {
		removeIndex(r.byOperator, e.operatorID, id)
	}
	e.operatorID = operatorID
	if operatorID != "" {
		addIndex(r.byOperator, operatorID, id)
	}
	return true
}

// Touch records inbound activity for a client.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[id]; ok {
		e.lastMessageAt = r.now()
		e.messageCount++
	}
}

func (r *Registry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return e.snapshot(), true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CountByRole reports connected clients per role.
func (r *Registry) CountByRole() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role]int, len(r.byRole))
	for role, ids := range r.byRole {
		out[role] = len(ids)
	}
	return out
}

// Snapshot returns all clients in registration order.
func (r *Registry) Snapshot() []Client {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.clients))
	for _, e := range r.clients {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Client, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()
	return out
}

// Broadcast sends msg to every client matching filter. A failed target is
// recorded in the result and never stops delivery to the others.
func (r *Registry) Broadcast(msg []byte, filter Filter) Result {
	type target struct {
		id   string
		conn Conn
	}
	r.mu.RLock()
	ids := r.resolveLocked(filter)
	targets := make([]target, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.clients[id]; ok {
			targets = append(targets, target{id: id, conn: e.conn})
		}
	}
	r.mu.RUnlock()

	res := Result{TargetCount: len(targets)}
	for _, t := range targets {
		err := send(t.conn, msg)
		if err != nil {
			res.Failed++
			if res.Errors == nil {
				res.Errors = make(map[string]error)
			}
			res.Errors[t.id] = err
			continue
		}
		res.Sent++
	}

	if res.Failed > 0 {
		r.logger.Warn("broadcast_partial_failure",
			slog.Int("targets", res.TargetCount),
			slog.Int("failed", res.Failed))
	}
	if r.observer != nil {
		tags := map[string]string{}
		if filter.Feed != "" {
			tags["feed"] = filter.Feed
		}
		if filter.OperatorID != "" {
			tags["operator_id"] = filter.OperatorID
		}
		r.observer.RecordEvent(metrics.MetricsEvent{
			Name:  "broadcast",
			Time:  r.now(),
			Value: float64(res.Sent),
			Tags:  tags,
			Fields: map[string]any{
				"targets": res.TargetCount,
				"failed":  res.Failed,
			},
		})
	}
	return res
}

// SendTo delivers msg to one client.
func (r *Registry) SendTo(id string, msg []byte) error {
	r.mu.RLock()
	e, ok := r.clients[id]
	var conn Conn
	if ok {
		conn = e.conn
	}
	r.mu.RUnlock()
	if !ok {
		return ErrClosed
	}
	return send(conn, msg)
}

// resolveLocked intersects the index sets named by filter and returns ids in
// registration order.
func (r *Registry) resolveLocked(filter Filter) []string {
	var sets []map[string]struct{}
	if filter.Feed != "" {
		sets = append(sets, r.byFeed[filter.Feed])
	}
	if filter.Topic != "" {
		sets = append(sets, r.byTopic[filter.Topic])
	}
	if filter.OperatorID != "" {
		sets = append(sets, r.byOperator[filter.OperatorID])
	}
	if len(filter.Roles) > 0 {
		union := make(map[string]struct{})
		for _, role := range filter.Roles {
			for id := range r.byRole[role] {
				union[id] = struct{}{}
			}
		}
		sets = append(sets, union)
	}

	var candidates map[string]struct{}
	if len(sets) == 0 {
		candidates = make(map[string]struct{}, len(r.clients))
		for id := range r.clients {
			candidates[id] = struct{}{}
		}
	} else {
		sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
		candidates = make(map[string]struct{}, len(sets[0]))
	outer:
		for id := range sets[0] {
			for _, set := range sets[1:] {
				if _, ok := set[id]; !ok {
					continue outer
				}
			}
			candidates[id] = struct{}{}
		}
	}
	if filter.Exclude != "" {
		delete(candidates, filter.Exclude)
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.clients[ids[i]].seq < r.clients[ids[j]].seq })
	return ids
}

func send(conn Conn, msg []byte) error {
	if conn == nil || !conn.Open() {
		return ErrClosed
	}
	return conn.Send(msg)
}

func (e *entry) snapshot() Client {
	return Client{
		ID:            e.id,
		Role:          e.role,
		OperatorID:    e.operatorID,
		Meta:          copyMeta(e.meta),
		Feeds:         sortedKeys(e.feeds),
		Topics:        sortedKeys(e.topics),
		ConnectedAt:   e.connectedAt,
		LastMessageAt: e.lastMessageAt,
		MessageCount:  e.messageCount,
	}
}

func addIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyMeta(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
