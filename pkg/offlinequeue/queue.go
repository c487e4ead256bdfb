package offlinequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/metrics"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindUpsert Kind = "upsert"
)

type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusSyncing  Status = "syncing"
	StatusDegraded Status = "degraded"
)

// Store is the durable backend the queue protects.
type Store interface {
	Insert(ctx context.Context, table string, payload map[string]any) error
	Update(ctx context.Context, table string, payload map[string]any) error
	Upsert(ctx context.Context, table string, payload map[string]any) error
	Ping(ctx context.Context) error
}

// Operation is one deferred write. Failed marks a dead-lettered operation
// that is kept for inspection and never replayed automatically.
type Operation struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Table      string         `json:"table"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
	LastError  string         `json:"last_error,omitempty"`
	Failed     bool           `json:"failed,omitempty"`
}

// Result reports whether a write went through or was queued.
type Result struct {
	Queued bool
	ID     string
}

type Stats struct {
	Status        Status    `json:"status"`
	Pending       int       `json:"pending"`
	DeadLettered  int       `json:"dead_lettered"`
	Evicted       int       `json:"evicted"`
	PersistFailed bool      `json:"persist_failed"`
	LastSyncAt    time.Time `json:"last_sync_at,omitempty"`
}

// SyncReport summarizes one replay pass.
type SyncReport struct {
	Attempted    int
	Succeeded    int
	Failed       int
	DeadLettered int
}

// Listener receives queue events outside the queue lock.
type Listener interface {
	OnStatusChange(from, to Status)
	OnOperationFailed(op Operation)
	OnOverflow(evicted Operation)
}

type ListenerFuncs struct {
	StatusChange    func(from, to Status)
	OperationFailed func(op Operation)
	Overflow        func(evicted Operation)
}

func (f ListenerFuncs) OnStatusChange(from, to Status) {
	if f.StatusChange != nil {
		f.StatusChange(from, to)
	}
}

func (f ListenerFuncs) OnOperationFailed(op Operation) {
	if f.OperationFailed != nil {
		f.OperationFailed(op)
	}
}

func (f ListenerFuncs) OnOverflow(evicted Operation) {
	if f.Overflow != nil {
		f.Overflow(evicted)
	}
}

type Config struct {
	// Path of the persisted queue document. Empty keeps the queue in memory.
	Path            string
	MaxSize         int
	MaxRetries      int
	HealthInterval  time.Duration
	OpTimeout       time.Duration
	ProtectedTables []string
	Now             func() time.Time
	Observer        metrics.Observer
	Logger          *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxSize:         1000,
		MaxRetries:      3,
		HealthInterval:  30 * time.Second,
		OpTimeout:       10 * time.Second,
		ProtectedTables: []string{"consents", "audit_log"},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	if c.ProtectedTables == nil {
		c.ProtectedTables = def.ProtectedTables
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Observer = metrics.OrNoop(c.Observer)
	return c
}

var ErrLocked = errors.New("offline queue file is locked by another process")

// Queue wraps a Store. Writes that cannot reach the store are kept in FIFO
// order, persisted on every mutation and replayed when health returns.
type Queue struct {
	cfg       Config
	store     Store
	listener  Listener
	logger    *slog.Logger
	protected map[string]struct{}
	lock      *flock.Flock

	mu            sync.Mutex
	status        Status
	ops           []Operation
	evicted       int
	persistFailed bool
	lastSyncAt    time.Time

	syncMu    sync.Mutex
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Open loads any persisted operations and takes ownership of the queue file.
func Open(store Store, cfg Config, listener Listener) (*Queue, error) {
	if store == nil {
		return nil, errors.New("offline queue requires a store")
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:       cfg,
		store:     store,
		listener:  listener,
		logger:    logging.NewComponentLogger(cfg.Logger, "offline_queue"),
		protected: make(map[string]struct{}, len(cfg.ProtectedTables)),
		status:    StatusOnline,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, t := range cfg.ProtectedTables {
		q.protected[t] = struct{}{}
	}

	if cfg.Path != "" {
		lock, err := acquire(cfg.Path)
		if err != nil {
			return nil, err
		}
		q.lock = lock
		snap, err := ReadSnapshot(cfg.Path)
		if err != nil {
			_ = lock.Unlock()
			return nil, err
		}
		q.ops = snap.Operations
		if len(q.ops) > 0 {
			q.logger.Info("offline_queue_restored",
				slog.Int("operations", len(q.ops)),
				slog.String("path", cfg.Path))
		}
	}
	return q, nil
}

func acquire(path string) (*flock.Flock, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("acquire queue lock: %w", err), errorsx.ReasonQueuePersist)
	}
	if !ok {
		return nil, errorsx.Wrap(ErrLocked, errorsx.ReasonQueuePersist)
	}
	return lock, nil
}

// Start runs the health loop until Close. The first check runs immediately
// so a restored queue starts replaying without waiting a full interval.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.started.Store(true)
		go q.loop(ctx)
	})
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.HealthInterval)
	defer ticker.Stop()
	q.CheckHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			q.CheckHealth(ctx)
		}
	}
}

// Close stops the health loop, writes the final state and releases the file.
func (q *Queue) Close() error {
	var err error
	q.stopOnce.Do(func() {
		close(q.stop)
		if q.started.Load() {
			<-q.done
		}
		q.mu.Lock()
		err = q.persistLocked()
		q.mu.Unlock()
		if q.lock != nil {
			if uerr := q.lock.Unlock(); err == nil {
				err = uerr
			}
		}
	})
	return err
}

func (q *Queue) Insert(ctx context.Context, table string, payload map[string]any) (Result, error) {
	return q.Write(ctx, KindInsert, table, payload)
}

func (q *Queue) Update(ctx context.Context, table string, payload map[string]any) (Result, error) {
	return q.Write(ctx, KindUpdate, table, payload)
}

func (q *Queue) Upsert(ctx context.Context, table string, payload map[string]any) (Result, error) {
	return q.Write(ctx, KindUpsert, table, payload)
}

// Write attempts the store directly unless the store is known to be down or
// a degraded queue still has operations to replay, and queues the write when
// the attempt fails. Only a connectivity failure takes the queue offline. Replay
// is FIFO among queued operations only: a direct write made while a sync is
// running can land before older queued ones. The returned error is only for
// invalid input or a queue persistence failure.
func (q *Queue) Write(ctx context.Context, kind Kind, table string, payload map[string]any) (Result, error) {
	if err := validate(kind, table, payload); err != nil {
		return Result{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	direct := q.writableLocked()
	q.mu.Unlock()

	if direct {
		err := q.apply(ctx, kind, table, payload)
		if err == nil {
			return Result{}, nil
		}
		q.logger.Warn("store_write_failed",
			slog.String("table", table),
			slog.String("kind", string(kind)),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		if unreachable(err) {
			q.markOffline()
		}
	}

	op := Operation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Table:      table,
		Payload:    clonePayload(payload),
		EnqueuedAt: q.cfg.Now(),
	}
	return Result{Queued: true, ID: op.ID}, q.enqueue(op)
}

func validate(kind Kind, table string, payload map[string]any) error {
	switch kind {
	case KindInsert, KindUpdate, KindUpsert:
	default:
		return fmt.Errorf("unknown operation kind %q", kind)
	}
	if strings.TrimSpace(table) == "" {
		return errors.New("table is required")
	}
	if payload == nil {
		return errors.New("payload is required")
	}
	if kind == KindUpdate {
		if id, _ := payload["id"].(string); id == "" {
			return errors.New("update payload requires a string id")
		}
	}
	return nil
}

func (q *Queue) apply(ctx context.Context, kind Kind, table string, payload map[string]any) error {
	opCtx, cancel := context.WithTimeout(ctx, q.cfg.OpTimeout)
	defer cancel()
	switch kind {
	case KindUpdate:
		return q.store.Update(opCtx, table, payload)
	case KindUpsert:
		return q.store.Upsert(opCtx, table, payload)
	default:
		return q.store.Insert(opCtx, table, payload)
	}
}

func (q *Queue) enqueue(op Operation) error {
	var pending []func()
	q.mu.Lock()
	if len(q.ops) >= q.cfg.MaxSize {
		idx := q.evictionIndexLocked()
		evicted := q.ops[idx]
		q.ops = append(q.ops[:idx:idx], q.ops[idx+1:]...)
		q.evicted++
		pending = append(pending, func() {
			q.logger.Warn("offline_queue_overflow",
				slog.String("evicted_id", evicted.ID),
				slog.String("table", evicted.Table))
			q.cfg.Observer.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventQueueOverflow,
				Time:  q.cfg.Now(),
				Value: 1,
				Tags:  map[string]string{"table": evicted.Table},
			})
			if q.listener != nil {
				q.listener.OnOverflow(evicted)
			}
		})
	}
	q.ops = append(q.ops, op)
	err := q.persistLocked()
	size := len(q.ops)
	q.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	q.logger.Debug("operation_queued",
		slog.String("id", op.ID),
		slog.String("table", op.Table),
		slog.Int("queue_size", size))
	return err
}

// evictionIndexLocked picks the oldest operation outside the protected
// tables, falling back to the oldest overall.
func (q *Queue) evictionIndexLocked() int {
	for i, op := range q.ops {
		if _, ok := q.protected[op.Table]; !ok {
			return i
		}
	}
	return 0
}

// CheckHealth pings the store and drives status transitions, replaying the
// queue when the store is reachable and work is pending.
func (q *Queue) CheckHealth(ctx context.Context) Status {
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, q.cfg.OpTimeout)
	err := q.store.Ping(pingCtx)
	cancel()

	q.mu.Lock()
	status := q.status
	replayable := q.replayableLocked()
	q.mu.Unlock()

	if status == StatusSyncing {
		return status
	}
	if err != nil {
		if status != StatusOffline {
			q.logger.Warn("store_health_failed", slog.String("error", err.Error()))
			q.markOffline()
		}
		return StatusOffline
	}
	if status == StatusOffline {
		q.setStatus(StatusOnline)
	}
	if replayable > 0 {
		q.Sync(ctx)
	}
	return q.Status()
}

// Sync replays every retryable operation once, oldest first.
func (q *Queue) Sync(ctx context.Context) SyncReport {
	if !q.syncMu.TryLock() {
		return SyncReport{}
	}
	defer q.syncMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	batch := make([]Operation, 0, len(q.ops))
	for _, op := range q.ops {
		if !op.Failed {
			batch = append(batch, op)
		}
	}
	q.mu.Unlock()
	if len(batch) == 0 {
		return SyncReport{}
	}
	q.setStatus(StatusSyncing)

	var report SyncReport
	for _, op := range batch {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		err := q.apply(ctx, op.Kind, op.Table, op.Payload)

		var deadLettered *Operation
		q.mu.Lock()
		idx := q.indexLocked(op.ID)
		if idx < 0 {
			// discarded while in flight
			q.mu.Unlock()
			continue
		}
		if err == nil {
			q.ops = append(q.ops[:idx:idx], q.ops[idx+1:]...)
			report.Succeeded++
		} else {
			report.Failed++
			cur := &q.ops[idx]
			cur.RetryCount++
			cur.LastError = err.Error()
			if cur.RetryCount >= q.cfg.MaxRetries && !cur.Failed {
				cur.Failed = true
				report.DeadLettered++
				snap := *cur
				deadLettered = &snap
			}
		}
		_ = q.persistLocked()
		q.mu.Unlock()

		if deadLettered != nil {
			q.reportFailed(*deadLettered)
		}
	}

	q.mu.Lock()
	q.lastSyncAt = q.cfg.Now()
	remaining := len(q.ops)
	q.mu.Unlock()

	if remaining == 0 {
		q.setStatus(StatusOnline)
	} else {
		q.setStatus(StatusDegraded)
	}
	q.logger.Info("offline_queue_synced",
		slog.Int("attempted", report.Attempted),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("remaining", remaining))
	return report
}

func (q *Queue) reportFailed(op Operation) {
	q.logger.Error("queued_operation_dead_lettered",
		slog.String("id", op.ID),
		slog.String("table", op.Table),
		slog.Int("retries", op.RetryCount),
		slog.String("error", op.LastError))
	q.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventQueueOpFailed,
		Time:  q.cfg.Now(),
		Value: 1,
		Tags:  map[string]string{"table": op.Table, "kind": string(op.Kind)},
	})
	if q.listener != nil {
		q.listener.OnOperationFailed(op)
	}
}

func (q *Queue) markOffline() {
	q.setStatus(StatusOffline)
}

func (q *Queue) setStatus(to Status) {
	q.mu.Lock()
	from := q.status
	if from == to {
		q.mu.Unlock()
		return
	}
	q.status = to
	q.mu.Unlock()

	q.logger.Info("offline_queue_status", slog.String("from", string(from)), slog.String("to", string(to)))
	q.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventQueueStatus,
		Time: q.cfg.Now(),
		Tags: map[string]string{"from": string(from), "to": string(to)},
	})
	if q.listener != nil {
		q.listener.OnStatusChange(from, to)
	}
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Status:        q.status,
		Evicted:       q.evicted,
		PersistFailed: q.persistFailed,
		LastSyncAt:    q.lastSyncAt,
	}
	for _, op := range q.ops {
		if op.Failed {
			s.DeadLettered++
		} else {
			s.Pending++
		}
	}
	return s
}

// Operations returns a copy of the queue, oldest first.
func (q *Queue) Operations() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// RetryFailed returns dead-lettered operations to the replay set.
func (q *Queue) RetryFailed() (int, error) {
	q.mu.Lock()
	n := retryFailed(q.ops)
	var err error
	if n > 0 {
		err = q.persistLocked()
	}
	q.mu.Unlock()
	return n, err
}

// Discard drops one operation by id.
func (q *Queue) Discard(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return false, nil
	}
	q.ops = append(q.ops[:idx:idx], q.ops[idx+1:]...)
	return true, q.persistLocked()
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

// writableLocked reports whether a new write may go straight to the store.
// A degraded queue holding only dead-lettered operations still writes
// directly.
func (q *Queue) writableLocked() bool {
	switch q.status {
	case StatusOnline, StatusSyncing:
		return true
	case StatusDegraded:
		return q.replayableLocked() == 0
	}
	return false
}

// unreachable reports whether err means the store itself could not be
// reached, as opposed to a rejected write. Errors without a reason code
// are treated as unreachable.
func unreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	switch errorsx.Reason(err) {
	case errorsx.ReasonStoreConnect, errorsx.ReasonUnknown:
		return true
	}
	return false
}

func (q *Queue) replayableLocked() int {
	n := 0
	for _, op := range q.ops {
		if !op.Failed {
			n++
		}
	}
	return n
}

func (q *Queue) persistLocked() error {
	if q.cfg.Path == "" {
		return nil
	}
	err := writeSnapshot(q.cfg.Path, q.ops, q.cfg.Now())
	if err != nil {
		if !q.persistFailed {
			q.logger.Error("offline_queue_persist_failed",
				slog.String("path", q.cfg.Path),
				slog.String("error", err.Error()))
		}
		q.persistFailed = true
		return errorsx.Wrap(err, errorsx.ReasonQueuePersist)
	}
	q.persistFailed = false
	return nil
}

func retryFailed(ops []Operation) int {
	n := 0
	for i := range ops {
		if ops[i].Failed {
			ops[i].Failed = false
			ops[i].RetryCount = 0
			n++
		}
	}
	return n
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
