package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/resilience"
)

// Tables written by the broker. Each holds one JSON document per id.
const (
	TableRuns             = "runs"
	TableTranscriptChunks = "transcript_chunks"
	TableConsents         = "consents"
	TableAuditLog         = "audit_log"
	TableAlerts           = "alerts"
	TableAutomationEvents = "automation_events"
)

var tables = []string{TableRuns, TableTranscriptChunks, TableConsents, TableAuditLog, TableAlerts, TableAutomationEvents}

const sqliteBusyCode = 5

var ErrNotFound = errors.New("row not found")

// Store is the durable backend behind the offline queue.
type Store struct {
	db     *sql.DB
	path   string
	known  map[string]struct{}
	retry  resilience.RetryPolicy
	now    func() time.Time
	logger *slog.Logger
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("create storage directory: %w", err), errorsx.ReasonStorePermission)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("open sqlite db: %w", err), errorsx.ReasonStoreConnect)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, classify(fmt.Errorf("apply pragma %q: %w", pragma, execErr))
		}
	}

	logger := logging.NewComponentLogger(nil, "sqlite_store")
	retry := resilience.NewRetryPolicy(4, 25*time.Millisecond)
	retry.Retryable = isBusy
	retry.OnRetry = func(attempt int, err error) {
		logger.Debug("store_busy_retry", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	s := &Store{
		db:     db,
		path:   path,
		known:  make(map[string]struct{}, len(tables)),
		retry:  retry,
		now:    time.Now,
		logger: logger,
	}
	for _, t := range tables {
		s.known[t] = struct{}{}
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("store_opened", slog.String("path", path))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, t := range tables {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL CHECK (json_valid(payload)),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, t)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errorsx.Wrap(fmt.Errorf("create table %s: %w", t, err), errorsx.ReasonStoreSchema)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert stores a new document. A missing id is generated.
func (s *Store) Insert(ctx context.Context, table string, payload map[string]any) error {
	id, doc, err := s.prepare(table, payload, true)
	if err != nil {
		return err
	}
	now := s.timestamp()
	query := fmt.Sprintf(`INSERT INTO %s (id, payload, created_at, updated_at) VALUES (?, json(?), ?, ?)`, table)
	return s.exec(ctx, query, id, doc, now, now)
}

// Update merges payload into an existing document.
func (s *Store) Update(ctx context.Context, table string, payload map[string]any) error {
	id, doc, err := s.prepare(table, payload, false)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET payload = json_patch(payload, json(?)), updated_at = ? WHERE id = ?`, table)
	var affected int64
	err = s.retry.Do(ctx, func() error {
		res, execErr := s.db.ExecContext(ensureContext(ctx), query, doc, s.timestamp(), id)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return classify(fmt.Errorf("update %s: %w", table, err))
	}
	if affected == 0 {
		return errorsx.Wrap(fmt.Errorf("update %s/%s: %w", table, id, ErrNotFound), errorsx.ReasonStoreQuery)
	}
	return nil
}

// Upsert inserts the document or merges it into the existing one.
func (s *Store) Upsert(ctx context.Context, table string, payload map[string]any) error {
	id, doc, err := s.prepare(table, payload, false)
	if err != nil {
		return err
	}
	now := s.timestamp()
	query := fmt.Sprintf(`INSERT INTO %s (id, payload, created_at, updated_at) VALUES (?, json(?), ?, ?)
ON CONFLICT(id) DO UPDATE SET payload = json_patch(payload, excluded.payload), updated_at = excluded.updated_at`, table)
	return s.exec(ctx, query, id, doc, now, now)
}

// Ping reports whether the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	ctx = ensureContext(ctx)
	if err := s.db.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("ping: %w", err))
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return classify(fmt.Errorf("ping query: %w", err))
	}
	return nil
}

// Get returns one stored document.
func (s *Store) Get(ctx context.Context, table, id string) (map[string]any, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	var raw string
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, table)
	err := s.db.QueryRowContext(ensureContext(ctx), query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorsx.Wrap(fmt.Errorf("get %s/%s: %w", table, id, ErrNotFound), errorsx.ReasonStoreQuery)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get %s/%s: %w", table, id, err))
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode %s/%s: %w", table, id, err), errorsx.ReasonStoreSchema)
	}
	return out, nil
}

// Count returns the number of documents in table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ensureContext(ctx), fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count %s: %w", table, err))
	}
	return n, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	err := s.retry.Do(ctx, func() error {
		_, execErr := s.db.ExecContext(ensureContext(ctx), query, args...)
		return execErr
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) prepare(table string, payload map[string]any, generateID bool) (string, string, error) {
	if err := s.checkTable(table); err != nil {
		return "", "", err
	}
	if payload == nil {
		return "", "", errorsx.New(errorsx.ReasonStoreQuery, "payload is required")
	}
	id, _ := payload["id"].(string)
	if id == "" {
		if !generateID {
			return "", "", errorsx.New(errorsx.ReasonStoreQuery, "payload id is required")
		}
		id = uuid.NewString()
		copied := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			copied[k] = v
		}
		copied["id"] = id
		payload = copied
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		return "", "", errorsx.Wrap(fmt.Errorf("encode payload: %w", err), errorsx.ReasonStoreQuery)
	}
	return id, string(doc), nil
}

func (s *Store) checkTable(table string) error {
	if _, ok := s.known[table]; !ok {
		return errorsx.Newf(errorsx.ReasonStoreSchema, "unknown table %q", table)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// classify maps driver errors to store reason codes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), isBusy(err),
		strings.Contains(msg, "unable to open"), strings.Contains(msg, "database is closed"):
		return errorsx.Wrap(err, errorsx.ReasonStoreConnect)
	case strings.Contains(msg, "readonly"), strings.Contains(msg, "permission denied"), strings.Contains(msg, "access denied"):
		return errorsx.Wrap(err, errorsx.ReasonStorePermission)
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"), strings.Contains(msg, "has no column"):
		return errorsx.Wrap(err, errorsx.ReasonStoreSchema)
	default:
		return errorsx.Wrap(err, errorsx.ReasonStoreQuery)
	}
}
