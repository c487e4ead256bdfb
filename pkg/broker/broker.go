package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribehub/pkg/adapters/stt"
	"github.com/harunnryd/scribehub/pkg/clients"
	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/metrics"
	"github.com/harunnryd/scribehub/pkg/multiwindow"
	"github.com/harunnryd/scribehub/pkg/offlinequeue"
	"github.com/harunnryd/scribehub/pkg/protocol"
	"github.com/harunnryd/scribehub/pkg/upstream"
)

// Feed ids used in feed_status frames.
const (
	FeedIDUpstream = "upstream"
	FeedIDStorage  = "storage"
)

type Config struct {
	Addr            string
	WSPath          string
	AllowAnyOrigin  bool
	AllowedOrigins  []string
	ReadLimitBytes  int64
	SendBuffer      int
	FlushInterval   time.Duration
	StaleAfter      time.Duration
	CleanupInterval time.Duration
	Reconnect       upstream.Config
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 15 * time.Second
	}
	return c
}

// Queue is the durable write path used for runs and transcript chunks.
type Queue interface {
	Insert(ctx context.Context, table string, payload map[string]any) (offlinequeue.Result, error)
	Update(ctx context.Context, table string, payload map[string]any) (offlinequeue.Result, error)
	Stats() offlinequeue.Stats
}

// DialerFactory builds the upstream dialer for one recording.
type DialerFactory func(sessionID string) (stt.Dialer, error)

type Deps struct {
	Registry    *clients.Registry
	Coordinator *multiwindow.Coordinator
	Queue       Queue
	Dialers     DialerFactory
	Observer    metrics.Observer
	Logger      *slog.Logger
	// EventCounts, when set, is reported on /health.
	EventCounts func() map[string]int64
}

// Broker owns every connection and wires them to the registry, the window
// coordinator, the upstream reconnectors and the offline queue.
type Broker struct {
	cfg         Config
	registry    *clients.Registry
	coordinator *multiwindow.Coordinator
	queue       Queue
	dialers     DialerFactory
	observer    metrics.Observer
	eventCounts func() map[string]int64
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	server      *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sessions   map[string]*session
	byWindow   map[string]*session
	audioBound map[string]string

	draining  atomic.Bool
	loopsOnce sync.Once
	drainOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, deps Deps) *Broker {
	cfg = cfg.withDefaults()
	registry := deps.Registry
	if registry == nil {
		registry = clients.NewRegistry()
	}
	coordinator := deps.Coordinator
	if coordinator == nil {
		coordinator = multiwindow.NewCoordinator()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:         cfg,
		registry:    registry,
		coordinator: coordinator,
		queue:       deps.Queue,
		dialers:     deps.Dialers,
		observer:    metrics.OrNoop(deps.Observer),
		eventCounts: deps.EventCounts,
		logger:      logging.NewComponentLogger(deps.Logger, "broker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
		byWindow:   make(map[string]*session),
		audioBound: make(map[string]string),
	}
	b.upgrader.CheckOrigin = b.checkOrigin
	return b
}

// Handler serves the websocket endpoint and /health.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(b.cfg.WSPath, b)
	mux.HandleFunc("/health", b.handleHealth)
	return mux
}

// Start runs the background loops and the HTTP server until ctx is done or
// Drain is called.
func (b *Broker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		return err
	}
	b.StartLoops(ctx)
	b.server = &http.Server{
		Addr:              b.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           b.Handler(),
	}
	go func() {
		<-b.ctx.Done()
		_ = b.server.Close()
	}()
	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("broker_server_error", slog.String("error", err.Error()))
		}
	}()
	b.logger.Info("broker_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("ws_path", b.cfg.WSPath))
	return nil
}

// StartLoops starts the chunk flush and stale-window sweep tickers.
func (b *Broker) StartLoops(ctx context.Context) {
	b.loopsOnce.Do(func() {
		if ctx != nil {
			go func() {
				select {
				case <-ctx.Done():
					b.cancel()
				case <-b.ctx.Done():
				}
			}()
		}
		b.wg.Add(2)
		go b.tick(b.cfg.FlushInterval, func() { b.FlushPending(b.ctx) })
		go b.tick(b.cfg.CleanupInterval, b.SweepStale)
	})
}

func (b *Broker) tick(every time.Duration, fn func()) {
	defer b.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Drain stops accepting connections, ends every recording with a final
// flush and closes all sessions.
func (b *Broker) Drain() error {
	b.drainOnce.Do(func() {
		b.draining.Store(true)
		b.logger.Info("broker_draining")

		b.mu.Lock()
		sessions := make([]*session, 0, len(b.sessions))
		for _, s := range b.sessions {
			sessions = append(sessions, s)
		}
		b.mu.Unlock()

		ctx := context.Background()
		for _, s := range sessions {
			b.stopRecording(ctx, s, "shutdown", true)
		}
		b.FlushPending(ctx)
		for _, s := range sessions {
			s.shutdown("server shutting down")
		}
		b.cancel()
		b.wg.Wait()
		if b.server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = b.server.Shutdown(shutdownCtx)
			cancel()
		}
	})
	return nil
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	role, ok := clients.ParseRole(r.URL.Query().Get("role"))
	if !ok {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	operatorID := strings.TrimSpace(r.URL.Query().Get("operator_id"))

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(b.cfg.ReadLimitBytes)

	s := newSession(conn, b.cfg.SendBuffer)
	s.role = role
	s.operatorID = operatorID
	go s.loop()

	client := b.registry.Register(s, role, operatorID, map[string]string{"remote_addr": r.RemoteAddr})
	s.id = client.ID
	b.attach(s)
	_ = s.Send(protocol.Connected(client.ID))

	defer b.detach(s)
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.registry.Touch(s.id)
		switch kind {
		case websocket.BinaryMessage:
			b.routeAudio(s, msg)
		case websocket.TextMessage:
			b.handleText(s, msg)
		}
	}
}

func (b *Broker) attach(s *session) {
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()
}

// detach tears down everything a closed connection owned. A recording in
// progress is ended without releasing the slot so the group sees it as
// orphaned. A session whose window moved to a newer socket leaves the window
// registered and the slot with the window.
func (b *Broker) detach(s *session) {
	ctx := context.Background()
	operatorID, windowID := s.identity()

	b.mu.Lock()
	replaced := windowID != "" && b.byWindow[windowID] != s
	b.mu.Unlock()

	reason := "disconnected"
	if replaced {
		reason = "replaced"
	}
	b.stopRecording(ctx, s, reason, false)
	b.flushSession(ctx, s)

	if windowID != "" {
		b.coordinator.ReleaseWindow(windowID, s)
	}

	b.mu.Lock()
	delete(b.sessions, s.id)
	if windowID != "" && b.byWindow[windowID] == s {
		delete(b.byWindow, windowID)
	}
	if operatorID != "" && b.audioBound[operatorID] == s.id {
		delete(b.audioBound, operatorID)
	}
	b.mu.Unlock()

	b.registry.Unregister(s.id)
	_ = s.close()
}

// SweepStale removes windows that stopped pinging and closes their sockets.
func (b *Broker) SweepStale() {
	removed := b.coordinator.CleanupStaleWindows(b.cfg.StaleAfter)
	for _, windowID := range removed {
		b.mu.Lock()
		s := b.byWindow[windowID]
		b.mu.Unlock()
		if s == nil {
			continue
		}
		b.logger.Warn("stale_window_closed", slog.String("window_id", windowID))
		_ = s.close()
	}
}

func (b *Broker) sessionForWindow(windowID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byWindow[windowID]
}

// QueueStatusChanged relays storage health to status feed subscribers.
func (b *Broker) QueueStatusChanged(_, to offlinequeue.Status) {
	b.registry.Broadcast(protocol.FeedStatus(FeedIDStorage, string(to)), clients.Filter{Feed: clients.FeedStatus})
}

// HealthReport is served as JSON on /health.
type HealthReport struct {
	Status     string                              `json:"status"`
	Clients    int                                 `json:"clients"`
	ByRole     map[clients.Role]int                `json:"by_role"`
	Groups     int                                 `json:"groups"`
	Windows    int                                 `json:"windows"`
	Recordings int                                 `json:"recordings"`
	Queue      *offlinequeue.Stats                 `json:"queue,omitempty"`
	Upstreams  map[string]upstream.ConnectionStats `json:"upstreams,omitempty"`
	Events     map[string]int64                    `json:"events,omitempty"`
}

// Health builds the report served on /health.
func (b *Broker) Health() HealthReport {
	groups, windows := b.coordinator.Counts()
	report := HealthReport{
		Status:    "ok",
		Clients:   b.registry.Count(),
		ByRole:    b.registry.CountByRole(),
		Groups:    groups,
		Windows:   windows,
		Upstreams: make(map[string]upstream.ConnectionStats),
	}
	if b.queue != nil {
		stats := b.queue.Stats()
		report.Queue = &stats
		if stats.Status != offlinequeue.StatusOnline || stats.PersistFailed {
			report.Status = "degraded"
		}
	}

	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		runID, rec := s.recording()
		if rec == nil {
			continue
		}
		report.Recordings++
		stats := rec.Stats()
		report.Upstreams[runID] = stats
		if stats.State == upstream.StateFailed {
			report.Status = "degraded"
		}
	}
	if b.eventCounts != nil {
		report.Events = b.eventCounts()
	}
	if b.draining.Load() {
		report.Status = "draining"
	}
	return report
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := b.Health()
	w.Header().Set("Content-Type", "application/json")
	if report.Status == "draining" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

func (b *Broker) checkOrigin(r *http.Request) bool {
	if b.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range b.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") || strings.HasPrefix(a, "chrome-extension://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
