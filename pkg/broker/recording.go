package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribehub/pkg/adapters/stt"
	"github.com/harunnryd/scribehub/pkg/clients"
	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/metrics"
	"github.com/harunnryd/scribehub/pkg/protocol"
	"github.com/harunnryd/scribehub/pkg/storage/sqlite"
	"github.com/harunnryd/scribehub/pkg/upstream"
)

// Run status values written to the runs table.
const (
	RunRecording   = "recording"
	RunComplete    = "complete"
	RunInterrupted = "interrupted"
)

func (b *Broker) startRecording(ctx context.Context, s *session) {
	operatorID, windowID := s.identity()
	if windowID == "" {
		b.sendError(s, errorsx.New(errorsx.ReasonNotRegistered, "send hello before recording"))
		return
	}
	if !b.coordinator.StartRecording(windowID) {
		// a conflict was already sent by the coordinator
		if _, ok := b.coordinator.Window(windowID); !ok {
			b.sendError(s, errorsx.New(errorsx.ReasonNotRegistered, "window is no longer registered, send hello again"))
		}
		return
	}
	if runID, rec := s.recording(); rec != nil {
		_ = s.Send(protocol.RecordingStarted(windowID, runID))
		return
	}
	if b.dialers == nil {
		b.coordinator.StopRecording(windowID, "unavailable")
		b.sendError(s, errorsx.New(errorsx.ReasonUpstreamConnect, "no transcription provider configured"))
		return
	}

	runID := uuid.NewString()
	dialer, err := b.dialers(runID)
	if err != nil {
		b.coordinator.StopRecording(windowID, "unavailable")
		b.sendError(s, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect))
		return
	}
	started := time.Now().UTC()
	b.write(ctx, s, false, sqlite.TableRuns, map[string]any{
		"id":          runID,
		"operator_id": operatorID,
		"window_id":   windowID,
		"status":      RunRecording,
		"started_at":  started.Format(time.RFC3339Nano),
	})

	cfg := b.cfg.Reconnect
	cfg.SessionID = runID
	rec := upstream.New(b.ctx, dialer, cfg, b.upstreamListener(s, runID, operatorID, dialer))

	s.mu.Lock()
	s.runID = runID
	s.rec = rec
	s.seq = 0
	s.mu.Unlock()

	go rec.Connect(b.ctx)

	_ = s.Send(protocol.RecordingStarted(windowID, runID))
	b.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventRecordingStarted,
		Time:  started,
		Value: 1,
		Tags: map[string]string{
			"operator_id": operatorID,
			"window_id":   windowID,
			"provider":    dialer.Name(),
		},
	})
	b.logger.Info("recording_started",
		slog.String("run_id", runID),
		slog.String("window_id", windowID),
		slog.String("operator_id", operatorID),
		slog.String("provider", dialer.Name()))
}

// stopRecording ends the session's recording, if any, and persists what it
// produced. release hands the group's recording slot back; a disconnecting
// window keeps it so the coordinator can report the recording as orphaned.
func (b *Broker) stopRecording(ctx context.Context, s *session, reason string, release bool) {
	s.mu.Lock()
	runID, rec, count := s.runID, s.rec, s.seq
	s.runID = ""
	s.rec = nil
	s.mu.Unlock()
	_, windowID := s.identity()

	if rec == nil {
		if release && windowID != "" {
			b.coordinator.StopRecording(windowID, reason)
		}
		return
	}
	rec.Disconnect()
	b.flushSession(ctx, s)

	status := RunInterrupted
	if reason == "stopped" {
		status = RunComplete
	}
	ended := time.Now().UTC()
	b.write(ctx, s, true, sqlite.TableRuns, map[string]any{
		"id":          runID,
		"status":      status,
		"ended_at":    ended.Format(time.RFC3339Nano),
		"chunk_count": count,
	})
	if release && windowID != "" {
		b.coordinator.StopRecording(windowID, reason)
	}

	b.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventRecordingStopped,
		Time:  ended,
		Value: float64(count),
		Tags: map[string]string{
			"window_id": windowID,
			"reason":    reason,
		},
	})
	b.logger.Info("recording_stopped",
		slog.String("run_id", runID),
		slog.String("window_id", windowID),
		slog.String("reason", reason),
		slog.Int("chunks", count))
}

func (b *Broker) upstreamListener(s *session, runID, operatorID string, dialer stt.Dialer) upstream.Listener {
	return upstream.ListenerFuncs{
		Transcript: func(t stt.Transcript) {
			b.registry.Broadcast(protocol.Transcript(t.Text, t.Speaker, t.IsFinal),
				clients.Filter{Feed: clients.FeedTranscript, OperatorID: operatorID})
			if !t.IsFinal || t.Text == "" {
				return
			}
			s.mu.Lock()
			if s.runID != runID {
				s.mu.Unlock()
				return
			}
			s.seq++
			c := chunk{
				ID:        uuid.NewString(),
				RunID:     runID,
				Seq:       s.seq,
				Text:      t.Text,
				Speaker:   t.Speaker,
				CreatedAt: time.Now().UTC(),
			}
			s.pending = append(s.pending, c)
			s.mu.Unlock()
			b.registry.Broadcast(protocol.Chunk(runID, c.Seq, c.Text, c.Speaker),
				clients.Filter{Feed: clients.FeedTranscript, OperatorID: operatorID})
		},
		StateChange: func(c upstream.StateChange) {
			b.registry.Broadcast(protocol.FeedStatus(FeedIDUpstream, string(c.To)),
				clients.Filter{Feed: clients.FeedStatus, OperatorID: operatorID})
			b.observer.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventUpstreamState,
				Time:  c.Timestamp,
				Value: 1,
				Tags: map[string]string{
					"run_id":   runID,
					"provider": dialer.Name(),
					"from":     string(c.From),
					"to":       string(c.To),
				},
			})
			if c.To == upstream.StateFailed {
				b.sendError(s, errorsx.New(errorsx.ReasonUpstreamFailed, "transcription service unavailable"))
			}
		},
		Error: func(err error) {
			b.logger.Warn("upstream_error",
				slog.String("run_id", runID),
				slog.String("reason", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			b.sendError(s, err)
		},
		BufferOverflow: func(o upstream.BufferOverflow) {
			b.observer.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventBufferOverflow,
				Time:  time.Now(),
				Value: 1,
				Tags:  map[string]string{"run_id": runID},
				Fields: map[string]any{
					"buffered":      o.Buffered,
					"total_dropped": o.TotalDropped,
				},
			})
		},
	}
}

// FlushPending writes buffered transcript chunks of every session.
func (b *Broker) FlushPending(ctx context.Context) {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		b.flushSession(ctx, s)
	}
}

// flushSession inserts the session's pending chunks in order. On the first
// rejected write the remainder is put back for the next flush.
func (b *Broker) flushSession(ctx context.Context, s *session) {
	if b.queue == nil {
		return
	}
	chunks := s.takePending()
	for i, c := range chunks {
		res, err := b.queue.Insert(ctx, sqlite.TableTranscriptChunks, c.payload())
		if res.Queued || err == nil {
			continue
		}
		b.logger.Warn("chunk_flush_failed",
			slog.String("run_id", c.RunID),
			slog.Int("seq", c.Seq),
			slog.Int("remaining", len(chunks)-i),
			slog.String("error", err.Error()))
		s.restorePending(chunks[i:])
		return
	}
}

// write sends a run record through the queue. Failures other than a lost
// snapshot write are reported to the session.
func (b *Broker) write(ctx context.Context, s *session, update bool, table string, payload map[string]any) {
	if b.queue == nil {
		return
	}
	var err error
	if update {
		_, err = b.queue.Update(ctx, table, payload)
	} else {
		_, err = b.queue.Insert(ctx, table, payload)
	}
	if err == nil {
		return
	}
	b.logger.Warn("run_write_failed",
		slog.String("table", table),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	if s.Open() && !errorsx.HasReason(err, errorsx.ReasonQueuePersist) {
		b.sendError(s, err)
	}
}
