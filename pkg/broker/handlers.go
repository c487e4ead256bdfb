package broker

import (
	"log/slog"

	"github.com/harunnryd/scribehub/pkg/clients"
	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/protocol"
)

func (b *Broker) handleText(s *session, raw []byte) {
	msg, err := protocol.ParseInbound(raw)
	if err != nil {
		b.logger.Debug("protocol_error",
			slog.String("client_id", s.id),
			slog.String("reason", string(errorsx.Reason(err))))
		b.sendError(s, err)
		return
	}
	if _, windowID := s.identity(); windowID != "" {
		b.coordinator.PingWindow(windowID)
	}

	ctx := b.ctx
	switch m := msg.(type) {
	case protocol.Hello:
		b.handleHello(s, m)
	case protocol.StartRecording:
		b.startRecording(ctx, s)
	case protocol.StopRecording:
		b.stopRecording(ctx, s, "stopped", true)
	case protocol.BindAudio:
		b.bindAudio(s, false)
	case protocol.ForceBind:
		b.bindAudio(s, true)
	case protocol.DOMMapResult:
		b.relay(s, clients.FeedFields, protocol.FieldsDetected(m.Payload))
	case protocol.FillResult:
		b.relay(s, clients.FeedFields, protocol.FillResultOut(m.Payload))
	case protocol.Command:
		b.relay(s, clients.FeedCommands, protocol.CommandOut(m.Action, m.Payload))
	case protocol.Subscribe:
		for _, feed := range m.Feeds {
			b.registry.SubscribeFeed(s.id, feed)
		}
		for _, topic := range m.Topics {
			b.registry.SubscribeTopic(s.id, topic)
		}
	case protocol.Unsubscribe:
		for _, feed := range m.Feeds {
			b.registry.UnsubscribeFeed(s.id, feed)
		}
		for _, topic := range m.Topics {
			b.registry.UnsubscribeTopic(s.id, topic)
		}
	case protocol.Ping:
		_ = s.Send(protocol.Pong())
	}
}

func (b *Broker) handleHello(s *session, m protocol.Hello) {
	s.mu.Lock()
	current := s.operatorID
	previousWindow := s.windowID
	s.mu.Unlock()

	operatorID := m.OperatorID
	if operatorID == "" {
		operatorID = current
	}
	if current != "" && operatorID != current {
		b.sendError(s, errorsx.New(errorsx.ReasonOperatorMismatch, "hello operator does not match connection operator"))
		return
	}
	if previousWindow != "" && previousWindow != m.WindowID {
		b.sendError(s, errorsx.New(errorsx.ReasonOperatorMismatch, "connection already bound to another window"))
		return
	}

	w, err := b.coordinator.RegisterWindow(m.WindowID, m.TabID, s, operatorID, m.URL)
	if err != nil {
		b.sendError(s, err)
		return
	}

	s.mu.Lock()
	s.operatorID = operatorID
	s.windowID = w.WindowID
	s.mu.Unlock()
	if current == "" {
		b.registry.SetOperator(s.id, operatorID)
	}

	b.mu.Lock()
	if old := b.byWindow[w.WindowID]; old != nil && old != s {
		// the window reconnected on a new socket
		defer old.close()
	}
	b.byWindow[w.WindowID] = s
	b.mu.Unlock()

	leaderID := ""
	if g, ok := b.coordinator.Group(operatorID); ok {
		leaderID = g.LeaderID
	}
	_ = s.Send(protocol.HelloAck(w.WindowID, w.IsLeader, leaderID))
	b.logger.Info("hello",
		slog.String("client_id", s.id),
		slog.String("window_id", w.WindowID),
		slog.String("operator_id", operatorID),
		slog.Bool("is_leader", w.IsLeader))
}

// bindAudio makes s the audio source for its operator's recording. A plain
// bind fails while another client holds the binding; force_bind takes it.
func (b *Broker) bindAudio(s *session, force bool) {
	operatorID, _ := s.identity()
	if operatorID == "" {
		b.sendError(s, errorsx.New(errorsx.ReasonNotRegistered, "send hello before binding audio"))
		return
	}
	b.mu.Lock()
	holder := b.audioBound[operatorID]
	if holder != "" && holder != s.id && !force {
		b.mu.Unlock()
		b.sendError(s, errorsx.New(errorsx.ReasonAudioBound, "audio is bound to another client"))
		return
	}
	b.audioBound[operatorID] = s.id
	var previous *session
	if holder != "" && holder != s.id {
		previous = b.sessions[holder]
	}
	b.mu.Unlock()

	msg := protocol.AudioBound(s.id, force)
	_ = s.Send(msg)
	if previous != nil {
		_ = previous.Send(msg)
	}
	b.logger.Info("audio_bound",
		slog.String("client_id", s.id),
		slog.String("operator_id", operatorID),
		slog.Bool("forced", force))
}

// routeAudio forwards a binary frame to the recording owned by s, or to the
// operator's recording when s holds the audio binding. Anything else is
// dropped.
func (b *Broker) routeAudio(s *session, frame []byte) {
	if rec := s.reconnector(); rec != nil {
		rec.SendAudio(frame)
		return
	}
	operatorID, _ := s.identity()
	if operatorID == "" {
		return
	}
	b.mu.Lock()
	bound := b.audioBound[operatorID] == s.id
	b.mu.Unlock()
	if !bound {
		return
	}
	windowID, ok := b.coordinator.RecordingWindow(operatorID)
	if !ok {
		return
	}
	target := b.sessionForWindow(windowID)
	if target == nil {
		return
	}
	if rec := target.reconnector(); rec != nil {
		rec.SendAudio(frame)
	}
}

// relay forwards a collaborator event to the operator's other clients on feed.
func (b *Broker) relay(s *session, feed string, msg []byte) {
	operatorID, _ := s.identity()
	if operatorID == "" {
		b.sendError(s, errorsx.New(errorsx.ReasonNotRegistered, "send hello first"))
		return
	}
	b.registry.Broadcast(msg, clients.Filter{Feed: feed, OperatorID: operatorID, Exclude: s.id})
}

func (b *Broker) sendError(s *session, err error) {
	_ = s.Send(protocol.Error(err))
}
