package protocol

import (
	"encoding/json"

	"github.com/harunnryd/scribehub/pkg/errorsx"
)

// Outbound message types.
const (
	TypeConnected         Type = "connected"
	TypeHelloAck          Type = "hello_ack"
	TypeAudioBound        Type = "audio_bound"
	TypeRecordingStarted  Type = "recording_started"
	TypeRecordingStopped  Type = "recording_stopped"
	TypeTranscript        Type = "transcript"
	TypeChunk             Type = "chunk"
	TypeFeedStatus        Type = "feed_status"
	TypeLeaderChanged     Type = "leader_changed"
	TypeRecordingConflict Type = "recording:conflict"
	TypeRecordingOrphaned Type = "recording_orphaned"
	TypeFieldsDetected    Type = "fields_detected"
	TypeError             Type = "error"
	TypePong              Type = "pong"
)

type ConnectedMsg struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId"`
}

type HelloAckMsg struct {
	Type     Type   `json:"type"`
	WindowID string `json:"windowId"`
	IsLeader bool   `json:"isLeader"`
	LeaderID string `json:"leaderId"`
}

type AudioBoundMsg struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId"`
	Forced   bool   `json:"forced"`
}

type RecordingStartedMsg struct {
	Type     Type   `json:"type"`
	WindowID string `json:"windowId"`
	RunID    string `json:"runId"`
}

type RecordingStoppedMsg struct {
	Type     Type   `json:"type"`
	WindowID string `json:"windowId"`
	Reason   string `json:"reason,omitempty"`
}

type TranscriptMsg struct {
	Type    Type   `json:"type"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
	IsFinal bool   `json:"isFinal"`
}

type ChunkMsg struct {
	Type    Type   `json:"type"`
	RunID   string `json:"runId"`
	Seq     int    `json:"seq"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

type FeedStatusMsg struct {
	Type   Type   `json:"type"`
	FeedID string `json:"feedId"`
	Status string `json:"status"`
}

type LeaderChangedMsg struct {
	Type       Type   `json:"type"`
	OperatorID string `json:"operatorId"`
	LeaderID   string `json:"leaderId"`
	PreviousID string `json:"previousId,omitempty"`
}

type RecordingConflictMsg struct {
	Type               Type   `json:"type"`
	RequestingWindowID string `json:"requestingWindowId"`
	ActiveWindowID     string `json:"activeWindowId"`
}

type RecordingOrphanedMsg struct {
	Type     Type   `json:"type"`
	WindowID string `json:"windowId"`
}

type PayloadMsg struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CommandMsg struct {
	Type    Type            `json:"type"`
	Action  CommandAction   `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorMsg struct {
	Type        Type   `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type PongMsg struct {
	Type Type `json:"type"`
}

// Encode marshals an outbound message. The message types above contain only
// strings, bools, ints and raw JSON, so a failure means corrupt raw payload.
func Encode(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		data, _ = json.Marshal(ErrorMsg{Type: TypeError, Code: string(errorsx.ReasonMalformedMessage), Message: "encode failed", Recoverable: true})
	}
	return data
}

func Connected(clientID string) []byte {
	return Encode(ConnectedMsg{Type: TypeConnected, ClientID: clientID})
}

func HelloAck(windowID string, isLeader bool, leaderID string) []byte {
	return Encode(HelloAckMsg{Type: TypeHelloAck, WindowID: windowID, IsLeader: isLeader, LeaderID: leaderID})
}

func AudioBound(clientID string, forced bool) []byte {
	return Encode(AudioBoundMsg{Type: TypeAudioBound, ClientID: clientID, Forced: forced})
}

func RecordingStarted(windowID, runID string) []byte {
	return Encode(RecordingStartedMsg{Type: TypeRecordingStarted, WindowID: windowID, RunID: runID})
}

func RecordingStopped(windowID, reason string) []byte {
	return Encode(RecordingStoppedMsg{Type: TypeRecordingStopped, WindowID: windowID, Reason: reason})
}

func Transcript(text, speaker string, isFinal bool) []byte {
	return Encode(TranscriptMsg{Type: TypeTranscript, Text: text, Speaker: speaker, IsFinal: isFinal})
}

func Chunk(runID string, seq int, text, speaker string) []byte {
	return Encode(ChunkMsg{Type: TypeChunk, RunID: runID, Seq: seq, Text: text, Speaker: speaker})
}

func FeedStatus(feedID, status string) []byte {
	return Encode(FeedStatusMsg{Type: TypeFeedStatus, FeedID: feedID, Status: status})
}

func LeaderChanged(operatorID, leaderID, previousID string) []byte {
	return Encode(LeaderChangedMsg{Type: TypeLeaderChanged, OperatorID: operatorID, LeaderID: leaderID, PreviousID: previousID})
}

func RecordingConflict(requestingWindowID, activeWindowID string) []byte {
	return Encode(RecordingConflictMsg{Type: TypeRecordingConflict, RequestingWindowID: requestingWindowID, ActiveWindowID: activeWindowID})
}

func RecordingOrphaned(windowID string) []byte {
	return Encode(RecordingOrphanedMsg{Type: TypeRecordingOrphaned, WindowID: windowID})
}

func FieldsDetected(payload json.RawMessage) []byte {
	return Encode(PayloadMsg{Type: TypeFieldsDetected, Payload: payload})
}

func FillResultOut(payload json.RawMessage) []byte {
	return Encode(PayloadMsg{Type: TypeFillResult, Payload: payload})
}

func CommandOut(action CommandAction, payload json.RawMessage) []byte {
	return Encode(CommandMsg{Type: TypeCommand, Action: action, Payload: payload})
}

func Pong() []byte {
	return Encode(PongMsg{Type: TypePong})
}

// Error builds an error frame. The code is the reason carried by err.
func Error(err error) []byte {
	reason := errorsx.Reason(err)
	return Encode(ErrorMsg{
		Type:        TypeError,
		Code:        string(reason),
		Message:     errorsx.Message(err),
		Recoverable: errorsx.Recoverable(reason),
	})
}
