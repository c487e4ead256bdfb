package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/scribehub/pkg/errorsx"
)

// Type is the "type" discriminator carried by every text frame.
type Type string

const (
	TypeHello          Type = "hello"
	TypeStartRecording Type = "start_recording"
	TypeStopRecording  Type = "stop_recording"
	TypeBindAudio      Type = "bind_audio"
	TypeForceBind      Type = "force_bind"
	TypeDOMMapResult   Type = "dom_map_result"
	TypeFillResult     Type = "fill_result"
	TypeCommand        Type = "command"
	TypeSubscribe      Type = "subscribe"
	TypeUnsubscribe    Type = "unsubscribe"
	TypePing           Type = "ping"
)

// CommandAction names a voice or UI command.
type CommandAction string

const (
	ActionMap     CommandAction = "map"
	ActionFill    CommandAction = "fill"
	ActionUndo    CommandAction = "undo"
	ActionSend    CommandAction = "send"
	ActionDictate CommandAction = "dictate"
)

func (a CommandAction) Valid() bool {
	switch a {
	case ActionMap, ActionFill, ActionUndo, ActionSend, ActionDictate:
		return true
	}
	return false
}

// Inbound is the closed set of client messages.
type Inbound interface {
	Type() Type
	inbound()
}

type Hello struct {
	WindowID   string `json:"windowId"`
	TabID      string `json:"tabId"`
	OperatorID string `json:"operatorId"`
	URL        string `json:"url"`
}

type StartRecording struct{}
type StopRecording struct{}
type BindAudio struct{}
type ForceBind struct{}

type DOMMapResult struct {
	Payload json.RawMessage `json:"payload"`
}

type FillResult struct {
	Payload json.RawMessage `json:"payload"`
}

type Command struct {
	Action  CommandAction   `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Subscribe struct {
	Feeds  []string `json:"feeds"`
	Topics []string `json:"topics"`
}

type Unsubscribe struct {
	Feeds  []string `json:"feeds"`
	Topics []string `json:"topics"`
}

type Ping struct{}

func (Hello) Type() Type          { return TypeHello }
func (StartRecording) Type() Type { return TypeStartRecording }
func (StopRecording) Type() Type  { return TypeStopRecording }
func (BindAudio) Type() Type      { return TypeBindAudio }
func (ForceBind) Type() Type      { return TypeForceBind }
func (DOMMapResult) Type() Type   { return TypeDOMMapResult }
func (FillResult) Type() Type     { return TypeFillResult }
func (Command) Type() Type        { return TypeCommand }
func (Subscribe) Type() Type      { return TypeSubscribe }
func (Unsubscribe) Type() Type    { return TypeUnsubscribe }
func (Ping) Type() Type           { return TypePing }

func (Hello) inbound()          {}
func (StartRecording) inbound() {}
func (StopRecording) inbound()  {}
func (BindAudio) inbound()      {}
func (ForceBind) inbound()      {}
func (DOMMapResult) inbound()   {}
func (FillResult) inbound()     {}
func (Command) inbound()        {}
func (Subscribe) inbound()      {}
func (Unsubscribe) inbound()    {}
func (Ping) inbound()           {}

type envelope struct {
	Type Type `json:"type"`
}

// ParseInbound decodes one text frame. Errors carry the malformed_message,
// unknown_message or unknown_command reason.
func ParseInbound(data []byte) (Inbound, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errorsx.New(errorsx.ReasonMalformedMessage, "empty message")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode envelope: %w", err), errorsx.ReasonMalformedMessage)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, errorsx.New(errorsx.ReasonMalformedMessage, "missing message type")
	}

	switch env.Type {
	case TypeHello:
		return decode[Hello](data)
	case TypeStartRecording:
		return StartRecording{}, nil
	case TypeStopRecording:
		return StopRecording{}, nil
	case TypeBindAudio:
		return BindAudio{}, nil
	case TypeForceBind:
		return ForceBind{}, nil
	case TypePing:
		return Ping{}, nil
	case TypeDOMMapResult:
		return decode[DOMMapResult](data)
	case TypeFillResult:
		return decode[FillResult](data)
	case TypeSubscribe:
		return decode[Subscribe](data)
	case TypeUnsubscribe:
		return decode[Unsubscribe](data)
	case TypeCommand:
		cmd, err := decode[Command](data)
		if err != nil {
			return nil, err
		}
		if !cmd.Action.Valid() {
			return nil, errorsx.Newf(errorsx.ReasonUnknownCommand, "unknown command action %q", cmd.Action)
		}
		return cmd, nil
	default:
		return nil, errorsx.Newf(errorsx.ReasonUnknownMessage, "unknown message type %q", env.Type)
	}
}

func decode[T Inbound](data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errorsx.Wrap(fmt.Errorf("decode %s: %w", msg.Type(), err), errorsx.ReasonMalformedMessage)
	}
	return msg, nil
}
