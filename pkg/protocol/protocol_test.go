package protocol

import (
	"encoding/json"
	"testing"

	"github.com/harunnryd/scribehub/pkg/errorsx"
)

func TestParseInboundVariants(t *testing.T) {
	cases := []struct {
		raw  string
		want Type
	}{
		{`{"type":"hello","windowId":"w1","tabId":"t1","operatorId":"op","url":"https://ehr"}`, TypeHello},
		{`{"type":"start_recording"}`, TypeStartRecording},
		{`{"type":"stop_recording"}`, TypeStopRecording},
		{`{"type":"bind_audio"}`, TypeBindAudio},
		{`{"type":"force_bind"}`, TypeForceBind},
		{`{"type":"dom_map_result","payload":{"fields":[]}}`, TypeDOMMapResult},
		{`{"type":"fill_result","payload":{"ok":true}}`, TypeFillResult},
		{`{"type":"command","action":"undo"}`, TypeCommand},
		{`{"type":"subscribe","feeds":["alerts"],"topics":["vitals"]}`, TypeSubscribe},
		{`{"type":"unsubscribe","feeds":["alerts"]}`, TypeUnsubscribe},
		{`{"type":"ping"}`, TypePing},
	}
	for _, tc := range cases {
		msg, err := ParseInbound([]byte(tc.raw))
		if err != nil {
			t.Fatalf("parse %s: %v", tc.raw, err)
		}
		if msg.Type() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, msg.Type())
		}
	}
}

func TestParseHelloFields(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"hello","windowId":"w1","tabId":"t1","operatorId":"op","url":"u"}`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	hello, ok := msg.(Hello)
	if !ok {
		t.Fatalf("expected Hello, got %T", msg)
	}
	if hello.WindowID != "w1" || hello.OperatorID != "op" || hello.TabID != "t1" || hello.URL != "u" {
		t.Fatalf("unexpected hello: %+v", hello)
	}
}

func TestParseInboundErrors(t *testing.T) {
	cases := []struct {
		raw    string
		reason errorsx.ReasonCode
	}{
		{``, errorsx.ReasonMalformedMessage},
		{`{not json`, errorsx.ReasonMalformedMessage},
		{`{"windowId":"w"}`, errorsx.ReasonMalformedMessage},
		{`{"type":"hello","windowId":5}`, errorsx.ReasonMalformedMessage},
		{`{"type":"teleport"}`, errorsx.ReasonUnknownMessage},
		{`{"type":"command","action":"explode"}`, errorsx.ReasonUnknownCommand},
	}
	for _, tc := range cases {
		_, err := ParseInbound([]byte(tc.raw))
		if err == nil {
			t.Fatalf("expected error for %q", tc.raw)
		}
		if !errorsx.HasReason(err, tc.reason) {
			t.Fatalf("expected %s for %q, got %s", tc.reason, tc.raw, errorsx.Reason(err))
		}
	}
}

func TestOutboundShapes(t *testing.T) {
	var conflict map[string]any
	if err := json.Unmarshal(RecordingConflict("w2", "w1"), &conflict); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if conflict["type"] != "recording:conflict" || conflict["requestingWindowId"] != "w2" || conflict["activeWindowId"] != "w1" {
		t.Fatalf("unexpected conflict frame: %v", conflict)
	}

	var errFrame ErrorMsg
	if err := json.Unmarshal(Error(errorsx.New(errorsx.ReasonRecordingConflict, "busy")), &errFrame); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errFrame.Code != "recording_conflict" || errFrame.Recoverable {
		t.Fatalf("unexpected error frame: %+v", errFrame)
	}

	var status FeedStatusMsg
	_ = json.Unmarshal(FeedStatus("queue", "offline"), &status)
	if status.Type != TypeFeedStatus || status.FeedID != "queue" || status.Status != "offline" {
		t.Fatalf("unexpected feed status: %+v", status)
	}
}
