package onebot

import (
	"testing"
)

func TestDecodeFrame_Response(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"echo":7,"status":"ok","data":{"message_id":12}}`))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Response == nil {
		t.Fatal("expected a response frame")
	}
	if frame.Response.Echo != 7 {
		t.Errorf("got echo %d, want 7", frame.Response.Echo)
	}
	if !frame.Response.OK() {
		t.Error("response should be ok")
	}
}

func TestDecodeFrame_FailedResponse(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"echo":3,"status":"failed","msg":"no such group"}`))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Response == nil {
		t.Fatal("expected a response frame")
	}
	if frame.Response.OK() {
		t.Error("response should not be ok")
	}
	if frame.Response.Msg != "no such group" {
		t.Errorf("got msg %q", frame.Response.Msg)
	}
}

func TestDecodeFrame_Message(t *testing.T) {
	raw := `{"post_type":"message","message_type":"group","group_id":1,"user_id":2,"message":"#ping","time":1700000000,"message_id":99}`
	frame, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Message == nil {
		t.Fatal("expected a message frame")
	}
	msg := frame.Message
	if msg.GroupID != 1 || msg.UserID != 2 || msg.MessageID != 99 {
		t.Errorf("unexpected ids: %+v", msg)
	}
	if msg.Payload == nil {
		t.Error("raw payload should be retained")
	}
}

func TestDecodeFrame_LifecycleConnect(t *testing.T) {
	raw := `{"post_type":"meta_event","meta_event_type":"lifecycle","sub_type":"connect","self_id":10001,"time":1700000000}`
	frame, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Event == nil {
		t.Fatal("expected an event frame")
	}
	if !frame.Event.IsLifecycleConnect() {
		t.Error("should classify as lifecycle connect")
	}
	if frame.Event.SelfID != 10001 {
		t.Errorf("got self_id %d", frame.Event.SelfID)
	}
}

func TestDecodeFrame_GenericEvent(t *testing.T) {
	raw := `{"post_type":"notice","notice_type":"group_increase","group_id":1}`
	frame, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Event == nil {
		t.Fatal("expected an event frame")
	}
	if frame.Event.IsLifecycleConnect() {
		t.Error("notice must not classify as lifecycle")
	}
	if frame.Event.Payload["notice_type"] != "group_increase" {
		t.Errorf("payload not retained: %v", frame.Event.Payload)
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{not json`)); err == nil {
		t.Fatal("malformed frame should error")
	}
}

// Frames without a correlation id are always events, even if they look
// response-ish otherwise.
func TestDecodeFrame_NoEchoIsEvent(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"status":"ok","data":null}`))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Response != nil {
		t.Error("frame without echo must not be a response")
	}
	if frame.Event == nil {
		t.Error("frame without echo should fall through to event")
	}
}
