package verto

import (
	"encoding/json"
	"testing"
)

func TestInviteParamsRoundTrip(t *testing.T) {
	raw := []byte(`{
		"sdp": "v=0...",
		"sessid": "abc",
		"dialogParams": {
			"callID": "client-call-1",
			"destination_number": "e",
			"caller_id_name": "Alice"
		}
	}`)

	var p CallParams
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.DialogParams.CallID != "client-call-1" {
		t.Errorf("CallID = %q", p.DialogParams.CallID)
	}
	if p.DialogParams.DestinationNumber != "e" {
		t.Errorf("DestinationNumber = %q", p.DialogParams.DestinationNumber)
	}
	if p.SDP != "v=0..." {
		t.Errorf("SDP = %q", p.SDP)
	}
}

func TestResponseShapes(t *testing.T) {
	okResp := newResponse(7, map[string]any{"message": "logged in"})
	data, err := json.Marshal(okResp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v", m["jsonrpc"])
	}
	if _, hasErr := m["error"]; hasErr {
		t.Error("success response carries error")
	}

	fail := newError(8, 2130, "Verto login failed")
	data, _ = json.Marshal(fail)
	var e map[string]any
	_ = json.Unmarshal(data, &e)
	errObj, ok := e["error"].(map[string]any)
	if !ok {
		t.Fatalf("error object missing: %s", data)
	}
	if errObj["code"].(float64) != 2130 {
		t.Errorf("error code = %v", errObj["code"])
	}
}

func TestUnknownMethodDetection(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"verto.modify","params":{}}`)
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	switch req.Method {
	case MethodLogin, MethodInvite, MethodAnswer, MethodBye, MethodInfo:
		t.Errorf("method %q matched a known method", req.Method)
	}
}
