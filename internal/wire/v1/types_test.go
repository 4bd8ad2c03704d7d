package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "valid message send", env: Envelope{V: Version, Type: TypeMessageSend}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message:edit"}, wantErr: true},
		{name: "whitespace type", env: Envelope{V: Version, Type: "   "}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestKnownTypeCoversAllConstants(t *testing.T) {
	t.Parallel()

	all := []string{
		TypeHello, TypeHelloAck,
		TypeRoomJoin, TypeRoomJoined, TypeRoomLeave,
		TypeMessageSend, TypeMessageNew, TypeMessageNotification,
		TypeTypingStart, TypeTypingStop,
		TypeReadMark, TypeReadAck,
		TypePresenceOnline, TypePresenceOffline,
		TypeError,
	}
	for _, kind := range all {
		if !KnownType(kind) {
			t.Fatalf("KnownType(%q) = false", kind)
		}
	}
	if KnownType("room:destroy") {
		t.Fatalf("KnownType accepted an unknown kind")
	}
}

func TestEnvelopeRoundTripKeepsRawPayload(t *testing.T) {
	t.Parallel()

	in := Envelope{
		V:       Version,
		Type:    TypeMessageNew,
		ID:      "01J",
		TS:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload: json.RawMessage(`{"room_id":"c1","message":{"id":"m1"}}`),
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Envelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != in.Type || out.ID != in.ID || !out.TS.Equal(in.TS) {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	var p MessageNewPayload
	if err := json.Unmarshal(out.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.RoomID != "c1" || p.Message.ID != "m1" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}
