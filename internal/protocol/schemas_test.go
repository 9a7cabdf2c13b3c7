package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"flapboard.app/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		b, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	validate(compile("hello.schema.json"), protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ViewerName:      "lobby",
		MaxQueue:        64,
	})

	validate(compile("bootstrap.schema.json"), protocol.BootstrapMsg{
		Type:            protocol.TypeBootstrap,
		ProtocolVersion: protocol.Version,
		SessionID:       "V1",
		Tick:            12,
		TimeMS:          400,
		Board: protocol.BoardParams{
			NumRows:   2,
			StaggerMS: 1000,
			FadeMS:    60,
			Template: []protocol.GroupParams{
				{Field: "line", Kind: "image", Drum: "image", Width: 1, Tokens: []string{"1", "A"}},
				{Field: "stop", Kind: "text", Drum: "character", Width: 8},
				{Field: "status", Kind: "status", Width: 1, Keys: []string{"A", "B"}},
			},
		},
		Rows: []protocol.RowState{{Groups: []protocol.GroupState{
			{Field: "line", Kind: "image", Tokens: []string{"A"}, Classes: []string{"c-A"}},
			{Field: "stop", Kind: "text", Tokens: []string{"F", " "}, Classes: []string{"c-F", "sp"}},
			{Field: "status", Kind: "status", Active: "B"},
		}}},
	})

	validate(compile("frame.schema.json"), protocol.FrameMsg{
		Type:            protocol.TypeFrame,
		ProtocolVersion: protocol.Version,
		Tick:            13,
		TimeMS:          433,
		Changes: []protocol.SlotChange{
			{Row: 0, Group: 1, Slot: 3, Token: "Q", Class: "c-Q", Phase: "in"},
			{Row: 1, Group: 1, Slot: 0, Token: " ", Class: "sp", Phase: "steady"},
		},
		Status: []protocol.StatusChange{{Row: 0, Group: 2, Active: ""}},
	})

	validate(compile("signal.schema.json"), protocol.SignalMsg{
		Type:            protocol.TypeSignal,
		ProtocolVersion: protocol.Version,
		Tick:            99,
		Name:            protocol.SignalPassDone,
		Page:            1,
		Pages:           2,
	})
}

func TestSchemas_RejectUnknownSignal(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "signal.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"type":"SIGNAL","protocol_version":"1.0","tick":1,"name":"EXPLODE"}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected unknown signal name to fail validation")
	}
}
