package wire_test

import (
	"encoding/json"
	"testing"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/model/wire"
)

func TestDecodeInboundKinds(t *testing.T) {
	full, err := wire.DecodeInbound([]byte(`{"type":"full-sync","conversations":[{"id":"a"},{"id":"b","messages":[]}]}`))
	if err != nil {
		t.Fatalf("full-sync err: %v", err)
	}
	fs, ok := full.(wire.FullSync)
	if !ok || len(fs.Conversations) != 2 {
		t.Fatalf("unexpected full-sync: %#v", full)
	}
	if chat.Loaded(fs.Conversations[0]) || !chat.Loaded(fs.Conversations[1]) {
		t.Fatal("conversation variants decoded incorrectly")
	}

	single, err := wire.DecodeInbound([]byte(`{"type":"single-sync","conversation":{"id":"a","agent":"Sam","messages":[]}}`))
	if err != nil {
		t.Fatalf("single-sync err: %v", err)
	}
	if ss := single.(wire.SingleSync); ss.Conversation.Chat.Head().Agent != "Sam" {
		t.Fatalf("unexpected single-sync: %#v", ss)
	}

	ready, err := wire.DecodeInbound([]byte(`{"type":"suggestions-ready","id":"a","suggestions":["x","y"]}`))
	if err != nil {
		t.Fatalf("suggestions-ready err: %v", err)
	}
	if sr := ready.(wire.SuggestionsReady); len(sr.Suggestions) != 2 || sr.Suggestions[1].Message != "y" {
		t.Fatalf("unexpected suggestions-ready: %#v", sr)
	}
}

func TestDecodeInboundUnknownType(t *testing.T) {
	_, err := wire.DecodeInbound([]byte(`{"type":"weather"}`))
	if !domain.IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestEncodeOperationSplicesType(t *testing.T) {
	data, err := wire.EncodeOperation(wire.SendMessage{ID: "abc", Index: 2})
	if err != nil {
		t.Fatalf("EncodeOperation err: %v", err)
	}
	if string(data) != `{"type":"send-message","id":"abc","index":2}` {
		t.Fatalf("unexpected frame: %s", data)
	}

	data, err = wire.EncodeOperation(wire.CreateChat{})
	if err != nil {
		t.Fatalf("EncodeOperation create err: %v", err)
	}
	if string(data) != `{"type":"create-chat"}` {
		t.Fatalf("unexpected create frame: %s", data)
	}

	op, err := wire.DecodeOperation([]byte(`{"type":"rate-feedback","id":"abc","index":3,"rating":4}`))
	if err != nil {
		t.Fatalf("DecodeOperation err: %v", err)
	}
	if rf := op.(wire.RateFeedback); rf.Index != 3 || rf.Rating != 4 {
		t.Fatalf("unexpected decoded op: %#v", rf)
	}
}

func TestOperationValidation(t *testing.T) {
	cases := []struct {
		name  string
		op    wire.Operation
		valid bool
	}{
		{"send ok", wire.SendMessage{ID: "a", Index: 0}, true},
		{"send negative index", wire.SendMessage{ID: "a", Index: -1}, false},
		{"send provisional id", wire.SendMessage{ID: chat.ZeroID}, false},
		{"load missing id", wire.LoadChat{}, false},
		{"rating low", wire.RateFeedback{ID: "a", Index: 1, Rating: 0}, false},
		{"rating high", wire.RateFeedback{ID: "a", Index: 1, Rating: 6}, false},
		{"rating ok", wire.RateFeedback{ID: "a", Index: 1, Rating: 5}, true},
		{"checkpoint ok", wire.CheckpointRating{ID: "a", Ratings: map[string]int{"helpful": 1, "realistic": 7}}, true},
		{"checkpoint one answer", wire.CheckpointRating{ID: "a", Ratings: map[string]int{"helpful": 3}}, false},
		{"checkpoint out of range", wire.CheckpointRating{ID: "a", Ratings: map[string]int{"helpful": 3, "realistic": 8}}, false},
		{"checkpoint zero", wire.CheckpointRating{ID: "a", Ratings: map[string]int{"helpful": 0, "realistic": 2}}, false},
	}

	for _, tc := range cases {
		err := tc.op.Validate()
		if tc.valid && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestEncodeInboundRoundTrip(t *testing.T) {
	frame, err := wire.EncodeInbound(wire.SuggestionsReady{ID: "a", Suggestions: []chat.Suggestion{{Message: "hi"}}})
	if err != nil {
		t.Fatalf("EncodeInbound err: %v", err)
	}

	var head map[string]any
	if err := json.Unmarshal(frame, &head); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if head["type"] != "suggestions-ready" {
		t.Fatalf("unexpected type field: %v", head["type"])
	}
}
