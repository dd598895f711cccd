package progress

import (
	"math"
	"testing"

	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
)

const agent = "Sam"

func user(text string) chat.Entry  { return chat.Message{Sender: "Ana", Content: text} }
func reply(text string) chat.Entry { return chat.Message{Sender: agent, Content: text} }

func feedback(alternative string) chat.Entry {
	fb := chat.InChatFeedback{Feedback: chat.Feedback{Title: "t", Body: "b"}}
	if alternative != "" {
		fb.Alternative = &alternative
	}
	return fb
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestEstimate(t *testing.T) {
	eight := chat.History{}
	for i := 0; i < MilestoneTarget; i++ {
		eight = append(eight, user("hi"), reply("hey"), feedback(""))
	}

	cases := []struct {
		name    string
		entries chat.History
		gap     bool
		want    float64
	}{
		{name: "empty", entries: chat.History{}, want: 0},
		{name: "eight feedbacks", entries: eight, want: 1},
		{name: "alternative validated by next user message", entries: chat.History{feedback("try this"), user("try this")}, want: 1.0 / 8},
		{name: "alternative not yet validated", entries: chat.History{user("a"), feedback("try this"), reply("ok")}, want: 0},
		{name: "bonus after counted feedback", entries: chat.History{feedback(""), user("a"), reply("b"), user("c")}, want: 1.0/8 + 2*(1.0/4)/8},
		{name: "bonus capped", entries: chat.History{user("1"), user("2"), user("3"), user("4"), user("5"), user("6")}, want: 1.0 / 8},
		{name: "gap mode cap", entries: chat.History{user("1"), user("2"), user("3"), user("4"), user("5"), user("6")}, gap: true, want: 1.0 / 8},
		{name: "gap mode partial", entries: chat.History{user("1"), user("2")}, gap: true, want: 2 * (1.0 / 5) / 8},
		{name: "agent messages never count", entries: chat.History{reply("1"), reply("2")}, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Estimate(tc.entries, agent, tc.gap)
			if !almostEqual(got.Fraction, tc.want) {
				t.Fatalf("expected %v, got %v (%+v)", tc.want, got.Fraction, got)
			}
		})
	}
}

func TestEstimateClampsAndCompletes(t *testing.T) {
	entries := chat.History{}
	for i := 0; i < MilestoneTarget+3; i++ {
		entries = append(entries, feedback(""))
	}
	entries = append(entries, user("extra"))

	got := Estimate(entries, agent, false)
	if got.Fraction != 1 || !got.Complete() || got.Percent() != 100 {
		t.Fatalf("expected clamped completion, got %+v", got)
	}
	if got.Counted != MilestoneTarget+3 {
		t.Fatalf("expected %d counted, got %d", MilestoneTarget+3, got.Counted)
	}
}

func TestEstimateIsPure(t *testing.T) {
	entries := chat.History{feedback("alt"), user("a"), feedback(""), user("b")}
	first := Estimate(entries, agent, false)
	second := Estimate(entries, agent, false)
	if first != second {
		t.Fatalf("expected deterministic result, got %+v and %+v", first, second)
	}
	if first.Percent() != 28 {
		t.Fatalf("expected 28%%, got %d%%", first.Percent())
	}
}
