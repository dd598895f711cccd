package chat

import (
	"encoding/json"
	"strings"
)

// Suggestion 系统提供的候选回复。
type Suggestion struct {
	Message   string    `json:"message"`
	Objective *string   `json:"objective,omitempty"`
	Feedback  *Feedback `json:"feedback,omitempty"`
	// Problem 非空表示"这个选择需要改进"。
	Problem *string `json:"problem,omitempty"`
	// NeedsImprovement is the older boolean form of Problem.
	NeedsImprovement bool `json:"needs_improvement,omitempty"`
}

// HasProblem reports whether the suggestion is marked as needing improvement.
func (s Suggestion) HasProblem() bool {
	if s.Problem != nil && strings.TrimSpace(*s.Problem) != "" {
		return true
	}
	return s.NeedsImprovement
}

// UnmarshalJSON 兼容服务端直接推送字符串列表的情况。
func (s *Suggestion) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = Suggestion{Message: text}
		return nil
	}

	type plain Suggestion
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*s = Suggestion(decoded)
	return nil
}

// CloneSuggestions copies the slice, preserving nil.
func CloneSuggestions(list []Suggestion) []Suggestion {
	if list == nil {
		return nil
	}
	out := make([]Suggestion, len(list))
	copy(out, list)
	return out
}
