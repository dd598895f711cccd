package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message 普通聊天消息。
type Message struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback 对用户上一条输入的评价。
type Feedback struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// InChatFeedback 出现在消息历史中的反馈条目，与 Message 不同。
type InChatFeedback struct {
	Feedback            Feedback  `json:"feedback"`
	Alternative         *string   `json:"alternative"`
	AlternativeFeedback *string   `json:"alternative_feedback"`
	CreatedAt           time.Time `json:"created_at"`
	Rating              *int      `json:"rating"`
}

// HasAlternative reports whether the feedback proposes a rewritten message.
func (f InChatFeedback) HasAlternative() bool {
	return f.Alternative != nil && *f.Alternative != ""
}

// Rated 表示该反馈是否已被评分。
func (f InChatFeedback) Rated() bool {
	return f.Rating != nil
}

// Entry is one item of a conversation history: Message or InChatFeedback.
type Entry interface {
	Timestamp() time.Time
	isEntry()
}

func (m Message) Timestamp() time.Time        { return m.CreatedAt }
func (f InChatFeedback) Timestamp() time.Time { return f.CreatedAt }

func (Message) isEntry()        {}
func (InChatFeedback) isEntry() {}

// History 有序的消息历史。条目按位置寻址，位置在重新渲染之间保持稳定。
type History []Entry

// Clone 返回浅拷贝，修改返回值不会影响原切片。
func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Append returns a new history with entries appended; h itself is not modified.
func (h History) Append(entries ...Entry) History {
	out := make(History, 0, len(h)+len(entries))
	out = append(out, h...)
	return append(out, entries...)
}

// FeedbackAt 返回指定位置的反馈条目。
func (h History) FeedbackAt(index int) (InChatFeedback, bool) {
	if index < 0 || index >= len(h) {
		return InChatFeedback{}, false
	}
	fb, ok := h[index].(InChatFeedback)
	return fb, ok
}

// Ordered reports whether created_at never decreases along the history.
func (h History) Ordered() bool {
	for i := 1; i < len(h); i++ {
		if h[i].Timestamp().Before(h[i-1].Timestamp()) {
			return false
		}
	}
	return true
}

// MarshalJSON 总是输出数组，空历史输出 []。
func (h History) MarshalJSON() ([]byte, error) {
	if len(h) == 0 {
		return []byte("[]"), nil
	}

	items := make([]any, len(h))
	for i, entry := range h {
		items[i] = entry
	}
	return json.Marshal(items)
}

// UnmarshalJSON 根据是否存在 feedback 字段区分 Message 与 InChatFeedback。
func (h *History) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}

	out := make(History, 0, len(raws))
	for i, raw := range raws {
		entry, err := decodeEntry(raw)
		if err != nil {
			return fmt.Errorf("decode history entry %d: %w", i, err)
		}
		out = append(out, entry)
	}

	*h = out
	return nil
}

func decodeEntry(raw json.RawMessage) (Entry, error) {
	var probe struct {
		Feedback json.RawMessage `json:"feedback"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	if len(probe.Feedback) > 0 && !bytes.Equal(probe.Feedback, []byte("null")) {
		var fb InChatFeedback
		if err := json.Unmarshal(raw, &fb); err != nil {
			return nil, err
		}
		return fb, nil
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
