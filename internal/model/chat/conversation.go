package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// ZeroID 客户端发出 create-chat 后、服务端分配 id 之前使用的占位 id。
const ZeroID = "000000000000000000000000"

// IsProvisional reports whether id is the client-side placeholder.
func IsProvisional(id string) bool {
	return id == ZeroID
}

// FeedbackMode 决定反馈在何时生成，以及有问题的建议能否直接发送。
type FeedbackMode string

const (
	// FeedbackOnSuggestion 选中建议时即给出反馈，带 problem 的建议会被拦截。
	FeedbackOnSuggestion FeedbackMode = "on-suggestion"
	// FeedbackOnSubmit 发送之后才给出反馈。
	FeedbackOnSubmit FeedbackMode = "on-submit"
)

// Options 会话级别的运行选项。
type Options struct {
	FeedbackMode         FeedbackMode `json:"feedback_mode"`
	SuggestionGeneration string       `json:"suggestion_generation,omitempty"`
	EnabledObjectives    []string     `json:"enabled_objectives,omitempty"`
	Gap                  bool         `json:"gap"`
}

// BlocksOnSuggestion reports whether problematic suggestions must be held back.
func (o Options) BlocksOnSuggestion() bool {
	return o.FeedbackMode == FeedbackOnSuggestion
}

// Header 两种会话形态共有的字段。
type Header struct {
	ID                    string       `json:"id"`
	Agent                 string       `json:"agent,omitempty"`
	LastUpdated           time.Time    `json:"last_updated"`
	Unread                bool         `json:"unread"`
	AgentTyping           bool         `json:"agent_typing"`
	LoadingFeedback       bool         `json:"loading_feedback"`
	CheckpointRate        bool         `json:"checkpoint_rate"`
	Introduction          string       `json:"introduction,omitempty"`
	IntroductionSeen      bool         `json:"introduction_seen"`
	GeneratingSuggestions int          `json:"generating_suggestions"`
	Suggestions           []Suggestion `json:"suggestions"`
	Options               Options      `json:"options"`
}

// Chat is either a ChatSummary (messages not loaded yet) or a ChatDetail.
type Chat interface {
	Head() Header
	WithHead(Header) Chat
	isChat()
}

// ChatSummary 尚未加载消息的会话。
type ChatSummary struct {
	Header
}

// ChatDetail 已加载的会话，Messages 可能为空但一定存在。
type ChatDetail struct {
	Header
	Messages History `json:"messages"`
}

func (c ChatSummary) Head() Header { return c.Header }
func (c ChatDetail) Head() Header  { return c.Header }

func (c ChatSummary) WithHead(h Header) Chat {
	c.Header = h
	return c
}

func (c ChatDetail) WithHead(h Header) Chat {
	c.Header = h
	return c
}

func (ChatSummary) isChat() {}
func (ChatDetail) isChat()  {}

// UpdateHead 对会话头部应用 fn，保持会话形态不变。
func UpdateHead(c Chat, fn func(*Header)) Chat {
	h := c.Head()
	h.Suggestions = CloneSuggestions(h.Suggestions)
	fn(&h)
	return c.WithHead(h)
}

// AsDetail returns the loaded form of c, if it is loaded.
func AsDetail(c Chat) (ChatDetail, bool) {
	d, ok := c.(ChatDetail)
	return d, ok
}

// Loaded reports whether messages are present.
func Loaded(c Chat) bool {
	_, ok := c.(ChatDetail)
	return ok
}

// DecodeChat 根据 messages 键是否存在选择会话形态。
func DecodeChat(data []byte) (Chat, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	if _, ok := probe["messages"]; ok {
		var detail ChatDetail
		if err := json.Unmarshal(data, &detail); err != nil {
			return nil, fmt.Errorf("decode conversation detail: %w", err)
		}
		if detail.Messages == nil {
			detail.Messages = History{}
		}
		return detail, nil
	}

	var summary ChatSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("decode conversation summary: %w", err)
	}
	return summary, nil
}

// List 可直接作为 JSON 字段解码的会话列表。
type List []Chat

func (l *List) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decode conversations: %w", err)
	}

	out := make(List, 0, len(raws))
	for _, raw := range raws {
		c, err := DecodeChat(raw)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

// Envelope wraps a single Chat so it can sit in a decoded struct.
type Envelope struct {
	Chat Chat
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	c, err := DecodeChat(data)
	if err != nil {
		return err
	}
	e.Chat = c
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Chat)
}
