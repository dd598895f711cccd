package wire

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
)

// InboundType 服务端推送的事件类型
type InboundType string

const (
	// TypeFullSync 全量同步，重连后建立基准状态
	TypeFullSync InboundType = "full-sync"
	// TypeSingleSync 单个会话的完整快照
	TypeSingleSync InboundType = "single-sync"
	// TypeSuggestionsReady 建议生成完成
	TypeSuggestionsReady InboundType = "suggestions-ready"
)

// Inbound is one of FullSync, SingleSync or SuggestionsReady.
type Inbound interface {
	Type() InboundType
	isInbound()
}

// FullSync 替换整个会话存储。
type FullSync struct {
	Conversations chat.List `json:"conversations"`
}

// SingleSync 按 id 整体替换一个会话。
type SingleSync struct {
	Conversation chat.Envelope `json:"conversation"`
}

// SuggestionsReady 为会话附加建议列表。
type SuggestionsReady struct {
	ID          string            `json:"id"`
	Suggestions []chat.Suggestion `json:"suggestions"`
}

func (FullSync) Type() InboundType         { return TypeFullSync }
func (SingleSync) Type() InboundType       { return TypeSingleSync }
func (SuggestionsReady) Type() InboundType { return TypeSuggestionsReady }

func (FullSync) isInbound()         {}
func (SingleSync) isInbound()       {}
func (SuggestionsReady) isInbound() {}

// DecodeInbound 解析一帧服务端消息。未知类型返回 ProtocolViolation。
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type InboundType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch head.Type {
	case TypeFullSync:
		var ev FullSync
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return ev, nil
	case TypeSingleSync:
		var ev SingleSync
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		if ev.Conversation.Chat == nil {
			return nil, domain.Violationf("single-sync without conversation")
		}
		return ev, nil
	case TypeSuggestionsReady:
		var ev SuggestionsReady
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		if ev.ID == "" {
			return nil, domain.Violationf("suggestions-ready without id")
		}
		if ev.Suggestions == nil {
			ev.Suggestions = []chat.Suggestion{}
		}
		return ev, nil
	default:
		return nil, domain.Violationf("unknown envelope type %q", head.Type)
	}
}

// EncodeInbound 编码服务端事件，供测试服务器和本地桥接使用。
func EncodeInbound(ev Inbound) ([]byte, error) {
	return splice(string(ev.Type()), ev)
}
