package store

import (
	"time"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
)

// Chain 依次应用多个 reducer。
func Chain(reducers ...Reducer) Reducer {
	return func(c chat.Chat) (chat.Chat, error) {
		var err error
		for _, reduce := range reducers {
			if c, err = reduce(c); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
}

// Head 只修改会话头部。
func Head(fn func(*chat.Header)) Reducer {
	return func(c chat.Chat) (chat.Chat, error) {
		return chat.UpdateHead(c, fn), nil
	}
}

// Detail 只作用于已加载的会话，未加载时返回 ErrNotLoaded。
func Detail(fn func(chat.ChatDetail) (chat.ChatDetail, error)) Reducer {
	return func(c chat.Chat) (chat.Chat, error) {
		d, ok := chat.AsDetail(c)
		if !ok {
			return nil, domain.ErrNotLoaded
		}
		next, err := fn(d)
		if err != nil {
			return nil, err
		}
		return next, nil
	}
}

// AppendMessage 追加一条消息并更新 last_updated。
func AppendMessage(msg chat.Message) Reducer {
	return Detail(func(d chat.ChatDetail) (chat.ChatDetail, error) {
		if n := len(d.Messages); n > 0 && msg.CreatedAt.Before(d.Messages[n-1].Timestamp()) {
			// 本地时钟落后时保持历史单调
			msg.CreatedAt = d.Messages[n-1].Timestamp()
		}
		d.Messages = d.Messages.Append(msg)
		if msg.CreatedAt.After(d.LastUpdated) {
			d.LastUpdated = msg.CreatedAt
		}
		return d, nil
	})
}

// SetSuggestions 附加建议并结束生成中状态。
func SetSuggestions(list []chat.Suggestion) Reducer {
	return Head(func(h *chat.Header) {
		h.Suggestions = chat.CloneSuggestions(list)
		if h.Suggestions == nil {
			h.Suggestions = []chat.Suggestion{}
		}
		h.GeneratingSuggestions = 0
	})
}

// SetGenerating 进入生成中状态并清除旧建议。
func SetGenerating(count int) Reducer {
	return Head(func(h *chat.Header) {
		h.GeneratingSuggestions = count
		h.Suggestions = nil
	})
}

// ClearSuggestions 回到自由输入状态。
func ClearSuggestions() Reducer {
	return Head(func(h *chat.Header) {
		h.Suggestions = nil
		h.GeneratingSuggestions = 0
	})
}

// SetRating 只修改 index 位置的反馈评分，该位置必须是 InChatFeedback。
func SetRating(index, rating int) Reducer {
	return Detail(func(d chat.ChatDetail) (chat.ChatDetail, error) {
		fb, ok := d.Messages.FeedbackAt(index)
		if !ok {
			return d, domain.Violationf("history index %d of %s is not a feedback entry", index, d.ID)
		}

		value := rating
		fb.Rating = &value

		messages := d.Messages.Clone()
		messages[index] = fb
		d.Messages = messages
		return d, nil
	})
}

// ClearCheckpoint 解除阶段评分的拦截。
func ClearCheckpoint() Reducer {
	return Head(func(h *chat.Header) { h.CheckpointRate = false })
}

// MarkRead 标记已读。
func MarkRead() Reducer {
	return Head(func(h *chat.Header) { h.Unread = false })
}

// MarkIntroductionSeen 标记介绍已读。
func MarkIntroductionSeen() Reducer {
	return Head(func(h *chat.Header) { h.IntroductionSeen = true })
}

// Touch 更新 last_updated，不会回退。
func Touch(at time.Time) Reducer {
	return Head(func(h *chat.Header) {
		if at.After(h.LastUpdated) {
			h.LastUpdated = at
		}
	})
}
