package chat

import (
	"fmt"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/model/wire"
)

// Current 返回当前会话。未选择时自动选中最近的联系人；创建中返回占位会话。
func (s *Service) Current() (chat.Chat, bool) {
	s.mu.Lock()
	id := s.current
	s.mu.Unlock()

	if chat.IsProvisional(id) {
		return chat.ChatSummary{Header: chat.Header{ID: chat.ZeroID, LastUpdated: s.now()}}, true
	}

	if id != "" {
		if c, ok := s.store.Get(id); ok {
			return c, true
		}
	}

	contacts := s.store.Contacts()
	if len(contacts) == 0 {
		return nil, false
	}

	first := contacts[0].Head().ID
	if err := s.Select(first); err != nil {
		s.logger.Warn("auto select failed", "id", first, "error", err)
	}
	c, ok := s.store.Get(first)
	return c, ok
}

// CurrentID 返回当前会话 id，可能为空。
func (s *Service) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Select 切换当前会话，并按需加载消息、标记已读。
func (s *Service) Select(id string) error {
	if !chat.IsProvisional(id) {
		if _, ok := s.store.Get(id); !ok {
			return fmt.Errorf("select %s: %w", id, domain.ErrNotFound)
		}
	}

	s.mu.Lock()
	s.current = id
	s.mu.Unlock()

	return s.reconcileCurrent()
}

// reconcileCurrent 当前会话未加载时请求加载，未读时标记已读。
func (s *Service) reconcileCurrent() error {
	id := s.CurrentID()
	if id == "" || chat.IsProvisional(id) {
		return nil
	}

	c, ok := s.store.Get(id)
	if !ok {
		return nil
	}

	if !chat.Loaded(c) && s.markLoadRequested(id) {
		if err := s.LoadChat(id); err != nil {
			return err
		}
	}
	if c.Head().Unread {
		if err := s.MarkRead(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) onCreated(id string) {
	s.mu.Lock()
	adopt := s.current == "" || chat.IsProvisional(s.current)
	s.mu.Unlock()

	if !adopt {
		return
	}
	if err := s.Select(id); err != nil {
		s.logger.Warn("select created conversation failed", "id", id, "error", err)
	}
}

// markLoadRequested 返回是否需要发出 load-chat；同一会话在下一次全量同步前只请求一次。
func (s *Service) markLoadRequested(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loading[id]; ok {
		return false
	}
	s.loading[id] = struct{}{}
	return true
}

func (s *Service) onApplied(ev wire.Inbound) {
	if _, ok := ev.(wire.FullSync); ok {
		s.mu.Lock()
		s.loading = make(map[string]struct{})
		s.mu.Unlock()
	}

	if ready, ok := ev.(wire.SuggestionsReady); ok {
		if len(ready.Suggestions) == 1 {
			// 只有一条建议时无需用户选择
			if err := s.SelectSuggestion(ready.ID, 0); err != nil {
				s.logger.Warn("auto select suggestion failed", "id", ready.ID, "error", err)
			}
		} else {
			s.clearSelection(ready.ID)
		}
	}

	if err := s.reconcileCurrent(); err != nil {
		s.logger.Warn("reconcile current conversation failed", "error", err)
	}
}
