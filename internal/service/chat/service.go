package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	"github.com/zhouzirui/coach-chat/client/internal/model/wire"
	"github.com/zhouzirui/coach-chat/client/internal/service/dispatch"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
)

// PlaceholderSuggestions 请求建议后展示的占位数量。
const PlaceholderSuggestions = 3

// errGated 用于中止 reducer，不会返回给调用方。
var errGated = errors.New("suggestion gated")

// Sender 发送操作的出口，通常是 transport.Transport。
type Sender interface {
	Send(op wire.Operation) error
}

// SendResult 发送建议的结果。Rejected 表示被拦截，这是正常结果而不是错误。
type SendResult struct {
	Sent     bool   `json:"sent"`
	Rejected bool   `json:"rejected"`
	Reason   string `json:"reason,omitempty"`
	Index    int    `json:"index"`
}

// Service 负责建议、发送、评分等会话操作，所有本地修改都通过 reducer 写入 Store。
type Service struct {
	store   *store.Store
	sender  Sender
	session session.Session
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	current   string
	selection map[string]int
	loading   map[string]struct{}
}

// Option 配置 Service。
type Option func(*Service)

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger 设置日志。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService 创建会话服务。
func NewService(st *store.Store, sender Sender, sess session.Session, opts ...Option) *Service {
	s := &Service{
		store:     st,
		sender:    sender,
		session:   sess,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		selection: make(map[string]int),
		loading:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat")
	return s
}

// Hooks 返回挂到 Dispatcher 上的回调。
func (s *Service) Hooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnCreated: s.onCreated,
		OnApplied: s.onApplied,
	}
}

// SendChatMessage 按索引发送当前建议。
//
// 索引在调用时针对最新的建议列表解析；拦截、乐观追加和清空建议在同一个 reducer 中完成。
func (s *Service) SendChatMessage(id string, index int) (SendResult, error) {
	if chat.IsProvisional(id) {
		return SendResult{}, domain.ErrProvisional
	}

	result := SendResult{Index: index}
	_, err := s.store.Update(id, store.Detail(func(d chat.ChatDetail) (chat.ChatDetail, error) {
		if d.CheckpointRate {
			return d, domain.ErrCheckpointPending
		}
		if index < 0 || index >= len(d.Suggestions) {
			return d, domain.Violationf("suggestion index %d out of range for %s (%d suggestions)", index, id, len(d.Suggestions))
		}

		suggestion := d.Suggestions[index]
		if suggestion.HasProblem() && d.Options.BlocksOnSuggestion() {
			result.Rejected = true
			result.Reason = rejectionReason(suggestion)
			return d, errGated
		}

		now := s.now()
		msg := chat.Message{Sender: s.session.SenderName(), Content: suggestion.Message, CreatedAt: now}
		next, err := store.Chain(store.AppendMessage(msg), store.ClearSuggestions())(d)
		if err != nil {
			return d, err
		}
		return next.(chat.ChatDetail), nil
	}))

	switch {
	case errors.Is(err, errGated):
		s.setSelection(id, index)
		s.logger.Info("suggestion send rejected", "id", id, "index", index, "reason", result.Reason)
		return result, nil
	case err != nil:
		return SendResult{}, err
	}

	s.clearSelection(id)
	if err := s.sender.Send(wire.SendMessage{ID: id, Index: index}); err != nil {
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}

	result.Sent = true
	return result, nil
}

// SendSelected 发送当前选中的建议。
func (s *Service) SendSelected(id string) (SendResult, error) {
	index, ok := s.Selected(id)
	if !ok {
		return SendResult{}, domain.ErrNoSuggestionSelected
	}
	return s.SendChatMessage(id, index)
}

func rejectionReason(suggestion chat.Suggestion) string {
	if suggestion.Problem != nil && strings.TrimSpace(*suggestion.Problem) != "" {
		return strings.TrimSpace(*suggestion.Problem)
	}
	return "this suggestion needs improvement"
}

// SuggestMessages 请求根据草稿生成建议，并立即进入占位状态。发送失败时恢复原状态。
func (s *Service) SuggestMessages(id, draft string) error {
	op := wire.GenerateSuggestions{ID: id, Draft: draft}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("generate suggestions: %w", err)
	}

	var previous chat.Header
	_, err := s.store.Update(id, func(c chat.Chat) (chat.Chat, error) {
		previous = c.Head()
		if previous.CheckpointRate {
			return nil, domain.ErrCheckpointPending
		}
		return store.SetGenerating(PlaceholderSuggestions)(c)
	})
	if err != nil {
		return err
	}
	s.clearSelection(id)

	if err := s.sender.Send(op); err != nil {
		restore := store.Head(func(h *chat.Header) {
			h.GeneratingSuggestions = previous.GeneratingSuggestions
			h.Suggestions = chat.CloneSuggestions(previous.Suggestions)
		})
		if _, rerr := s.store.Update(id, restore); rerr != nil {
			s.logger.Warn("restore suggestions failed", "id", id, "error", rerr)
		}
		return fmt.Errorf("generate suggestions: %w", err)
	}
	return nil
}

// SelectSuggestion 选中一条建议并通知服务端。
func (s *Service) SelectSuggestion(id string, index int) error {
	c, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("select suggestion: %w", domain.ErrNotFound)
	}
	suggestions := c.Head().Suggestions
	if index < 0 || index >= len(suggestions) {
		return domain.Violationf("suggestion index %d out of range for %s (%d suggestions)", index, id, len(suggestions))
	}

	s.setSelection(id, index)
	if err := s.sender.Send(wire.ViewSuggestion{ID: id, Index: index}); err != nil {
		return fmt.Errorf("view suggestion: %w", err)
	}
	return nil
}

// Selected 返回会话当前选中的建议索引。
func (s *Service) Selected(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.selection[id]
	return index, ok
}

func (s *Service) setSelection(id string, index int) {
	s.mu.Lock()
	s.selection[id] = index
	s.mu.Unlock()
}

func (s *Service) clearSelection(id string) {
	s.mu.Lock()
	delete(s.selection, id)
	s.mu.Unlock()
}

// RateFeedback 为历史中 index 位置的反馈评分。评分可以被覆盖。
func (s *Service) RateFeedback(id string, index, rating int) error {
	op := wire.RateFeedback{ID: id, Index: index, Rating: rating}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("rate feedback: %w", err)
	}

	if _, err := s.store.Update(id, store.SetRating(index, rating)); err != nil {
		return err
	}
	if err := s.sender.Send(op); err != nil {
		return fmt.Errorf("rate feedback: %w", err)
	}
	return nil
}

// SubmitCheckpoint 提交阶段评分并解除拦截。
func (s *Service) SubmitCheckpoint(id string, ratings map[string]int) error {
	c, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("checkpoint rating: %w", domain.ErrNotFound)
	}
	if !c.Head().CheckpointRate {
		return domain.ErrNoCheckpoint
	}

	copied := make(map[string]int, len(ratings))
	for k, v := range ratings {
		copied[k] = v
	}
	op := wire.CheckpointRating{ID: id, Ratings: copied}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("checkpoint rating: %w", err)
	}

	if err := s.sender.Send(op); err != nil {
		return fmt.Errorf("checkpoint rating: %w", err)
	}
	_, err := s.store.Update(id, store.ClearCheckpoint())
	return err
}

// MarkRead 乐观标记已读并通知服务端。
func (s *Service) MarkRead(id string) error {
	if _, err := s.store.Update(id, store.MarkRead()); err != nil {
		return err
	}
	if err := s.sender.Send(wire.MarkRead{ID: id}); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkIntroductionSeen 乐观标记介绍已读并通知服务端。
func (s *Service) MarkIntroductionSeen(id string) error {
	if _, err := s.store.Update(id, store.MarkIntroductionSeen()); err != nil {
		return err
	}
	if err := s.sender.Send(wire.IntroductionSeen{ID: id}); err != nil {
		return fmt.Errorf("introduction seen: %w", err)
	}
	return nil
}

// LoadChat 请求加载会话消息，已加载的会话不会重复请求。
func (s *Service) LoadChat(id string) error {
	c, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("load chat: %w", domain.ErrNotFound)
	}
	if chat.Loaded(c) {
		return nil
	}
	if err := s.sender.Send(wire.LoadChat{ID: id}); err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	return nil
}

// CreateChat 请求创建会话，并在服务端分配 id 之前选中占位会话。
func (s *Service) CreateChat() error {
	if err := s.sender.Send(wire.CreateChat{}); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}

	s.mu.Lock()
	s.current = chat.ZeroID
	s.mu.Unlock()
	return nil
}
