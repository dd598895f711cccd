package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	"github.com/zhouzirui/coach-chat/client/internal/model/turn"
	"github.com/zhouzirui/coach-chat/client/pkg/utils"
)

// DefaultPacing 展示对方回复前的停顿。
const DefaultPacing = 800 * time.Millisecond

// Await 当前等待用户做的事。
type Await string

const (
	AwaitNone     Await = ""
	AwaitOptions  Await = "options"
	AwaitFollowUp Await = "follow_up"
	AwaitContinue Await = "continue"
	AwaitFinished Await = "finished"
)

// Thread 一个逐步对话在客户端的状态。
type Thread struct {
	ConversationID   string        `json:"conversation_id"`
	Stage            string        `json:"stage"`
	Agent            string        `json:"agent"`
	Scenario         turn.Scenario `json:"scenario"`
	History          chat.History  `json:"history"`
	Options          []string      `json:"options"`
	AllowCustom      bool          `json:"allow_custom"`
	Awaiting         Await         `json:"awaiting"`
	Typing           bool          `json:"typing"`
	Busy             bool          `json:"busy"`
	MaxUnlockedStage string        `json:"max_unlocked_stage,omitempty"`
	// Held 已从服务端取回但还未展示的回复，Continue 时先展示它。
	Held bool `json:"held"`

	held turn.Step
}

// Finished reports whether the scripted conversation is over.
func (t Thread) Finished() bool { return t.Awaiting == AwaitFinished }

func (t Thread) clone() Thread {
	t.History = t.History.Clone()
	if t.Options != nil {
		t.Options = append([]string(nil), t.Options...)
	}
	return t
}

// Sequencer 驱动 ap / feedback / np 的推进：提交选择，连续拉取直到需要用户输入。
//
// 每个会话同一时间只允许一个推进链；每个步骤的状态变化原子地提交并通知订阅者。
type Sequencer struct {
	api     API
	session session.Session
	pacing  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	threads  map[string]*Thread
	inflight map[string]context.CancelFunc
	active   string
	closed   bool

	notifyMu    sync.Mutex
	subscribers map[int]func(Thread)
	nextSub     int
}

// Option 配置 Sequencer。
type Option func(*Sequencer)

// WithPacing 设置展示对方回复前的停顿。
func WithPacing(d time.Duration) Option {
	return func(s *Sequencer) { s.pacing = d }
}

// WithLogger 设置日志。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) { s.now = now }
}

// NewSequencer 创建 Sequencer。
func NewSequencer(api API, sess session.Session, opts ...Option) *Sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		api:         api,
		session:     sess,
		pacing:      DefaultPacing,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		ctx:         ctx,
		cancel:      cancel,
		threads:     make(map[string]*Thread),
		inflight:    make(map[string]context.CancelFunc),
		subscribers: make(map[int]func(Thread)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "turn")
	return s
}

// Subscribe 注册状态变化回调，回调按提交顺序执行，不能在回调里同步调用 Sequencer 的推进方法。
func (s *Sequencer) Subscribe(fn func(Thread)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.notifyMu.Lock()
		delete(s.subscribers, id)
		s.notifyMu.Unlock()
	}
}

// Thread 返回会话当前状态的副本。
func (s *Sequencer) Thread(id string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, false
	}
	return t.clone(), true
}

// Active 返回当前打开的会话 id。
func (s *Sequencer) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// List 列出某个关卡下的会话。
func (s *Sequencer) List(ctx context.Context, stage string) ([]turn.Descriptor, error) {
	if _, err := turn.ParseStage(stage); err != nil {
		return nil, err
	}
	return s.api.List(ctx, stage)
}

// Start 在关卡下新建会话并打开。
func (s *Sequencer) Start(ctx context.Context, stage string) (Thread, error) {
	if _, err := turn.ParseStage(stage); err != nil {
		return Thread{}, err
	}
	conv, err := s.api.Create(ctx, stage)
	if err != nil {
		return Thread{}, fmt.Errorf("create conversation: %w", err)
	}
	if conv.Stage == "" {
		conv.Stage = stage
	}
	return s.adopt(ctx, conv)
}

// Open 加载已有会话，离开之前打开的会话。服务端还有待推进的步骤时立即拉取。
func (s *Sequencer) Open(ctx context.Context, id string) (Thread, error) {
	conv, err := s.api.Get(ctx, id)
	if err != nil {
		return Thread{}, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return s.adopt(ctx, conv)
}

func (s *Sequencer) adopt(ctx context.Context, conv turn.Conversation) (Thread, error) {
	t := s.threadFrom(conv)
	pending := t.Awaiting == AwaitNone

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Thread{}, domain.ErrClosed
	}
	if _, busy := s.inflight[conv.ID]; busy {
		s.mu.Unlock()
		return Thread{}, domain.ErrInFlight
	}
	if s.active != "" && s.active != conv.ID {
		s.leaveLocked(s.active)
	}
	s.active = conv.ID
	s.threads[conv.ID] = &t
	s.mu.Unlock()

	s.notify(t.clone())

	if pending {
		return s.Peek(ctx, conv.ID)
	}
	return t.clone(), nil
}

func (s *Sequencer) threadFrom(conv turn.Conversation) Thread {
	t := Thread{
		ConversationID: conv.ID,
		Stage:          conv.Stage,
		Agent:          conv.Agent,
		Scenario:       conv.Scenario,
		History:        chat.History{},
	}

	stamp := s.now()
	for _, el := range conv.Elements {
		switch el.Type {
		case turn.ElementMessage:
			sender := conv.Agent
			if el.Line.UserSent {
				sender = s.session.SenderName()
			}
			t.History = append(t.History, chat.Message{Sender: sender, Content: el.Line.Message, CreatedAt: stamp})
		case turn.ElementFeedback:
			t.History = append(t.History, feedbackEntry(el.Feedback, stamp))
		}
	}

	switch {
	case conv.State == nil:
	case conv.State.Completed():
		t.Awaiting = AwaitFinished
	case conv.State.Waiting:
		t.Awaiting = AwaitOptions
		t.Options = append([]string(nil), conv.State.Options...)
		t.AllowCustom = conv.State.AllowCustom
	}
	return t
}

// follow-up 与 explanation 分别作为反馈的替代说法和解释保存。
func feedbackEntry(fb turn.Feedback, at time.Time) chat.InChatFeedback {
	entry := chat.InChatFeedback{
		Feedback:  chat.Feedback{Title: fb.Title, Body: fb.Body},
		CreatedAt: at,
	}
	if fb.HasFollowUp() {
		followUp := *fb.FollowUp
		entry.Alternative = &followUp
	}
	if fb.Explanation != nil {
		explanation := *fb.Explanation
		entry.AlternativeFeedback = &explanation
	}
	return entry
}

// Submit 选择第 index 个选项；等待 follow-up 时唯一的选项是 0。
func (s *Sequencer) Submit(ctx context.Context, id string, index int) (Thread, error) {
	t, ok := s.Thread(id)
	if !ok {
		return Thread{}, fmt.Errorf("submit: %w", domain.ErrNotFound)
	}
	if t.Busy {
		return Thread{}, domain.ErrInFlight
	}
	if index < 0 || index >= len(t.Options) {
		return Thread{}, domain.Violationf("option index %d out of range for %s (%d options)", index, id, len(t.Options))
	}
	text := t.Options[index]
	return s.run(ctx, id, turn.SelectIndex(index), &text)
}

// SubmitCustom 发送自定义消息，仅在当前步骤允许时可用。
func (s *Sequencer) SubmitCustom(ctx context.Context, id, message string) (Thread, error) {
	t, ok := s.Thread(id)
	if !ok {
		return Thread{}, fmt.Errorf("submit custom: %w", domain.ErrNotFound)
	}
	if t.Busy {
		return Thread{}, domain.ErrInFlight
	}
	if !t.AllowCustom || t.Awaiting != AwaitOptions {
		return Thread{}, domain.ErrCustomNotAllowed
	}
	opt := turn.SelectCustom(message)
	if err := opt.Validate(); err != nil {
		return Thread{}, fmt.Errorf("submit custom: %w", err)
	}
	return s.run(ctx, id, opt, &message)
}

// Peek 不提交选择，拉取服务端的下一步。只在会话没有等待用户操作时可用，
// 即刚打开、服务端还有待推进步骤的会话。
func (s *Sequencer) Peek(ctx context.Context, id string) (Thread, error) {
	t, ok := s.Thread(id)
	if !ok {
		return Thread{}, fmt.Errorf("peek: %w", domain.ErrNotFound)
	}
	if t.Busy {
		return Thread{}, domain.ErrInFlight
	}
	if t.Finished() {
		return Thread{}, domain.ErrConversationFinished
	}
	if t.Awaiting != AwaitNone {
		return Thread{}, fmt.Errorf("peek while awaiting %s: %w", t.Awaiting, domain.ErrAwaitingUser)
	}
	return s.run(ctx, id, turn.SelectNone(), nil)
}

// Continue 在无 follow-up 的反馈之后继续；有被打断的回复时先展示它，不再请求服务端。
func (s *Sequencer) Continue(ctx context.Context, id string) (Thread, error) {
	t, ok := s.Thread(id)
	if !ok {
		return Thread{}, fmt.Errorf("continue: %w", domain.ErrNotFound)
	}
	if t.Busy {
		return Thread{}, domain.ErrInFlight
	}
	if t.Awaiting != AwaitContinue {
		return Thread{}, domain.ErrNothingToContinue
	}
	return s.run(ctx, id, turn.SelectNone(), nil)
}

// Leave 离开会话：取消正在进行的停顿和请求。已经取回的回复留在会话上，Continue 时展示。
func (s *Sequencer) Leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(id)
}

func (s *Sequencer) leaveLocked(id string) {
	if cancel, ok := s.inflight[id]; ok {
		cancel()
	}
	if s.active == id {
		s.active = ""
	}
}

// Close 取消所有推进链，之后的调用返回 ErrClosed。
func (s *Sequencer) Close() {
	s.mu.Lock()
	s.closed = true
	s.active = ""
	s.mu.Unlock()
	s.cancel()
}

// run 提交一次选择并沿 ap 链拉取，直到遇到需要用户输入的步骤。
//
// 第一次请求失败时回滚乐观追加的用户消息；之后的失败保留已提交的步骤并允许 Continue。
// 被取消时已经取回的步骤不会丢弃：它被保存在会话上，下一次 Continue 从它开始。
func (s *Sequencer) run(ctx context.Context, id string, opt turn.SelectOption, userText *string) (Thread, error) {
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	var previous Thread
	var step turn.Step
	_, err := s.commit(id, func(t *Thread) error {
		if s.closed {
			return domain.ErrClosed
		}
		if t.Finished() {
			return domain.ErrConversationFinished
		}
		if _, busy := s.inflight[id]; busy {
			return domain.ErrInFlight
		}
		s.inflight[id] = cancel
		previous = t.clone()
		step = t.held
		t.held = nil
		t.Held = false

		t.Busy = true
		if userText != nil {
			t.History = t.History.Append(chat.Message{
				Sender:    s.session.SenderName(),
				Content:   *userText,
				CreatedAt: s.stamp(t),
			})
		}
		t.Options = nil
		t.AllowCustom = false
		t.Awaiting = AwaitNone
		return nil
	})
	if err != nil {
		return Thread{}, err
	}

	if step == nil {
		step, err = s.api.Next(runCtx, id, opt)
		if err != nil {
			s.logger.Warn("next failed, rolling back", "id", id, "option", opt.Option, "error", err)
			t, _ := s.release(id, func(t *Thread) {
				t.History = previous.History
				t.Options = previous.Options
				t.AllowCustom = previous.AllowCustom
				t.Awaiting = previous.Awaiting
			})
			return t, err
		}
	}

	for {
		ap, ok := step.(turn.ApStep)
		if !ok {
			break
		}

		if _, err := s.commit(id, func(t *Thread) error {
			t.Typing = true
			unlock(t, ap)
			return nil
		}); err != nil {
			return Thread{}, err
		}

		if err := utils.Delay(runCtx, s.pacing); err != nil {
			t, _ := s.release(id, func(t *Thread) { hold(t, ap) })
			return t, fmt.Errorf("reply held: %w", err)
		}

		if _, err := s.commit(id, func(t *Thread) error {
			t.Typing = false
			t.History = t.History.Append(chat.Message{Sender: t.Agent, Content: ap.Content, CreatedAt: s.stamp(t)})
			return nil
		}); err != nil {
			return Thread{}, err
		}

		step, err = s.api.Next(runCtx, id, turn.SelectNone())
		if err != nil {
			s.logger.Warn("next failed after reply", "id", id, "error", err)
			t, _ := s.release(id, func(t *Thread) { t.Awaiting = AwaitContinue })
			return t, err
		}
	}

	if err := runCtx.Err(); err != nil {
		t, _ := s.release(id, func(t *Thread) { hold(t, step) })
		return t, fmt.Errorf("step held: %w", err)
	}

	return s.release(id, func(t *Thread) {
		unlock(t, step)
		switch st := step.(type) {
		case turn.FeedbackStep:
			t.History = t.History.Append(feedbackEntry(st.Content, s.stamp(t)))
			if st.Content.HasFollowUp() {
				t.Options = []string{*st.Content.FollowUp}
				t.Awaiting = AwaitFollowUp
			} else {
				t.Awaiting = AwaitContinue
			}
		case turn.NpStep:
			t.Options = append([]string(nil), st.Options...)
			t.AllowCustom = st.AllowCustom
			t.Awaiting = AwaitOptions
		case turn.CompleteStep:
			t.Awaiting = AwaitFinished
		}
	})
}

// hold 保存已取回未展示的步骤，等待 Continue。
func hold(t *Thread, step turn.Step) {
	t.held = step
	t.Held = true
	t.Awaiting = AwaitContinue
}

func unlock(t *Thread, step turn.Step) {
	if stage := step.Unlocked(); stage != "" {
		t.MaxUnlockedStage = stage
	}
}

// stamp 返回不早于历史最后一条的时间。
func (s *Sequencer) stamp(t *Thread) time.Time {
	now := s.now()
	if n := len(t.History); n > 0 {
		if last := t.History[n-1].Timestamp(); now.Before(last) {
			return last
		}
	}
	return now
}

// release 结束推进链：应用最后的修改，清除 in-flight 标记。
func (s *Sequencer) release(id string, fn func(t *Thread)) (Thread, error) {
	return s.commit(id, func(t *Thread) error {
		delete(s.inflight, id)
		t.Busy = false
		t.Typing = false
		fn(t)
		return nil
	})
}

// commit 在锁内修改会话，然后按提交顺序通知订阅者。
func (s *Sequencer) commit(id string, fn func(t *Thread) error) (Thread, error) {
	s.mu.Lock()
	t, ok := s.threads[id]
	if !ok {
		s.mu.Unlock()
		return Thread{}, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	next := t.clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return Thread{}, err
	}
	*t = next
	snapshot := next.clone()

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, sub := range s.subscribers {
		sub(snapshot.clone())
	}
	return snapshot, nil
}

func (s *Sequencer) notify(t Thread) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, sub := range s.subscribers {
		sub(t.clone())
	}
}

// IsDiscarded reports whether err came from a chain cancelled by Leave or Close.
// Nothing received from the server is lost; the thread holds it until Continue.
func IsDiscarded(err error) bool {
	return errors.Is(err, context.Canceled)
}
