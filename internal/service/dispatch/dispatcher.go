package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/model/wire"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
)

// Hooks 事件应用之后的回调，均在读循环 goroutine 中同步执行。
type Hooks struct {
	// OnCreated 每个此前未知的会话 id 只触发一次。
	OnCreated func(id string)
	// OnApplied 每个事件写入存储之后触发。
	OnApplied func(ev wire.Inbound)
}

// Dispatcher 把服务端事件转换成存储修改。
type Dispatcher struct {
	store  *store.Store
	logger *slog.Logger

	mu        sync.Mutex
	hooks     Hooks
	announced map[string]struct{}
}

// New 创建 Dispatcher。logger 为空时使用 slog.Default()。
func New(st *store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     st,
		logger:    logger.With("component", "dispatch"),
		announced: make(map[string]struct{}),
	}
}

// SetHooks 替换回调。
func (d *Dispatcher) SetHooks(h Hooks) {
	d.mu.Lock()
	d.hooks = h
	d.mu.Unlock()
}

// HandleFrame implements transport.Handler.
func (d *Dispatcher) HandleFrame(_ context.Context, data []byte) error {
	ev, err := wire.DecodeInbound(data)
	if err != nil {
		return err
	}
	return d.Dispatch(ev)
}

// Dispatch 应用一个已解码的事件。
func (d *Dispatcher) Dispatch(ev wire.Inbound) error {
	var created string

	switch e := ev.(type) {
	case wire.FullSync:
		d.store.ReplaceAll(e.Conversations)
		d.mu.Lock()
		for _, c := range e.Conversations {
			d.announced[c.Head().ID] = struct{}{}
		}
		d.mu.Unlock()
		d.logger.Debug("full sync applied", "conversations", len(e.Conversations))

	case wire.SingleSync:
		c := e.Conversation.Chat
		id := c.Head().ID
		isNew := d.store.Upsert(c)
		if isNew && d.announce(id) {
			created = id
		}
		d.logger.Debug("single sync applied", "id", id, "loaded", chat.Loaded(c), "created", isNew)

	case wire.SuggestionsReady:
		if _, err := d.store.Update(e.ID, store.SetSuggestions(e.Suggestions)); err != nil {
			return fmt.Errorf("apply suggestions for %s: %w", e.ID, err)
		}
		d.logger.Debug("suggestions applied", "id", e.ID, "count", len(e.Suggestions))

	default:
		return fmt.Errorf("unhandled inbound event %T", ev)
	}

	d.mu.Lock()
	hooks := d.hooks
	d.mu.Unlock()

	if created != "" && hooks.OnCreated != nil {
		hooks.OnCreated(created)
	}
	if hooks.OnApplied != nil {
		hooks.OnApplied(ev)
	}
	return nil
}

// announce 记录 id，返回是否第一次出现。
func (d *Dispatcher) announce(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.announced[id]; ok {
		return false
	}
	d.announced[id] = struct{}{}
	return true
}
