package store

import (
	"fmt"
	"sync"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
)

// ChangeKind 存储变更类型
type ChangeKind string

const (
	// ChangeReplaced 全量替换，Chat 为空
	ChangeReplaced ChangeKind = "replaced"
	// ChangeUpserted 服务端推送的单个会话
	ChangeUpserted ChangeKind = "upserted"
	// ChangeUpdated 本地 reducer 修改
	ChangeUpdated ChangeKind = "updated"
)

// Change 通知订阅者的一次变更。
type Change struct {
	Kind    ChangeKind
	ID      string
	Created bool
	Chat    chat.Chat
}

// Reducer 基于最新快照计算新值。返回错误时本次修改整体放弃。
type Reducer func(chat.Chat) (chat.Chat, error)

// Store 以会话 id 为键的内存存储。
//
// 订阅回调在释放数据锁之后、按修改顺序依次调用；回调中不能同步修改 Store。
type Store struct {
	mu    sync.RWMutex
	chats map[string]chat.Chat

	// notifyMu 在释放 mu 之前获取，保证通知顺序与修改顺序一致。
	notifyMu sync.Mutex
	subsMu   sync.RWMutex
	subs     map[int]func(Change)
	nextSub  int
}

// New 创建空存储。
func New() *Store {
	return &Store{
		chats: make(map[string]chat.Chat),
		subs:  make(map[int]func(Change)),
	}
}

// Get 返回指定会话。
func (s *Store) Get(id string) (chat.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	return c, ok
}

// Len 返回会话数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}

// Snapshot 返回全部会话，顺序不固定。
func (s *Store) Snapshot() []chat.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	return out
}

// Contacts 按最近更新时间倒序返回联系人列表。
func (s *Store) Contacts() []chat.Chat {
	return chat.Contacts(s.Snapshot())
}

// ReplaceAll 用给定列表替换整个存储。
func (s *Store) ReplaceAll(list []chat.Chat) {
	next := make(map[string]chat.Chat, len(list))
	for _, c := range list {
		next[c.Head().ID] = c
	}

	s.mu.Lock()
	s.chats = next
	s.publish(Change{Kind: ChangeReplaced})
}

// Upsert 整体替换一个会话（后到者覆盖），返回该 id 之前是否不存在。
func (s *Store) Upsert(c chat.Chat) bool {
	id := c.Head().ID

	s.mu.Lock()
	_, existed := s.chats[id]
	s.chats[id] = c
	s.publish(Change{Kind: ChangeUpserted, ID: id, Created: !existed, Chat: c})
	return !existed
}

// Update 在锁内对最新快照依次应用 reducers。
func (s *Store) Update(id string, reducers ...Reducer) (chat.Chat, error) {
	s.mu.Lock()
	current, ok := s.chats[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("update %s: %w", id, domain.ErrNotFound)
	}

	next := current
	for _, reduce := range reducers {
		var err error
		next, err = reduce(next)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	s.chats[id] = next
	s.publish(Change{Kind: ChangeUpdated, ID: id, Chat: next})
	return next, nil
}

// Subscribe 注册变更回调，返回取消函数。
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// publish 必须在持有 mu 写锁时调用，返回前释放 mu。
func (s *Store) publish(change Change) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.subsMu.RLock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}
