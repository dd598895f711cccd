package stream

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
	"github.com/zhouzirui/coach-chat/client/internal/service/transport"
	turnService "github.com/zhouzirui/coach-chat/client/internal/service/turn"
	"github.com/zhouzirui/coach-chat/client/pkg/utils"
)

// 事件名
const (
	EventStatus       = "status"
	EventConversation = "conversation"
	EventReplaced     = "replaced"
	EventThread       = "thread"
	EventResync       = "resync"
)

// DefaultHeartbeat 心跳间隔，心跳同时携带连接状态。
const DefaultHeartbeat = 8 * time.Second

const bufferSize = 64

// StatusFunc 返回长连接状态。
type StatusFunc func() transport.Status

// Event SSE 推送的数据
type Event struct {
	Kind         string              `json:"kind,omitempty"`
	ID           string              `json:"id,omitempty"`
	Created      bool                `json:"created,omitempty"`
	Conversation chat.Chat           `json:"conversation,omitempty"`
	Count        int                 `json:"count,omitempty"`
	Thread       *turnService.Thread `json:"thread,omitempty"`
	Status       *transport.Status   `json:"status,omitempty"`
	Time         string              `json:"time,omitempty"`
}

type message struct {
	name  string
	event Event
}

// Handler 把 Store 和 Sequencer 的变化推送给浏览器
type Handler struct {
	store     *store.Store
	turns     *turnService.Sequencer
	status    StatusFunc
	heartbeat time.Duration
}

// New 创建推送处理器，turns 和 status 可以为空。
func New(st *store.Store, turns *turnService.Sequencer, status StatusFunc) *Handler {
	return &Handler{
		store:     st,
		turns:     turns,
		status:    status,
		heartbeat: DefaultHeartbeat,
	}
}

// WithHeartbeat 修改心跳间隔
func (h *Handler) WithHeartbeat(d time.Duration) *Handler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// ServeHTTP 保持 SSE 连接直到客户端断开。
//
// 订阅回调只做非阻塞写入；缓冲区满时丢弃并在之后发送 resync，客户端应重新拉取。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	events := make(chan message, bufferSize)
	var dropped atomic.Bool
	push := func(m message) {
		select {
		case events <- m:
		default:
			dropped.Store(true)
		}
	}

	unsubscribe := h.store.Subscribe(func(c store.Change) {
		if c.Kind == store.ChangeReplaced {
			push(message{name: EventReplaced, event: Event{Kind: string(c.Kind), Count: h.store.Len()}})
			return
		}
		push(message{name: EventConversation, event: Event{Kind: string(c.Kind), ID: c.ID, Created: c.Created, Conversation: c.Chat}})
	})
	defer unsubscribe()

	if h.turns != nil {
		unsubscribeTurns := h.turns.Subscribe(func(t turnService.Thread) {
			push(message{name: EventThread, event: Event{ID: t.ConversationID, Thread: &t}})
		})
		defer unsubscribeTurns()
	}

	log.Printf("[sse] event stream opened remote=%s", r.RemoteAddr)
	if err := h.sendStatus(sse, time.Now()); err != nil {
		log.Printf("[sse] %v", err)
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] event stream closed remote=%s sent=%d", r.RemoteAddr, sse.LastID())
			return
		case m := <-events:
			err = sse.Event(m.name, m.event)
			if err == nil && dropped.Swap(false) {
				err = sse.Event(EventResync, Event{Count: h.store.Len()})
			}
		case t := <-ticker.C:
			err = h.sendStatus(sse, t)
		}
		if err != nil {
			log.Printf("[sse] stream aborted remote=%s: %v", r.RemoteAddr, err)
			return
		}
	}
}

// sendStatus 心跳同时携带连接状态
func (h *Handler) sendStatus(sse *utils.SSEWriter, at time.Time) error {
	ev := Event{Time: at.UTC().Format(time.RFC3339)}
	if h.status != nil {
		st := h.status()
		ev.Status = &st
	}
	return sse.Event(EventStatus, ev)
}
