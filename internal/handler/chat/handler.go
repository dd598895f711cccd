package chat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/coach-chat/client/internal/analysis/progress"
	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	chatService "github.com/zhouzirui/coach-chat/client/internal/service/chat"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
	"github.com/zhouzirui/coach-chat/client/pkg/utils"
)

// Handler 会话操作的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	store   *store.Store
}

// New 创建会话处理器
func New(chatSvc *chatService.Service, st *store.Store) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		store:   st,
	}
}

// ProgressView 进度条数据
type ProgressView struct {
	Fraction float64 `json:"fraction"`
	Percent  int     `json:"percent"`
	Complete bool    `json:"complete"`
}

// ConversationView 会话详情及派生数据
type ConversationView struct {
	Conversation chat.Chat     `json:"conversation"`
	Loaded       bool          `json:"loaded"`
	Selected     *int          `json:"selected"`
	Progress     *ProgressView `json:"progress,omitempty"`
	Clusters     []ClusterView `json:"clusters,omitempty"`
}

// ClusterView 按时间间隔分组后的一段历史
type ClusterView struct {
	Start   string `json:"start"`
	Entries int    `json:"entries"`
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/contacts", h.handleContacts)
	r.Get("/conversations/current", h.handleCurrent)
	r.Post("/conversations", h.handleCreate)

	r.Route("/conversations/{id}", func(c chi.Router) {
		c.Get("/", h.handleGet)
		c.Post("/select", h.handleSelect)
		c.Post("/load", h.handleLoad)
		c.Post("/read", h.handleRead)
		c.Post("/introduction-seen", h.handleIntroductionSeen)
		c.Post("/suggestions", h.handleSuggest)
		c.Post("/suggestions/{index}/select", h.handleSelectSuggestion)
		c.Post("/messages", h.handleSend)
		c.Put("/feedback/{index}/rating", h.handleRate)
		c.Post("/checkpoint", h.handleCheckpoint)
	})
}

// handleContacts 按最近更新排序的会话列表
func (h *Handler) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts := h.store.Contacts()
	heads := make([]chat.Header, 0, len(contacts))
	for _, c := range contacts {
		heads = append(heads, c.Head())
	}
	utils.RespondJSON(w, http.StatusOK, heads)
}

// handleCurrent 当前会话，未选择时自动选择最近的联系人
func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	c, ok := h.chatSvc.Current()
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "no conversations yet")
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(c))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := h.store.Get(chi.URLParam(r, "id"))
	if !ok {
		respondErr(w, domain.ErrNotFound)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(c))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.CreateChat(); err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": chat.ZeroID})
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	h.respondAction(w, h.chatSvc.Select(chi.URLParam(r, "id")))
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	h.respondAction(w, h.chatSvc.LoadChat(chi.URLParam(r, "id")))
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	h.respondAction(w, h.chatSvc.MarkRead(chi.URLParam(r, "id")))
}

func (h *Handler) handleIntroductionSeen(w http.ResponseWriter, r *http.Request) {
	h.respondAction(w, h.chatSvc.MarkIntroductionSeen(chi.URLParam(r, "id")))
}

// handleSuggest 根据草稿请求建议
func (h *Handler) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Draft string `json:"draft"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.chatSvc.SuggestMessages(chi.URLParam(r, "id"), payload.Draft); err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]any{"status": "generating", "placeholders": chatService.PlaceholderSuggestions})
}

func (h *Handler) handleSelectSuggestion(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	h.respondAction(w, h.chatSvc.SelectSuggestion(chi.URLParam(r, "id"), index))
}

// handleSend 发送建议。未指定 index 时发送当前选中的建议；被拦截返回 409 和原因。
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Index *int `json:"index"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id := chi.URLParam(r, "id")
	var (
		result chatService.SendResult
		err    error
	)
	if payload.Index == nil {
		result, err = h.chatSvc.SendSelected(id)
	} else {
		result, err = h.chatSvc.SendChatMessage(id, *payload.Index)
	}
	if err != nil {
		respondErr(w, err)
		return
	}

	if result.Rejected {
		utils.RespondJSON(w, http.StatusConflict, result)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, result)
}

// handleRate 为某条反馈评分，评分可以覆盖
func (h *Handler) handleRate(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.chatSvc.RateFeedback(chi.URLParam(r, "id"), index, payload.Rating); err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleCheckpoint 提交阶段评分
func (h *Handler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Ratings map[string]int `json:"ratings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.chatSvc.SubmitCheckpoint(chi.URLParam(r, "id"), payload.Ratings); err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) respondAction(w http.ResponseWriter, err error) {
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) view(c chat.Chat) ConversationView {
	head := c.Head()
	v := ConversationView{Conversation: c, Loaded: chat.Loaded(c)}
	if index, ok := h.chatSvc.Selected(head.ID); ok {
		v.Selected = &index
	}

	detail, ok := chat.AsDetail(c)
	if !ok {
		return v
	}
	est := progress.Estimate(detail.Messages, head.Agent, head.Options.Gap)
	v.Progress = &ProgressView{Fraction: est.Fraction, Percent: est.Percent(), Complete: est.Complete()}
	for _, cl := range chat.GroupByGap(detail.Messages, chat.DefaultGap) {
		v.Clusters = append(v.Clusters, ClusterView{Start: cl.Start.Format(time.RFC3339), Entries: len(cl.Entries)})
	}
	return v
}

func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "index must be an integer")
		return 0, false
	}
	return index, true
}

func respondErr(w http.ResponseWriter, err error) {
	utils.RespondErr(w, domain.StatusFor(err), err, domain.UpstreamStatus(err))
}
