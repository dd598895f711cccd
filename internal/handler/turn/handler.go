package turn

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/coach-chat/client/internal/analysis/progress"
	"github.com/zhouzirui/coach-chat/client/internal/domain"
	turnModel "github.com/zhouzirui/coach-chat/client/internal/model/turn"
	turnService "github.com/zhouzirui/coach-chat/client/internal/service/turn"
	"github.com/zhouzirui/coach-chat/client/pkg/utils"
)

// Handler 逐步对话模式的HTTP处理器
type Handler struct {
	seq          *turnService.Sequencer
	defaultStage string
}

// New 创建处理器，请求未指定 stage 时使用 defaultStage
func New(seq *turnService.Sequencer, defaultStage string) *Handler {
	return &Handler{seq: seq, defaultStage: defaultStage}
}

// ThreadView 会话状态及进度
type ThreadView struct {
	turnService.Thread
	Percent  int  `json:"percent"`
	Complete bool `json:"complete"`
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/turns", func(t chi.Router) {
		t.Get("/", h.handleList)
		t.Post("/", h.handleStart)
		t.Get("/{id}", h.handleGet)
		t.Post("/{id}/open", h.handleOpen)
		t.Post("/{id}/submit", h.handleSubmit)
		t.Post("/{id}/custom", h.handleCustom)
		t.Post("/{id}/continue", h.handleContinue)
		t.Post("/{id}/peek", h.handlePeek)
		t.Post("/{id}/leave", h.handleLeave)
	})
}

// stage 读取并校验 stage 参数
func (h *Handler) stage(w http.ResponseWriter, r *http.Request) (string, bool) {
	stage := r.URL.Query().Get("stage")
	if stage == "" {
		stage = h.defaultStage
	}
	if _, err := turnModel.ParseStage(stage); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return stage, true
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	stage, ok := h.stage(w, r)
	if !ok {
		return
	}
	list, err := h.seq.List(r.Context(), stage)
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	stage, ok := h.stage(w, r)
	if !ok {
		return
	}
	thread, err := h.seq.Start(r.Context(), stage)
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, view(thread))
}

// handleGet 返回已打开的会话，未打开时先加载
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if thread, ok := h.seq.Thread(id); ok {
		utils.RespondJSON(w, http.StatusOK, view(thread))
		return
	}
	h.respond(w, func() (turnService.Thread, error) { return h.seq.Open(r.Context(), id) })
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.respond(w, func() (turnService.Thread, error) { return h.seq.Open(r.Context(), id) })
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Index *int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Index == nil {
		utils.RespondError(w, http.StatusBadRequest, "index is required")
		return
	}
	id := chi.URLParam(r, "id")
	h.respond(w, func() (turnService.Thread, error) { return h.seq.Submit(r.Context(), id, *payload.Index) })
}

func (h *Handler) handleCustom(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	h.respond(w, func() (turnService.Thread, error) { return h.seq.SubmitCustom(r.Context(), id, payload.Message) })
}

func (h *Handler) handleContinue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.respond(w, func() (turnService.Thread, error) { return h.seq.Continue(r.Context(), id) })
}

func (h *Handler) handlePeek(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.respond(w, func() (turnService.Thread, error) { return h.seq.Peek(r.Context(), id) })
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	h.seq.Leave(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respond(w http.ResponseWriter, fn func() (turnService.Thread, error)) {
	thread, err := fn()
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view(thread))
}

func view(t turnService.Thread) ThreadView {
	est := progress.Estimate(t.History, t.Agent, false)
	return ThreadView{Thread: t, Percent: est.Percent(), Complete: t.Finished() || est.Complete()}
}

// respondErr 上游 5xx 统一返回 502，保留原始详情
func respondErr(w http.ResponseWriter, err error) {
	status, upstream := domain.StatusFor(err), domain.UpstreamStatus(err)
	if upstream >= http.StatusInternalServerError {
		status = http.StatusBadGateway
	}
	utils.RespondErr(w, status, err, upstream)
}
