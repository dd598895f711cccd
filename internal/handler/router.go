package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/zhouzirui/coach-chat/client/internal/handler/chat"
	"github.com/zhouzirui/coach-chat/client/internal/handler/stream"
	"github.com/zhouzirui/coach-chat/client/internal/handler/turn"
	chatService "github.com/zhouzirui/coach-chat/client/internal/service/chat"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
	turnService "github.com/zhouzirui/coach-chat/client/internal/service/turn"
	"github.com/zhouzirui/coach-chat/client/pkg/utils"
)

// Deps 路由依赖。Turns 为空时不注册逐步对话路由。
type Deps struct {
	Chat         *chatService.Service
	Store        *store.Store
	Turns        *turnService.Sequencer
	DefaultStage string
	Status       stream.StatusFunc
	CORSOrigins  []string
}

// NewRouter wires HTTP routes to the client services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	chatHandler := chat.New(deps.Chat, deps.Store)
	streamHandler := stream.New(deps.Store, deps.Turns, deps.Status)

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			if deps.Status == nil {
				utils.RespondError(w, http.StatusServiceUnavailable, "transport unavailable")
				return
			}
			utils.RespondJSON(w, http.StatusOK, deps.Status())
		})

		// 会话列表、建议、评分
		chatHandler.RegisterRoutes(api)

		// 状态变化推送
		api.Method(http.MethodGet, "/events", streamHandler)

		if deps.Turns != nil {
			turn.New(deps.Turns, deps.DefaultStage).RegisterRoutes(api)
		}
	})

	return cors.New(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"},
		AllowCredentials: true,
	}).Handler(r)
}
