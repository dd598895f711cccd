package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zhouzirui/coach-chat/client/internal/config"
	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	"github.com/zhouzirui/coach-chat/client/internal/service/auth"
	chatService "github.com/zhouzirui/coach-chat/client/internal/service/chat"
	"github.com/zhouzirui/coach-chat/client/internal/service/dispatch"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
	"github.com/zhouzirui/coach-chat/client/internal/service/transport"
	turnService "github.com/zhouzirui/coach-chat/client/internal/service/turn"
)

// ErrLoginRequired 没有可用的会话，需要提供 magic link。
var ErrLoginRequired = errors.New("no saved session: set COACH_MAGIC_LINK or pass -magic")

// Client 组装好的客户端：登录、长连接、会话存储、会话服务和逐步对话。
type Client struct {
	Session    session.Session
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Transport  *transport.Transport
	Chat       *chatService.Service
	Turns      *turnService.Sequencer
}

// New 登录并创建各组件，不建立长连接。magicLink 为空时使用 cfg 中的值。
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, magicLink string) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(magicLink) == "" {
		magicLink = cfg.Session.MagicLink
	}

	httpClient := &http.Client{Timeout: cfg.Remote.HTTPTimeout}
	authClient := auth.NewClient(cfg.Remote.APIURL, httpClient, logger)

	sess, err := authClient.Restore(ctx, session.NewFileStore(cfg.Session.File), magicLink)
	switch {
	case errors.Is(err, session.ErrNoSession):
		return nil, ErrLoginRequired
	case err != nil:
		return nil, fmt.Errorf("login: %w", err)
	}

	st := store.New()
	dispatcher := dispatch.New(st, logger)
	tr := transport.New(transport.Options{
		URL:          strings.TrimRight(cfg.Remote.WSURL, "/") + transport.Path,
		Session:      sess,
		BackoffBase:  cfg.Transport.BackoffBase,
		BackoffMax:   cfg.Transport.BackoffMax,
		PingInterval: cfg.Transport.PingInterval,
		Logger:       logger,
	}, dispatcher)

	chatSvc := chatService.NewService(st, tr, sess, chatService.WithLogger(logger))
	dispatcher.SetHooks(chatSvc.Hooks())

	api := turnService.NewAPIClient(cfg.Remote.APIURL, sess, httpClient, logger)
	seq := turnService.NewSequencer(api, sess,
		turnService.WithPacing(cfg.Turn.Pacing),
		turnService.WithLogger(logger),
	)

	return &Client{
		Session:    sess,
		Store:      st,
		Dispatcher: dispatcher,
		Transport:  tr,
		Chat:       chatSvc,
		Turns:      seq,
	}, nil
}

// Start 建立长连接。
func (c *Client) Start() {
	c.Transport.Start()
}

// Close 取消逐步对话并关闭长连接，待重连的定时器一并取消。
func (c *Client) Close() error {
	c.Turns.Close()
	return c.Transport.Close()
}
