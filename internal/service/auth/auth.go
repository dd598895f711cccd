package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/session"
)

// Client 登录相关接口。
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient 创建登录客户端。
func NewClient(baseURL string, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With("component", "auth"),
	}
}

// Exchange 用 magic link 换取会话。ctx 取消会中止请求；401 返回 ErrInvalidMagicLink。
func (c *Client) Exchange(ctx context.Context, magicLink string) (session.Session, error) {
	magicLink = strings.TrimSpace(magicLink)
	if magicLink == "" {
		return session.Session{}, domain.ErrInvalidMagicLink
	}

	payload, err := json.Marshal(map[string]string{"magic_link": magicLink})
	if err != nil {
		return session.Session{}, fmt.Errorf("encode exchange request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/exchange", bytes.NewReader(payload))
	if err != nil {
		return session.Session{}, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	var sess session.Session
	switch status, err := c.do(req, &sess); {
	case status == http.StatusUnauthorized:
		return session.Session{}, domain.ErrInvalidMagicLink
	case err != nil:
		return session.Session{}, err
	}
	if err := sess.Valid(); err != nil {
		return session.Session{}, domain.Violationf("exchange returned no token")
	}

	c.logger.Info("magic link exchanged", "user_id", sess.User.ID)
	return sess, nil
}

// Me 校验已保存的会话是否仍然有效，返回最新的用户信息。401 返回 ErrUnauthorized。
func (c *Client) Me(ctx context.Context, sess session.Session) (session.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return session.User{}, fmt.Errorf("build me request: %w", err)
	}
	req.Header.Set("Authorization", sess.AuthHeader())
	req.Header.Set("X-Request-Id", uuid.NewString())

	var user session.User
	switch status, err := c.do(req, &user); {
	case status == http.StatusUnauthorized:
		return session.User{}, domain.ErrUnauthorized
	case err != nil:
		return session.User{}, err
	}
	return user, nil
}

func (c *Client) do(req *http.Request, out any) (int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &body)
		return resp.StatusCode, &domain.RequestFailure{
			Method: req.Method,
			Path:   req.URL.Path,
			Status: resp.StatusCode,
			Detail: body.Detail,
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return resp.StatusCode, nil
}

// Restore 取得可用的会话：提供了 magic link 时兑换并保存；否则读取本地会话并向服务端校验，
// 已失效的会话会被清除。
func (c *Client) Restore(ctx context.Context, files *session.FileStore, magicLink string) (session.Session, error) {
	if strings.TrimSpace(magicLink) != "" {
		sess, err := c.Exchange(ctx, magicLink)
		if err != nil {
			return session.Session{}, err
		}
		if err := files.Save(sess); err != nil {
			c.logger.Warn("save session failed", "path", files.Path(), "error", err)
		}
		return sess, nil
	}

	sess, err := files.Load()
	if err != nil {
		return session.Session{}, err
	}

	user, err := c.Me(ctx, sess)
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		if cerr := files.Clear(); cerr != nil {
			c.logger.Warn("clear session failed", "error", cerr)
		}
		return session.Session{}, err
	case err != nil:
		// 服务端暂时不可用时沿用本地会话，由长连接自行重试
		c.logger.Warn("verify session failed, using saved session", "error", err)
		return sess, nil
	}

	sess.User = user
	return sess, nil
}
