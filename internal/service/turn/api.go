package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	"github.com/zhouzirui/coach-chat/client/internal/model/turn"
)

// API 逐步对话模式使用的 REST 接口。
type API interface {
	Create(ctx context.Context, stage string) (turn.Conversation, error)
	List(ctx context.Context, stage string) ([]turn.Descriptor, error)
	Get(ctx context.Context, id string) (turn.Conversation, error)
	Next(ctx context.Context, id string, opt turn.SelectOption) (turn.Step, error)
}

// APIClient 基于 net/http 的 API 实现，不做自动重试。
type APIClient struct {
	baseURL string
	client  *http.Client
	session session.Session
	logger  *slog.Logger
}

// NewAPIClient 创建客户端。client 为空时使用带超时的默认客户端。
func NewAPIClient(baseURL string, sess session.Session, client *http.Client, logger *slog.Logger) *APIClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		session: sess,
		logger:  logger.With("component", "turn-api"),
	}
}

// Create POST /conversations/?stage=…，成功返回 201。
func (c *APIClient) Create(ctx context.Context, stage string) (turn.Conversation, error) {
	var conv turn.Conversation
	err := c.do(ctx, http.MethodPost, "/conversations/", stageQuery(stage), nil, http.StatusCreated, &conv)
	return conv, err
}

// List GET /conversations/?stage=…
func (c *APIClient) List(ctx context.Context, stage string) ([]turn.Descriptor, error) {
	var list []turn.Descriptor
	if err := c.do(ctx, http.MethodGet, "/conversations/", stageQuery(stage), nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Get GET /conversations/{id}，返回完整历史和待处理状态。
func (c *APIClient) Get(ctx context.Context, id string) (turn.Conversation, error) {
	var conv turn.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, nil, http.StatusOK, &conv)
	return conv, err
}

// Next POST /conversations/{id}/next
func (c *APIClient) Next(ctx context.Context, id string, opt turn.SelectOption) (turn.Step, error) {
	if err := opt.Validate(); err != nil {
		return nil, fmt.Errorf("select option: %w", err)
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/next", nil, opt, http.StatusOK, &raw); err != nil {
		return nil, err
	}
	return turn.DecodeStep(raw)
}

func stageQuery(stage string) url.Values {
	return url.Values{"stage": []string{stage}}
}

func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, body any, want int, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", c.session.AuthHeader())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request finished", "method", method, "path", path, "status", resp.StatusCode,
		"request_id", requestID, "elapsed", time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.RequestFailure{Method: method, Path: path, Status: resp.StatusCode, Detail: errorDetail(data)}
	}
	if resp.StatusCode != want {
		return domain.Violationf("%s %s: expected status %d, got %d", method, path, want, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorDetail 提取 {"detail": ...}，取不到时返回截断的原文。
func errorDetail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && len(body.Detail) > 0 {
		var text string
		if err := json.Unmarshal(body.Detail, &text); err == nil {
			return text
		}
		return string(body.Detail)
	}

	text := strings.TrimSpace(string(data))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
