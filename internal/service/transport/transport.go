package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	"github.com/zhouzirui/coach-chat/client/internal/model/wire"
	"github.com/zhouzirui/coach-chat/client/pkg/utils"
)

// Path 会话同步长连接的路径。
const Path = "/conversations/ws"

// Handler 处理服务端推送的一帧数据，按到达顺序在同一个 goroutine 中调用。
type Handler interface {
	HandleFrame(ctx context.Context, data []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, data []byte) error

func (f HandlerFunc) HandleFrame(ctx context.Context, data []byte) error { return f(ctx, data) }

// Status 连接状态快照，用于展示"重连中"提示。
type Status struct {
	Connected bool          `json:"connected"`
	Error     bool          `json:"error"`
	LastError string        `json:"last_error,omitempty"`
	Attempt   int           `json:"attempt"`
	NextDelay time.Duration `json:"next_delay"`
	Queued    int           `json:"queued"`
}

// Options 长连接配置。
type Options struct {
	URL              string
	Session          session.Session
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
	OnStatus         func(Status)
	Dialer           *websocket.Dialer
}

func (o *Options) applyDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout}
	}
}

type frame struct {
	kind wire.OperationType
	data []byte
}

// Transport 维护一条到服务端的长连接：鉴权、断线重连、离线排队。
type Transport struct {
	opts    Options
	handler Handler
	logger  *slog.Logger
	backoff *Backoff

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	queue     []frame
	status    Status
	reconnect *utils.Task
	started   bool
	closed    bool
}

// New 创建 Transport，调用 Start 之后才会建立连接。
func New(opts Options, handler Handler) *Transport {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.With("component", "transport"),
		backoff: NewBackoff(opts.BackoffBase, opts.BackoffMax),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 发起第一次连接。重复调用无效。
func (t *Transport) Start() {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.connect()
}

// Send 连接可用时直接写出，否则追加到队列末尾。校验失败的操作直接返回错误，不入队。
func (t *Transport) Send(op wire.Operation) error {
	data, err := wire.EncodeOperation(op)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrClosed
	}

	f := frame{kind: op.Type(), data: data}
	if t.conn == nil || len(t.queue) > 0 {
		t.queue = append(t.queue, f)
		t.status.Queued = len(t.queue)
		t.mu.Unlock()
		t.logger.Debug("operation queued", "type", f.kind, "queued", len(t.queue))
		return nil
	}

	conn := t.conn
	if err := t.write(conn, f.data); err != nil {
		t.queue = append([]frame{f}, t.queue...)
		t.status.Queued = len(t.queue)
		t.mu.Unlock()
		t.logger.Warn("write failed, operation requeued", "type", f.kind, "error", err)
		conn.Close()
		return nil
	}
	t.mu.Unlock()
	return nil
}

// Status 返回当前连接状态。
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Close 取消重连计时器并关闭连接。可重复调用。
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.reconnect.Cancel()
	t.reconnect = nil
	conn := t.conn
	t.conn = nil
	t.status.Connected = false
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// connect 建立单次连接，成功后阻塞在读循环中直到断开。
func (t *Transport) connect() {
	connID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Connection-Id", connID)

	conn, _, err := t.opts.Dialer.DialContext(t.ctx, t.opts.URL, header)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("websocket dial failed", "conn_id", connID, "error", err)
		t.markError(err)
		t.scheduleReconnect()
		return
	}

	if err := t.open(conn); err != nil {
		conn.Close()
		if errors.Is(err, domain.ErrClosed) {
			return
		}
		t.logger.Warn("websocket open failed", "conn_id", connID, "error", err)
		t.markError(err)
		t.scheduleReconnect()
		return
	}

	t.logger.Info("websocket connected", "conn_id", connID, "url", t.opts.URL)
	t.emitStatus()

	go t.pingLoop(t.ctx, conn)
	err = t.readLoop(conn)

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.status.Connected = false
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.logger.Warn("websocket closed with error", "conn_id", connID, "error", err)
		t.markError(err)
	} else {
		t.logger.Info("websocket closed", "conn_id", connID)
		t.emitStatus()
	}
	t.scheduleReconnect()
}

// open 发送鉴权帧并按入队顺序冲刷队列。持锁执行，期间的 Send 会排在队列之后。
func (t *Transport) open(conn *websocket.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return domain.ErrClosed
	}

	auth, err := json.Marshal(wire.AuthFrame{Token: t.opts.Session.Token})
	if err != nil {
		return fmt.Errorf("encode auth frame: %w", err)
	}
	if err := t.write(conn, auth); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}

	t.conn = conn
	t.backoff.Reset()
	t.status.Connected = true
	t.status.Error = false
	t.status.LastError = ""
	t.status.Attempt = 0
	t.status.NextDelay = 0

	for len(t.queue) > 0 {
		f := t.queue[0]
		if err := t.write(conn, f.data); err != nil {
			// 队首保留，连接关闭后重连时重新冲刷
			t.logger.Warn("flush failed", "type", f.kind, "error", err)
			conn.Close()
			break
		}
		t.queue = t.queue[1:]
	}
	t.status.Queued = len(t.queue)
	return nil
}

func (t *Transport) write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	readTimeout := 2 * t.opts.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := t.handler.HandleFrame(t.ctx, data); err != nil {
			if domain.IsProtocolViolation(err) {
				t.logger.Error("inbound frame rejected", "error", err)
			} else {
				t.logger.Warn("inbound frame failed", "error", err)
			}
		}
	}
}

// pingLoop 定期发送 ping，WriteControl 可与其他写操作并发调用。
func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (t *Transport) markError(err error) {
	t.mu.Lock()
	t.status.Error = true
	t.status.LastError = err.Error()
	t.mu.Unlock()
	t.emitStatus()
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delay := t.backoff.Next()
	t.status.Attempt++
	t.status.NextDelay = delay
	t.reconnect = utils.Schedule(delay, t.connect)
	attempt := t.status.Attempt
	t.mu.Unlock()

	t.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	t.emitStatus()
}

func (t *Transport) emitStatus() {
	if t.opts.OnStatus == nil {
		return
	}
	t.opts.OnStatus(t.Status())
}
