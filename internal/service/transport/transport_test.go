package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	"github.com/zhouzirui/coach-chat/client/internal/model/wire"
)

func TestBackoffBoundAndReset(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for i, w := range want {
		got := b.Next()
		if got != w*time.Second {
			t.Fatalf("attempt %d: got %v want %v", i, got, w*time.Second)
		}
		if got > 60*time.Second {
			t.Fatalf("delay exceeded cap: %v", got)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected base delay after reset, got %v", got)
	}
}

func TestBackoffNeverExceedsCap(t *testing.T) {
	b := NewBackoff(300*time.Millisecond, 5*time.Second)
	for i := 0; i < 100; i++ {
		if d := b.Next(); d > 5*time.Second {
			t.Fatalf("attempt %d exceeded cap: %v", i, d)
		}
	}
}

// wsServer 记录每个连接收到的帧。
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	frames   chan string
	accepted atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
	// onConnect 在连接建立后执行，返回 false 时服务端立即断开。
	onConnect func(n int32, conn *websocket.Conn) bool
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{frames: make(chan string, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path {
			http.NotFound(w, r)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := s.accepted.Add(1)

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		if s.onConnect != nil && !s.onConnect(n, conn) {
			conn.Close()
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.frames <- string(data)
		}
	}))
	t.Cleanup(s.close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + Path
}

func (s *wsServer) close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

func (s *wsServer) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func newTestTransport(url string, handler Handler) *Transport {
	return New(Options{
		URL:          url,
		Session:      session.Session{Token: "secret"},
		BackoffBase:  10 * time.Millisecond,
		BackoffMax:   40 * time.Millisecond,
		PingInterval: time.Second,
	}, handler)
}

func noopHandler() Handler {
	return HandlerFunc(func(context.Context, []byte) error { return nil })
}

func TestQueueFlushedInOrderAfterAuth(t *testing.T) {
	srv := newWSServer(t)
	tr := newTestTransport(srv.url(), noopHandler())
	defer tr.Close()

	ops := []wire.Operation{
		wire.MarkRead{ID: "a"},
		wire.SendMessage{ID: "a", Index: 1},
		wire.LoadChat{ID: "b"},
	}
	for _, op := range ops {
		if err := tr.Send(op); err != nil {
			t.Fatalf("Send err: %v", err)
		}
	}
	if got := tr.Status().Queued; got != 3 {
		t.Fatalf("expected 3 queued operations, got %d", got)
	}

	tr.Start()

	var auth wire.AuthFrame
	if err := json.Unmarshal([]byte(srv.next(t)), &auth); err != nil || auth.Token != "secret" {
		t.Fatalf("expected auth frame first, got %+v (%v)", auth, err)
	}

	for i, op := range ops {
		op2, err := wire.DecodeOperation([]byte(srv.next(t)))
		if err != nil {
			t.Fatalf("frame %d decode err: %v", i, err)
		}
		if op2 != op {
			t.Fatalf("frame %d: got %#v want %#v", i, op2, op)
		}
	}

	if err := tr.Send(wire.IntroductionSeen{ID: "c"}); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	op, _ := wire.DecodeOperation([]byte(srv.next(t)))
	if op != (wire.IntroductionSeen{ID: "c"}) {
		t.Fatalf("unexpected live frame: %#v", op)
	}
}

func TestSendRejectsInvalidOperation(t *testing.T) {
	tr := newTestTransport("ws://127.0.0.1:1"+Path, noopHandler())
	defer tr.Close()

	if err := tr.Send(wire.RateFeedback{ID: "a", Index: 0, Rating: 9}); err == nil {
		t.Fatal("expected validation error")
	}
	if tr.Status().Queued != 0 {
		t.Fatal("invalid operation must not be queued")
	}
}

func TestReconnectsAndReauthenticates(t *testing.T) {
	srv := newWSServer(t)
	srv.onConnect = func(n int32, conn *websocket.Conn) bool {
		if n == 1 {
			// 读取鉴权帧后断开第一条连接
			if _, data, err := conn.ReadMessage(); err == nil {
				srv.frames <- string(data)
			}
			return false
		}
		return true
	}

	var statuses []Status
	var mu sync.Mutex
	tr := New(Options{
		URL:          srv.url(),
		Session:      session.Session{Token: "secret"},
		BackoffBase:  10 * time.Millisecond,
		BackoffMax:   40 * time.Millisecond,
		PingInterval: time.Second,
		OnStatus: func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	}, noopHandler())
	defer tr.Close()
	tr.Start()

	first := srv.next(t)
	second := srv.next(t)
	if !strings.Contains(first, "secret") || !strings.Contains(second, "secret") {
		t.Fatalf("expected auth frame on both connections, got %q and %q", first, second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !tr.Status().Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st := tr.Status()
	if !st.Connected || st.Attempt != 0 {
		t.Fatalf("expected connected status with reset attempts, got %+v", st)
	}

	mu.Lock()
	defer mu.Unlock()
	sawReconnect := false
	for _, s := range statuses {
		if !s.Connected && s.Attempt > 0 {
			sawReconnect = true
		}
	}
	if !sawReconnect {
		t.Fatalf("expected a reconnecting status, got %+v", statuses)
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	srv := newWSServer(t)
	srv.onConnect = func(int32, *websocket.Conn) bool { return false }

	tr := New(Options{
		URL:          srv.url(),
		Session:      session.Session{Token: "secret"},
		BackoffBase:  50 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
		PingInterval: time.Second,
	}, noopHandler())
	tr.Start()

	deadline := time.Now().Add(2 * time.Second)
	for srv.accepted.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// 等待重连计时器被安排
	time.Sleep(20 * time.Millisecond)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close err: %v", err)
	}

	seen := srv.accepted.Load()
	time.Sleep(200 * time.Millisecond)
	if got := srv.accepted.Load(); got != seen {
		t.Fatalf("reconnected after Close: %d -> %d", seen, got)
	}

	if err := tr.Send(wire.MarkRead{ID: "a"}); err == nil {
		t.Fatal("expected Send after Close to fail")
	}
}

func TestInboundFramesReachHandler(t *testing.T) {
	srv := newWSServer(t)
	srv.onConnect = func(_ int32, conn *websocket.Conn) bool {
		frame, _ := wire.EncodeInbound(wire.SuggestionsReady{ID: "a"})
		conn.WriteMessage(websocket.TextMessage, frame)
		return true
	}

	got := make(chan []byte, 1)
	tr := newTestTransport(srv.url(), HandlerFunc(func(_ context.Context, data []byte) error {
		got <- data
		return nil
	}))
	defer tr.Close()
	tr.Start()

	select {
	case data := <-got:
		ev, err := wire.DecodeInbound(data)
		if err != nil {
			t.Fatalf("DecodeInbound err: %v", err)
		}
		if ev.Type() != wire.TypeSuggestionsReady {
			t.Fatalf("unexpected event: %s", ev.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

var errBrokenPipe = errors.New("broken pipe")

// flakyConn 从第 failAt 个 websocket 帧起写入失败，broken 置位后所有帧写入失败。握手请求不计数。
type flakyConn struct {
	net.Conn
	failAt int32
	frames atomic.Int32
	broken atomic.Bool
}

func (c *flakyConn) Write(p []byte) (int, error) {
	if bytes.HasPrefix(p, []byte("GET ")) {
		return c.Conn.Write(p)
	}
	n := c.frames.Add(1)
	if c.broken.Load() || (c.failAt > 0 && n >= c.failAt) {
		return 0, errBrokenPipe
	}
	return c.Conn.Write(p)
}

// flakyDialer 按拨号顺序给每条连接配置 failAt。
type flakyDialer struct {
	failAt []int32

	mu    sync.Mutex
	conns []*flakyConn
}

func (d *flakyDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := &flakyConn{Conn: conn}
	if n := len(d.conns); n < len(d.failAt) {
		fc.failAt = d.failAt[n]
	}
	d.conns = append(d.conns, fc)
	return fc, nil
}

func (d *flakyDialer) conn(i int) *flakyConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func waitConnected(t *testing.T, tr *Transport) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !tr.Status().Connected {
		if time.Now().After(deadline) {
			t.Fatal("transport never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectOps(t *testing.T, srv *wsServer, want ...wire.Operation) {
	t.Helper()
	for i, w := range want {
		got, err := wire.DecodeOperation([]byte(srv.next(t)))
		if err != nil {
			t.Fatalf("frame %d decode err: %v", i, err)
		}
		if got != w {
			t.Fatalf("frame %d: got %#v want %#v", i, got, w)
		}
	}
}

func expectAuth(t *testing.T, srv *wsServer) {
	t.Helper()
	var auth wire.AuthFrame
	if err := json.Unmarshal([]byte(srv.next(t)), &auth); err != nil || auth.Token != "secret" {
		t.Fatalf("expected auth frame, got %+v (%v)", auth, err)
	}
}

func TestFailedSendRequeuedAtFront(t *testing.T) {
	srv := newWSServer(t)
	d := &flakyDialer{}
	tr := New(Options{
		URL:          srv.url(),
		Session:      session.Session{Token: "secret"},
		BackoffBase:  200 * time.Millisecond,
		BackoffMax:   200 * time.Millisecond,
		PingInterval: time.Second,
		Dialer:       &websocket.Dialer{NetDialContext: d.dial},
	}, noopHandler())
	defer tr.Close()
	tr.Start()

	expectAuth(t, srv)
	waitConnected(t, tr)
	d.conn(0).broken.Store(true)

	failed := wire.MarkRead{ID: "a"}
	later := wire.LoadChat{ID: "b"}
	if err := tr.Send(failed); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if got := tr.Status().Queued; got != 1 {
		t.Fatalf("expected failed write to be queued, got %d", got)
	}
	if err := tr.Send(later); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if got := tr.Status().Queued; got != 2 {
		t.Fatalf("expected 2 queued operations, got %d", got)
	}

	expectAuth(t, srv)
	expectOps(t, srv, failed, later)
}

func TestFailedFlushKeepsQueueHead(t *testing.T) {
	srv := newWSServer(t)
	// 第一条连接：鉴权帧和第一个操作写出，第二个操作写入失败
	d := &flakyDialer{failAt: []int32{3}}

	var mu sync.Mutex
	var queuedWhileConnected []int
	tr := New(Options{
		URL:          srv.url(),
		Session:      session.Session{Token: "secret"},
		BackoffBase:  100 * time.Millisecond,
		BackoffMax:   100 * time.Millisecond,
		PingInterval: time.Second,
		Dialer:       &websocket.Dialer{NetDialContext: d.dial},
		OnStatus: func(s Status) {
			if s.Connected {
				mu.Lock()
				queuedWhileConnected = append(queuedWhileConnected, s.Queued)
				mu.Unlock()
			}
		},
	}, noopHandler())
	defer tr.Close()

	ops := []wire.Operation{
		wire.MarkRead{ID: "a"},
		wire.SendMessage{ID: "a", Index: 1},
		wire.LoadChat{ID: "b"},
	}
	for _, op := range ops {
		if err := tr.Send(op); err != nil {
			t.Fatalf("Send err: %v", err)
		}
	}
	tr.Start()

	expectAuth(t, srv)
	expectOps(t, srv, ops[0])
	expectAuth(t, srv)
	expectOps(t, srv, ops[1:]...)

	deadline := time.Now().Add(2 * time.Second)
	for tr.Status().Queued != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained: %+v", tr.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(queuedWhileConnected) == 0 || queuedWhileConnected[0] != 2 {
		t.Fatalf("expected 2 operations left after the failed flush, got %v", queuedWhileConnected)
	}
}
