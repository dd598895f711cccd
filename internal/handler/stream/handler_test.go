package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
	"github.com/zhouzirui/coach-chat/client/internal/service/transport"
)

type frame struct {
	name string
	data string
}

func readFrame(t *testing.T, sc *bufio.Scanner) frame {
	t.Helper()
	var f frame
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if f.data != "" {
				return f
			}
		case strings.HasPrefix(line, "event: "):
			f.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return f
}

func TestStreamPushesStatusAndChanges(t *testing.T) {
	st := store.New()
	status := func() transport.Status { return transport.Status{Connected: true, Queued: 2} }
	srv := httptest.NewServer(New(st, nil, status).WithHeartbeat(time.Hour))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request err: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	first := readFrame(t, sc)
	if first.name != EventStatus {
		t.Fatalf("expected status event first, got %q", first.name)
	}
	var hello Event
	if err := json.Unmarshal([]byte(first.data), &hello); err != nil {
		t.Fatalf("decode status err: %v", err)
	}
	if hello.Status == nil || !hello.Status.Connected || hello.Status.Queued != 2 {
		t.Fatalf("unexpected status frame: %s", first.data)
	}

	st.Upsert(chat.ChatSummary{Header: chat.Header{ID: "x", Agent: "Sam"}})
	got := readFrame(t, sc)
	if got.name != EventConversation {
		t.Fatalf("expected conversation event, got %q", got.name)
	}
	if !strings.Contains(got.data, `"id":"x"`) || !strings.Contains(got.data, `"created":true`) {
		t.Fatalf("unexpected payload: %s", got.data)
	}

	st.ReplaceAll(nil)
	got = readFrame(t, sc)
	if got.name != EventReplaced {
		t.Fatalf("expected replaced event, got %q", got.name)
	}
}
