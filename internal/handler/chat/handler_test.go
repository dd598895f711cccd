package chat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	"github.com/zhouzirui/coach-chat/client/internal/model/wire"
	chatservice "github.com/zhouzirui/coach-chat/client/internal/service/chat"
	"github.com/zhouzirui/coach-chat/client/internal/service/store"
)

type fakeSender struct {
	mu  sync.Mutex
	ops []wire.Operation
}

func (f *fakeSender) Send(op wire.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeSender) types() []wire.OperationType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.OperationType
	for _, op := range f.ops {
		out = append(out, op.Type())
	}
	return out
}

func setupRouter() (*chi.Mux, *store.Store, *fakeSender) {
	st := store.New()
	sender := &fakeSender{}
	sess := session.Session{Token: "tok", User: session.User{ID: "u1", Name: "Ana"}}
	chatSvc := chatservice.NewService(st, sender, sess)
	handler := New(chatSvc, st)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, st, sender
}

func problem(text string) *string { return &text }

func seed(st *store.Store) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	st.Upsert(chat.ChatDetail{
		Header: chat.Header{
			ID:          "a",
			Agent:       "Sam",
			LastUpdated: base,
			Options:     chat.Options{FeedbackMode: chat.FeedbackOnSuggestion},
			Suggestions: []chat.Suggestion{
				{Message: "Sounds great"},
				{Message: "Whatever", Problem: problem("Dismissive tone")},
			},
		},
		Messages: chat.History{
			chat.Message{Sender: "Sam", Content: "Hi", CreatedAt: base},
			chat.InChatFeedback{Feedback: chat.Feedback{Title: "Good", Body: "Warm"}, CreatedAt: base},
		},
	})
	st.Upsert(chat.ChatSummary{Header: chat.Header{ID: "b", Agent: "Kim", LastUpdated: base.Add(time.Hour)}})
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestContactsOrderedByLastUpdated(t *testing.T) {
	r, st, _ := setupRouter()
	seed(st)

	resp := do(r, http.MethodGet, "/contacts", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var heads []chat.Header
	if err := json.NewDecoder(resp.Body).Decode(&heads); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(heads) != 2 || heads[0].ID != "b" || heads[1].ID != "a" {
		t.Fatalf("unexpected contacts: %+v", heads)
	}
}

func TestGetConversationIncludesProgress(t *testing.T) {
	r, st, _ := setupRouter()
	seed(st)

	resp := do(r, http.MethodGet, "/conversations/a/", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var view struct {
		Loaded   bool          `json:"loaded"`
		Progress *ProgressView `json:"progress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if !view.Loaded || view.Progress == nil || view.Progress.Percent != 13 {
		t.Fatalf("unexpected view: %+v", view)
	}

	if resp := do(r, http.MethodGet, "/conversations/missing/", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSendGatedSuggestionReturnsConflict(t *testing.T) {
	r, st, sender := setupRouter()
	seed(st)

	resp := do(r, http.MethodPost, "/conversations/a/messages", map[string]int{"index": 1})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	var result chatservice.SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if !result.Rejected || result.Reason != "Dismissive tone" {
		t.Fatalf("unexpected result: %+v", result)
	}
	for _, typ := range sender.types() {
		if typ == wire.OpSendMessage {
			t.Fatal("gated suggestion must not be sent")
		}
	}

	resp = do(r, http.MethodPost, "/conversations/a/messages", map[string]int{"index": 0})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestSendSelectedWithoutSelection(t *testing.T) {
	r, st, _ := setupRouter()
	seed(st)

	if resp := do(r, http.MethodPost, "/conversations/a/messages", nil); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	if resp := do(r, http.MethodPost, "/conversations/a/suggestions/0/select", nil); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	if resp := do(r, http.MethodPost, "/conversations/a/messages", nil); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for selected suggestion, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestRateFeedback(t *testing.T) {
	r, st, _ := setupRouter()
	seed(st)

	if resp := do(r, http.MethodPut, "/conversations/a/feedback/1/rating", map[string]int{"rating": 4}); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp := do(r, http.MethodPut, "/conversations/a/feedback/0/rating", map[string]int{"rating": 4}); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a message index, got %d", resp.Code)
	}
	if resp := do(r, http.MethodPut, "/conversations/a/feedback/1/rating", map[string]int{"rating": 9}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range rating, got %d", resp.Code)
	}
	if resp := do(r, http.MethodPut, "/conversations/a/feedback/x/rating", map[string]int{"rating": 4}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad index, got %d", resp.Code)
	}
}

func TestCheckpointWithoutRequest(t *testing.T) {
	r, st, _ := setupRouter()
	seed(st)

	body := map[string]any{"ratings": map[string]int{"helpful": 5, "enjoyable": 6}}
	if resp := do(r, http.MethodPost, "/conversations/a/checkpoint", body); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestCreateConversation(t *testing.T) {
	r, _, sender := setupRouter()

	if resp := do(r, http.MethodPost, "/conversations", nil); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	types := sender.types()
	if len(types) != 1 || types[0] != wire.OpCreateChat {
		t.Fatalf("expected create-chat, got %v", types)
	}
}
