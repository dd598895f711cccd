package turn

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/coach-chat/client/internal/model/session"
	turnService "github.com/zhouzirui/coach-chat/client/internal/service/turn"
	"github.com/zhouzirui/coach-chat/client/pkg/utils"
)

const conversation = `{"id":"c1","stage":"level-1","agent":"Sam",
	"scenario":{"user_perspective":"u","agent_perspective":"a"},
	"state":{"waiting":true,"options":["Hi","Hello"]},"elements":[]}`

func setupRouter(t *testing.T, nextStatus int, nextBody string) *chi.Mux {
	t.Helper()
	backend := chi.NewRouter()
	backend.Get("/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, conversation)
	})
	backend.Post("/conversations/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, conversation)
	})
	backend.Post("/conversations/{id}/next", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(nextStatus)
		_, _ = io.WriteString(w, nextBody)
	})
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	sess := session.Session{Token: "tok", User: session.User{Name: "Ana"}}
	api := turnService.NewAPIClient(srv.URL, sess, srv.Client(), nil)
	seq := turnService.NewSequencer(api, sess, turnService.WithPacing(0))
	t.Cleanup(seq.Close)

	r := chi.NewRouter()
	New(seq, "level-1").RegisterRoutes(r)
	return r
}

func post(r http.Handler, path string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestStartAndSubmit(t *testing.T) {
	r := setupRouter(t, http.StatusOK, `{"type":"np","options":["Next"],"allow_custom":true}`)

	resp := post(r, "/turns/", nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = post(r, "/turns/c1/submit", map[string]int{"index": 1})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var view ThreadView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if view.Awaiting != turnService.AwaitOptions || len(view.Options) != 1 || !view.AllowCustom {
		t.Fatalf("unexpected thread: %+v", view.Thread)
	}

	if resp := post(r, "/turns/c1/continue", nil); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 with nothing to continue, got %d", resp.Code)
	}
	if resp := post(r, "/turns/c1/submit", map[string]int{"index": 5}); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for out-of-range option, got %d", resp.Code)
	}
}

func TestBadStageAndUpstreamFailure(t *testing.T) {
	r := setupRouter(t, http.StatusInternalServerError, `{"detail":"boom"}`)

	if resp := post(r, "/turns/?stage=level-9", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	if resp := post(r, "/turns/c1/open", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	resp := post(r, "/turns/c1/submit", map[string]int{"index": 0})
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	var body utils.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Upstream != http.StatusInternalServerError {
		t.Fatalf("expected upstream status in body, got %+v (%v)", body, err)
	}
	if resp := post(r, "/turns/c1/submit", map[string]string{}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without index, got %d", resp.Code)
	}
}
