package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pathlens/caseserver/internal/content"
	"github.com/pathlens/caseserver/internal/core"
	"github.com/pathlens/caseserver/internal/store"
)

type scriptedModel struct {
	response string
	err      error
}

func (m *scriptedModel) Complete(ctx context.Context, msgs []core.Message, maxTokens int32) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func newTestRouter(t *testing.T, model core.ModelClient) http.Handler {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	contentMgr := content.NewManager(st, filepath.Join(dir, "storage"))
	summarizer := core.NewSummarizer(model)
	assembler := core.NewAssembler(st, contentMgr, summarizer, 8000)
	queryService := core.NewQueryService(st, assembler, contentMgr, model)
	return NewRouter(NewAPIHandler(st, contentMgr, queryService), contentMgr.ImagesDir())
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestQueryLLMHappyPath(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{response: "benign appearance"})
	rec := postJSON(t, router, "/api/query-llm", map[string]any{
		"user_id": "alice",
		"case_id": "2025-06-01--01",
		"prompt":  "describe the slide",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["response"] != "benign appearance" {
		t.Fatalf("response=%q", resp["response"])
	}
}

func TestQueryLLMRequiresIdentity(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{})
	rec := postJSON(t, router, "/api/query-llm", map[string]any{"prompt": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestQueryLLMEmptyQueryRejected(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{})
	rec := postJSON(t, router, "/api/query-llm", map[string]any{
		"user_id": "alice",
		"case_id": "2025-06-01--01",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestQueryLLMUnresolvableImagesDegrade(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{response: "unused"})
	rec := postJSON(t, router, "/api/query-llm", map[string]any{
		"user_id":   "alice",
		"case_id":   "2025-06-01--01",
		"prompt":    "describe",
		"image_ids": []string{"Image 99.png"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["response"] != "No valid images found." {
		t.Fatalf("response=%q", resp["response"])
	}
}

func TestQueryLLMModelErrorOnResponseChannel(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{err: fmt.Errorf("upstream exploded")})
	rec := postJSON(t, router, "/api/query-llm", map[string]any{
		"user_id": "alice",
		"case_id": "2025-06-01--01",
		"prompt":  "describe",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["response"] != core.UpstreamErrorPrefix+"upstream exploded" {
		t.Fatalf("response=%q", resp["response"])
	}
}

func TestCancelWithoutActiveQuery(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{})
	rec := postJSON(t, router, "/api/cancel-llm-query", map[string]any{"user_id": "alice"})
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "no active query found" {
		t.Fatalf("status=%q", resp["status"])
	}
}

func TestCaptureListDeleteImageFlow(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{})
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("fake-png"))

	rec := postJSON(t, router, "/api/capture-image", map[string]any{
		"image":   payload,
		"case_id": "2025-06-01--01",
		"user_id": "alice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("capture status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, router, "/api/get-images", map[string]any{"case_id": "2025-06-01--01"})
	var listResp struct {
		Images []map[string]string `json:"images"`
		Count  int                 `json:"count"`
	}
	decodeBody(t, rec, &listResp)
	if listResp.Count != 1 || listResp.Images[0]["filename"] != "Image 01.png" {
		t.Fatalf("list response: %+v", listResp)
	}

	rec = postJSON(t, router, "/api/delete-images", map[string]any{
		"case_id":   "2025-06-01--01",
		"filenames": []string{"Image 01.png"},
	})
	decodeBody(t, rec, &listResp)
	if listResp.Count != 0 {
		t.Fatalf("delete response: %+v", listResp)
	}
}

func TestCreateAndLatestCase(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{})
	rec := postJSON(t, router, "/api/create-new-case", map[string]any{})
	var created map[string]string
	decodeBody(t, rec, &created)
	today := time.Now().UTC().Format("2006-01-02")
	if created["case_id"] != today+"--01" {
		t.Fatalf("case_id=%q", created["case_id"])
	}
}

func TestHistoryAppendAndRead(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{})
	rec := postJSON(t, router, "/api/append-llm-history", map[string]any{
		"case_id":     "case-1",
		"user_id":     "alice",
		"prompt":      "what is shown?",
		"image_count": 2,
		"response":    "a stained section",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("append status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, router, "/api/llm-history", map[string]any{"case_id": "case-1"})
	var resp struct {
		History []store.HistoryTurn `json:"history"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.History) != 1 || resp.History[0].Prompt != "what is shown?" {
		t.Fatalf("history: %+v", resp.History)
	}
}

func TestUserSettingsRoundTrip(t *testing.T) {
	router := newTestRouter(t, &scriptedModel{})
	rec := postJSON(t, router, "/api/user-settings/alice", map[string]any{"zoom": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("save status=%d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/user-settings/alice", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, req)
	var resp struct {
		Settings map[string]int `json:"settings"`
	}
	decodeBody(t, getRec, &resp)
	if resp.Settings["zoom"] != 2 {
		t.Fatalf("settings: %+v", resp.Settings)
	}
}
