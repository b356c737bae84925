package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pathlens/caseserver/internal/store"
)

func newTestQueryService(t *testing.T, model ModelClient, resolver ContentResolver) (*QueryService, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	assembler := NewAssembler(st, resolver, NewSummarizer(model), 8000)
	return NewQueryService(st, assembler, resolver, model), st
}

func TestSubmitQueryReturnsModelResponse(t *testing.T) {
	model := &fakeModel{respond: func(msgs []Message) (string, error) {
		return "the tissue shows normal morphology", nil
	}}
	qs, st := newTestQueryService(t, model, &fakeResolver{})

	res, err := qs.SubmitQuery(context.Background(), QueryRequest{
		UserID: "alice",
		CaseID: "2025-06-01--01",
		Prompt: "describe the tissue",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Cancelled || res.Response != "the tissue shows normal morphology" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The query must have ensured the case exists.
	cases, err := st.ListCases(context.Background(), "alice")
	if err != nil {
		t.Fatalf("failed to list cases: %v", err)
	}
	if len(cases) != 1 || cases[0] != "2025-06-01--01" {
		t.Fatalf("case not ensured: %v", cases)
	}
}

func TestSubmitQueryModelErrorSurfacesAsText(t *testing.T) {
	model := &fakeModel{respond: func(msgs []Message) (string, error) {
		return "", errors.New("rate limited")
	}}
	qs, _ := newTestQueryService(t, model, &fakeResolver{})

	res, err := qs.SubmitQuery(context.Background(), QueryRequest{
		UserID: "alice",
		CaseID: "2025-06-01--01",
		Prompt: "describe the tissue",
	})
	if err != nil {
		t.Fatalf("model failure must not be a transport fault: %v", err)
	}
	if !strings.HasPrefix(res.Response, UpstreamErrorPrefix) {
		t.Fatalf("model error not marked on the response channel: %q", res.Response)
	}
}

func TestSubmitQueryInvalidRequest(t *testing.T) {
	qs, _ := newTestQueryService(t, &fakeModel{}, &fakeResolver{})
	_, err := qs.SubmitQuery(context.Background(), QueryRequest{
		UserID: "alice",
		CaseID: "2025-06-01--01",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSubmitQueryNoValidContent(t *testing.T) {
	qs, _ := newTestQueryService(t, &fakeModel{}, &fakeResolver{})
	_, err := qs.SubmitQuery(context.Background(), QueryRequest{
		UserID:   "alice",
		CaseID:   "2025-06-01--01",
		ImageIDs: []string{"Image 01.png"},
	})
	if !errors.Is(err, ErrNoValidContent) {
		t.Fatalf("expected ErrNoValidContent, got %v", err)
	}
}

func TestSubmitQuerySupersedes(t *testing.T) {
	started := make(chan struct{})
	model := &fakeModel{respond: func(msgs []Message) (string, error) {
		return "fast answer", nil
	}}
	qs, _ := newTestQueryService(t, model, &fakeResolver{})

	slowModel := func(ctx context.Context) (*QueryResult, error) {
		return qs.dispatcher.Dispatch(ctx, "alice", func(qctx context.Context) (string, error) {
			close(started)
			<-qctx.Done()
			return "", qctx.Err()
		})
	}

	firstDone := make(chan *QueryResult, 1)
	go func() {
		res, err := slowModel(context.Background())
		if err != nil {
			t.Errorf("slow query failed: %v", err)
		}
		firstDone <- res
	}()

	<-started
	second, err := qs.SubmitQuery(context.Background(), QueryRequest{
		UserID: "alice",
		CaseID: "2025-06-01--01",
		Prompt: "quick question",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	first := <-firstDone
	if !first.Cancelled {
		t.Fatalf("superseded query not cancelled: %+v", first)
	}
	if second.Response != "fast answer" {
		t.Fatalf("superseding query result: %+v", second)
	}
	if qs.CancelQuery("alice") != "no active query found" {
		t.Fatal("registry should be empty after both queries settled")
	}
}

func TestCancelQueryStatus(t *testing.T) {
	qs, _ := newTestQueryService(t, &fakeModel{}, &fakeResolver{})
	if got := qs.CancelQuery("nobody"); got != "no active query found" {
		t.Fatalf("got %q", got)
	}
}

func TestSummarizeClinicalDocs(t *testing.T) {
	var seenPrompt string
	model := &fakeModel{respond: func(msgs []Message) (string, error) {
		seenPrompt = msgs[len(msgs)-1].Blocks[0].Text
		return `{"summary": "unremarkable history"}`, nil
	}}
	resolver := &fakeResolver{docs: []Block{TextBlock("Document: referral (Type: txt)\npatient referred for biopsy")}}
	qs, st := newTestQueryService(t, model, resolver)

	ctx := context.Background()
	if err := st.EnsureCase(ctx, "case-1", "alice"); err != nil {
		t.Fatalf("failed to ensure case: %v", err)
	}

	out, err := qs.SummarizeClinicalDocs(ctx, "case-1", []string{"summary", "labs"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out != `{"summary": "unremarkable history"}` {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.Contains(seenPrompt, "summary, labs") {
		t.Fatalf("requested fields missing from prompt: %q", seenPrompt)
	}
}

func TestSummarizeClinicalDocsNoDocs(t *testing.T) {
	qs, _ := newTestQueryService(t, &fakeModel{}, &fakeResolver{})
	_, err := qs.SummarizeClinicalDocs(context.Background(), "case-1", []string{"summary"})
	if !errors.Is(err, ErrNoValidContent) {
		t.Fatalf("expected ErrNoValidContent, got %v", err)
	}
}
