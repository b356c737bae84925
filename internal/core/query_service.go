package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/pathlens/caseserver/internal/store"
)

const (
	// UpstreamErrorPrefix marks a model failure surfaced on the normal
	// response channel instead of as a transport fault.
	UpstreamErrorPrefix = "LLM error: "

	docsSystemInstruction = "You are a medical summarizer."
)

// QueryService orchestrates LLM queries: it serializes them per user through
// the dispatcher, assembles the message payload and issues the model call.
type QueryService struct {
	dbStore    *store.SQLiteStore
	assembler  *Assembler
	resolver   ContentResolver
	model      ModelClient
	dispatcher *Dispatcher
}

func NewQueryService(db *store.SQLiteStore, assembler *Assembler, resolver ContentResolver, model ModelClient) *QueryService {
	return &QueryService{
		dbStore:    db,
		assembler:  assembler,
		resolver:   resolver,
		model:      model,
		dispatcher: NewDispatcher(),
	}
}

// SubmitQuery runs a query as the user's single in-flight computation. A
// query already running for the same user is cancelled and resolves to a
// cancellation result. Model failures come back as response text with
// UpstreamErrorPrefix; assembly errors (ErrInvalidRequest,
// ErrNoValidContent) propagate to the caller.
func (s *QueryService) SubmitQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := s.dbStore.EnsureCase(ctx, req.CaseID, req.UserID); err != nil {
		return nil, fmt.Errorf("failed to ensure case: %w", err)
	}

	return s.dispatcher.Dispatch(ctx, req.UserID, func(qctx context.Context) (string, error) {
		msgs, err := s.assembler.Assemble(qctx, req)
		if err != nil {
			return "", err
		}

		if err := qctx.Err(); err != nil {
			return "", err
		}
		response, err := s.model.Complete(qctx, msgs, req.MaxTokens)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return "", err
			}
			log.Printf("Model call failed for user %s, case %s: %v", req.UserID, req.CaseID, err)
			return UpstreamErrorPrefix + err.Error(), nil
		}
		return response, nil
	})
}

// CancelQuery requests cancellation of the user's in-flight query.
func (s *QueryService) CancelQuery(userID string) string {
	if s.dispatcher.Cancel(userID) {
		return "cancelled"
	}
	return "no active query found"
}

// SummarizeClinicalDocs generates field summaries grounded in the case's
// clinical documents: one model call with the medical-summarizer role, the
// requested fields and specimen context in the prompt, and the extracted
// document texts as additional content blocks.
func (s *QueryService) SummarizeClinicalDocs(ctx context.Context, caseID string, fields []string) (string, error) {
	cd, err := s.dbStore.GetClinicalData(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("failed to load clinical data: %w", err)
	}

	docBlocks, err := s.resolver.ResolveDocs(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve clinical documents: %w", err)
	}
	if len(docBlocks) == 0 {
		return "", ErrNoValidContent
	}

	var specimen struct {
		Summary string `json:"summary"`
		Date    string `json:"date"`
	}
	if len(cd.Specimen) > 0 {
		if err := json.Unmarshal(cd.Specimen, &specimen); err != nil {
			log.Printf("Malformed specimen JSON for case %s: %v", caseID, err)
		}
	}

	prompt := fmt.Sprintf(
		"Please take the attached clinical documents and generate thorough summaries for the "+
			"following fields: %s that are relevant to a pathology specimen: %s collected on: %s. "+
			"The output should be structured as a JSON object with the fields as keys and the values "+
			"as strings (no recursive structure). Each field value should contain relevant information "+
			"for the pathologist based on the provided documents. Include dates if they are provided, "+
			"and sort information closer to the collection date as more relevant. The actual 'summary' "+
			"field, if selected, should have an overall summary of the clinical history and all the "+
			"other fields. Do not include HIPAA identifiable information (PHI) in the output.",
		strings.Join(fields, ", "), specimen.Summary, specimen.Date)

	user := Message{Role: RoleUser, Blocks: append([]Block{TextBlock(prompt)}, docBlocks...)}
	msgs := []Message{textMessage(RoleSystem, docsSystemInstruction), user}

	return s.model.Complete(ctx, msgs, 0)
}
