package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/pathlens/caseserver/internal/store"
)

const (
	summarySystemInstruction = "You are a concise medical conversation summarizer. " +
		"Summarize the provided pathology assistant exchanges in at most 400 words, " +
		"preserving diagnoses, findings, specimen details and open questions. " +
		"Return only the summary text with no preamble or extra commentary."

	summaryMaxOutputTokens = 600
)

// Summarizer compresses a slice of history turns into prose via a single
// model call. It makes exactly one attempt; failures surface to the caller.
type Summarizer struct {
	model ModelClient
}

func NewSummarizer(model ModelClient) *Summarizer {
	return &Summarizer{model: model}
}

// Summarize renders the turns as prompt:/response: pairs in order and sends
// them as one user message.
func (s *Summarizer) Summarize(ctx context.Context, turns []store.HistoryTurn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("no turns to summarize")
	}

	var b strings.Builder
	for _, t := range turns {
		b.WriteString("prompt: ")
		b.WriteString(t.Prompt)
		b.WriteString("\nresponse: ")
		b.WriteString(t.Response)
		b.WriteString("\n\n")
	}

	msgs := []Message{
		textMessage(RoleSystem, summarySystemInstruction),
		textMessage(RoleUser, b.String()),
	}
	summary, err := s.model.Complete(ctx, msgs, summaryMaxOutputTokens)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}
	return strings.TrimSpace(summary), nil
}
