package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/pathlens/caseserver/internal/store"
)

const defaultSystemInstruction = "You are an AI assistant helping a pathologist review " +
	"microscope images and clinical context for a case. Base your answers on the supplied " +
	"images, clinical data and conversation history. If the provided material is " +
	"insufficient to answer, say so rather than speculating."

// Assembler builds the ordered message list for a query: system context,
// prior history (compacted when over budget), then the live user message.
type Assembler struct {
	store      *store.SQLiteStore
	resolver   ContentResolver
	summarizer *Summarizer
	threshold  int
}

func NewAssembler(st *store.SQLiteStore, resolver ContentResolver, summarizer *Summarizer, threshold int) *Assembler {
	return &Assembler{
		store:      st,
		resolver:   resolver,
		summarizer: summarizer,
		threshold:  threshold,
	}
}

// Assemble produces the message list for req. It returns ErrInvalidRequest
// when the request carries neither a prompt nor content references, and
// ErrNoValidContent when references were given but none resolved.
func (a *Assembler) Assemble(ctx context.Context, req QueryRequest) ([]Message, error) {
	if req.Prompt == "" && len(req.ImageIDs) == 0 {
		return nil, ErrInvalidRequest
	}

	var blocks []Block
	if len(req.ImageIDs) > 0 {
		resolved, err := a.resolver.ResolveImages(ctx, req.CaseID, req.ImageIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve content references: %w", err)
		}
		if len(resolved) == 0 {
			return nil, ErrNoValidContent
		}
		blocks = resolved
	}

	var msgs []Message
	systemText := defaultSystemInstruction
	if req.IncludeClinicalData {
		cd, err := a.store.GetClinicalData(ctx, req.CaseID)
		if err != nil {
			return nil, fmt.Errorf("failed to load clinical data: %w", err)
		}
		systemText = defaultSystemInstruction + "\n\nClinical context for this case:\n" + renderClinicalData(cd)
	}
	msgs = append(msgs, textMessage(RoleSystem, systemText))

	if req.IncludeHistory {
		userFilter := ""
		if req.FilterHistoryByUser {
			userFilter = req.UserID
		}
		turns, err := a.store.LoadHistory(ctx, req.CaseID, userFilter)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		turns = a.compactHistory(ctx, req, turns)
		msgs = append(msgs, replayTurns(turns)...)
	}

	live := Message{Role: RoleUser}
	if req.Prompt != "" {
		live.Blocks = append(live.Blocks, TextBlock(req.Prompt))
	}
	live.Blocks = append(live.Blocks, blocks...)
	msgs = append(msgs, live)

	return msgs, nil
}

// compactHistory applies the compaction policy to turns and, when a prefix
// is selected, summarizes and replaces it in the store. Summarization is
// best-effort: on failure the uncompacted turns are returned unchanged.
func (a *Assembler) compactHistory(ctx context.Context, req QueryRequest, turns []store.HistoryTurn) []store.HistoryTurn {
	k := compactionSplit(turns, a.threshold)
	if k == 0 {
		return turns
	}

	summary, err := a.summarizer.Summarize(ctx, turns[:k])
	if err != nil {
		log.Printf("History summarization failed for case %s, replaying %d turns verbatim: %v", req.CaseID, len(turns), err)
		return turns
	}

	summaryTurn, err := a.store.ReplaceTurns(ctx, req.CaseID, req.UserID, turns[:k], summary)
	if err != nil {
		log.Printf("Failed to replace compacted turns for case %s: %v", req.CaseID, err)
		return turns
	}
	log.Printf("Compacted %d history turns for case %s into one summary turn", k, req.CaseID)
	return append([]store.HistoryTurn{*summaryTurn}, turns[k:]...)
}

// compactionSplit decides how many leading turns to compact. For each index
// the suffix weight sum is compared against the threshold; the split point k
// is the first index whose suffix fits, so the most recent turns are kept
// verbatim within budget and only the stale prefix is compacted. If no
// suffix fits, everything is compacted. A prefix whose own weight is below
// the threshold is not worth a summarization call, so the split resets to 0.
func compactionSplit(turns []store.HistoryTurn, threshold int) int {
	n := len(turns)
	k := n
	suffix := 0
	for i := n - 1; i >= 0; i-- {
		suffix += turns[i].Weight()
		if suffix <= threshold {
			k = i
		}
	}

	prefixWeight := 0
	for _, t := range turns[:k] {
		prefixWeight += t.Weight()
	}
	if prefixWeight < threshold {
		return 0
	}
	return k
}

// renderClinicalData flattens the clinical snapshot into one text
// representation for the system message.
func renderClinicalData(cd *store.ClinicalData) string {
	var b strings.Builder

	var specimen struct {
		Summary string `json:"summary"`
		Date    string `json:"date"`
	}
	if err := json.Unmarshal(cd.Specimen, &specimen); err == nil && specimen.Summary != "" {
		b.WriteString("Specimen: ")
		b.WriteString(specimen.Summary)
		if specimen.Date != "" {
			b.WriteString(" (collected ")
			b.WriteString(specimen.Date)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("Summary: " + cd.Summary + "\n")
	b.WriteString("Procedure: " + cd.Procedure + "\n")
	b.WriteString("Prior pathology: " + cd.Pathology + "\n")
	b.WriteString("Imaging: " + cd.Imaging + "\n")
	b.WriteString("Labs: " + cd.Labs)
	return b.String()
}
