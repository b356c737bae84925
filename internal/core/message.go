package core

import (
	"context"
	"errors"

	"github.com/pathlens/caseserver/internal/store"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// Block is one unit of message content: either a text span or an inline
// image. A block with non-empty Data is an image; MIME holds the image
// format ("png", "jpeg", ...).
type Block struct {
	Text string
	MIME string
	Data []byte
}

func TextBlock(text string) Block {
	return Block{Text: text}
}

func ImageBlock(format string, data []byte) Block {
	return Block{MIME: format, Data: data}
}

func (b Block) IsImage() bool {
	return len(b.Data) > 0
}

// Message is one role-tagged entry in the payload sent to the model.
type Message struct {
	Role   Role
	Blocks []Block
}

func textMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{TextBlock(text)}}
}

// ModelClient issues a single completion call against the underlying model.
type ModelClient interface {
	Complete(ctx context.Context, messages []Message, maxTokens int32) (string, error)
}

// ContentResolver turns opaque content references into inline blocks ready
// for inclusion in a model prompt.
type ContentResolver interface {
	// ResolveImages resolves image filenames for a case into image blocks.
	// References that cannot be resolved are skipped; the returned slice may
	// be empty.
	ResolveImages(ctx context.Context, caseID string, imageIDs []string) ([]Block, error)
	// ResolveDocs resolves a case's clinical documents into text blocks.
	ResolveDocs(ctx context.Context, caseID string) ([]Block, error)
}

var (
	// ErrInvalidRequest marks a query with neither a prompt nor content
	// references. This is a caller error.
	ErrInvalidRequest = errors.New("query has no prompt and no content")

	// ErrNoValidContent marks a query whose content references resolved to
	// zero usable blocks.
	ErrNoValidContent = errors.New("no valid content resolved")

	// ErrSummarizationFailed marks a failed history summarization attempt.
	// It is recovered locally: the query proceeds with the uncompacted turns.
	ErrSummarizationFailed = errors.New("history summarization failed")
)

// QueryRequest is a normalized LLM query.
type QueryRequest struct {
	UserID              string
	CaseID              string
	Prompt              string
	ImageIDs            []string
	IncludeClinicalData bool
	IncludeHistory      bool
	FilterHistoryByUser bool
	MaxTokens           int32
}

// replayTurns renders stored history turns as alternating user/model
// messages in conversation order.
func replayTurns(turns []store.HistoryTurn) []Message {
	msgs := make([]Message, 0, 2*len(turns))
	for _, t := range turns {
		msgs = append(msgs, textMessage(RoleUser, t.Prompt))
		msgs = append(msgs, textMessage(RoleModel, t.Response))
	}
	return msgs
}
