package store

import (
	"encoding/json"
	"time"
)

type User struct {
	UserID   string          `json:"user_id"`
	Settings json.RawMessage `json:"settings"`
}

type Case struct {
	CaseID  string    `json:"case_id"`
	UserID  string    `json:"user_id"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

type Image struct {
	ID       string    `json:"id"` // UUID
	CaseID   string    `json:"case_id"`
	UserID   string    `json:"user_id"`
	Filename string    `json:"filename"`
	RelPath  string    `json:"url"`
	Uploaded time.Time `json:"uploaded"`
}

// HistoryTurn is one prompt/response exchange in a case's conversation
// history. Turns are ordered by StartTS ascending; a synthetic summary turn
// produced by compaction spans the replaced range and carries the marker
// prompt, so it always sorts ahead of the turns it replaced.
type HistoryTurn struct {
	ID         string    `json:"id"` // UUID
	CaseID     string    `json:"case_id"`
	UserID     string    `json:"user_id"`
	StartTS    time.Time `json:"start_ts"`
	EndTS      time.Time `json:"end_ts"`
	Prompt     string    `json:"prompt"`
	ImageCount int       `json:"image_count"`
	Response   string    `json:"response"`
}

// Weight is the turn's contribution toward the history compaction budget.
func (t HistoryTurn) Weight() int {
	return len(t.Prompt) + len(t.Response)
}

type ClinicalData struct {
	CaseID    string          `json:"case_id"`
	Specimen  json.RawMessage `json:"specimen"`
	Summary   string          `json:"summary"`
	Procedure string          `json:"procedure"`
	Pathology string          `json:"pathology"`
	Imaging   string          `json:"imaging"`
	Labs      string          `json:"labs"`
}

type ClinicalDoc struct {
	ID       string    `json:"id"` // UUID
	CaseID   string    `json:"case_id"`
	UserID   string    `json:"user_id"`
	Title    string    `json:"title"`
	DocType  string    `json:"doc_type"` // "pdf", "docx", "txt", ...
	Location string    `json:"location"` // path relative to the clinical storage root
	Uploaded time.Time `json:"uploaded"`
}
