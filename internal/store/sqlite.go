package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SummaryPromptMarker is the fixed prompt text of a synthetic summary turn.
const SummaryPromptMarker = "Summary of LLM history"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        user_id TEXT PRIMARY KEY,
        settings TEXT NOT NULL DEFAULT '{}'
    );

    CREATE TABLE IF NOT EXISTS cases (
        case_id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        created DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (user_id)
    );

    CREATE TABLE IF NOT EXISTS images (
        id TEXT PRIMARY KEY, -- UUID
        case_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        filename TEXT NOT NULL,
        rel_path TEXT NOT NULL,
        uploaded DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (case_id) REFERENCES cases (case_id) ON DELETE CASCADE
    );
    CREATE INDEX IF NOT EXISTS idx_images_case ON images (case_id);

    CREATE TABLE IF NOT EXISTS llm_history (
        id TEXT PRIMARY KEY, -- UUID
        case_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        start_ts DATETIME NOT NULL,
        end_ts DATETIME NOT NULL,
        prompt TEXT NOT NULL,
        image_count INTEGER NOT NULL DEFAULT 0,
        response TEXT NOT NULL,
        FOREIGN KEY (case_id) REFERENCES cases (case_id) ON DELETE CASCADE
    );
    CREATE INDEX IF NOT EXISTS idx_history_case ON llm_history (case_id);

    CREATE TABLE IF NOT EXISTS clinical_data (
        case_id TEXT PRIMARY KEY,
        specimen TEXT NOT NULL DEFAULT '{}',
        summary TEXT NOT NULL DEFAULT '',
        procedure TEXT NOT NULL DEFAULT '',
        pathology TEXT NOT NULL DEFAULT '',
        imaging TEXT NOT NULL DEFAULT '',
        labs TEXT NOT NULL DEFAULT '',
        FOREIGN KEY (case_id) REFERENCES cases (case_id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS clinical_docs (
        id TEXT PRIMARY KEY, -- UUID
        case_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        doc_type TEXT NOT NULL,
        location TEXT NOT NULL,
        uploaded DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (case_id) REFERENCES cases (case_id) ON DELETE CASCADE
    );
    CREATE INDEX IF NOT EXISTS idx_clin_docs_case ON clinical_docs (case_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO users (user_id) VALUES (?)", userID)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserSettings(ctx context.Context, userID string) (json.RawMessage, error) {
	var settings string
	err := s.db.QueryRowContext(ctx, "SELECT settings FROM users WHERE user_id = ?", userID).Scan(&settings)
	if err != nil {
		if err == sql.ErrNoRows {
			return json.RawMessage("{}"), nil
		}
		return nil, fmt.Errorf("failed to query user settings: %w", err)
	}
	return json.RawMessage(settings), nil
}

func (s *SQLiteStore) SaveUserSettings(ctx context.Context, userID string, settings json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO users (user_id, settings) VALUES (?, ?)
        ON CONFLICT (user_id) DO UPDATE SET settings = excluded.settings`,
		userID, string(settings))
	if err != nil {
		return fmt.Errorf("failed to save user settings: %w", err)
	}
	return nil
}

// Case methods

// EnsureCase creates the case (and its owner) if it does not exist yet and
// bumps the case's updated timestamp.
func (s *SQLiteStore) EnsureCase(ctx context.Context, caseID, userID string) error {
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO cases (case_id, user_id, created, updated) VALUES (?, ?, ?, ?)",
		caseID, userID, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure case: %w", err)
	}
	return s.TouchCase(ctx, caseID)
}

func (s *SQLiteStore) TouchCase(ctx context.Context, caseID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE cases SET updated = ? WHERE case_id = ?", time.Now().UTC(), caseID)
	if err != nil {
		return fmt.Errorf("failed to touch case: %w", err)
	}
	return nil
}

// NextCaseID returns the next free case id for today, formatted as
// YYYY-MM-DD--NN.
func (s *SQLiteStore) NextCaseID(ctx context.Context) (string, error) {
	today := time.Now().UTC().Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx, "SELECT case_id FROM cases WHERE case_id LIKE ?", today+"--%")
	if err != nil {
		return "", fmt.Errorf("failed to query today's cases: %w", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("failed to scan case id: %w", err)
		}
		var n int
		if _, err := fmt.Sscanf(id[strings.LastIndex(id, "--")+2:], "%d", &n); err == nil && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed iterating case ids: %w", err)
	}
	return fmt.Sprintf("%s--%02d", today, highest+1), nil
}

// LatestCase returns the most recently updated case id, or a fresh id for
// today when no cases exist yet.
func (s *SQLiteStore) LatestCase(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT case_id FROM cases ORDER BY updated DESC LIMIT 1").Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Now().UTC().Format("2006-01-02") + "--01", nil
		}
		return "", fmt.Errorf("failed to query latest case: %w", err)
	}
	return id, nil
}

// ListCases returns case ids ordered most-recently-updated first. An empty
// userID lists cases for all users.
func (s *SQLiteStore) ListCases(ctx context.Context, userID string) ([]string, error) {
	query := "SELECT case_id FROM cases ORDER BY updated DESC"
	args := []any{}
	if userID != "" {
		query = "SELECT case_id FROM cases WHERE user_id = ? ORDER BY updated DESC"
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan case row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Image methods

func (s *SQLiteStore) CreateImage(ctx context.Context, img *Image) error {
	img.ID = uuid.NewString()
	img.Uploaded = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO images (id, case_id, user_id, filename, rel_path, uploaded) VALUES (?, ?, ?, ?, ?, ?)",
		img.ID, img.CaseID, img.UserID, img.Filename, img.RelPath, img.Uploaded)
	if err != nil {
		return fmt.Errorf("failed to insert image: %w", err)
	}
	return nil
}

// ListImages returns a case's images ordered by upload time. An empty userID
// skips the per-user filter.
func (s *SQLiteStore) ListImages(ctx context.Context, caseID, userID string) ([]Image, error) {
	query := "SELECT id, case_id, user_id, filename, rel_path, uploaded FROM images WHERE case_id = ? ORDER BY uploaded ASC"
	args := []any{caseID}
	if userID != "" {
		query = "SELECT id, case_id, user_id, filename, rel_path, uploaded FROM images WHERE case_id = ? AND user_id = ? ORDER BY uploaded ASC"
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.CaseID, &img.UserID, &img.Filename, &img.RelPath, &img.Uploaded); err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *SQLiteStore) DeleteImagesByFilename(ctx context.Context, caseID string, filenames []string) error {
	if len(filenames) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(filenames))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{caseID}
	for _, f := range filenames {
		args = append(args, f)
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM images WHERE case_id = ? AND filename IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete images: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RenameImage(ctx context.Context, id, filename, relPath string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE images SET filename = ?, rel_path = ? WHERE id = ?", filename, relPath, id)
	if err != nil {
		return fmt.Errorf("failed to rename image: %w", err)
	}
	return nil
}

// History methods

// LoadHistory returns a case's turns in ascending start_ts order. An empty
// userID skips the per-user filter.
func (s *SQLiteStore) LoadHistory(ctx context.Context, caseID, userID string) ([]HistoryTurn, error) {
	query := "SELECT id, case_id, user_id, start_ts, end_ts, prompt, image_count, response FROM llm_history WHERE case_id = ? ORDER BY start_ts ASC"
	args := []any{caseID}
	if userID != "" {
		query = "SELECT id, case_id, user_id, start_ts, end_ts, prompt, image_count, response FROM llm_history WHERE case_id = ? AND user_id = ? ORDER BY start_ts ASC"
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var turns []HistoryTurn
	for rows.Next() {
		var t HistoryTurn
		if err := rows.Scan(&t.ID, &t.CaseID, &t.UserID, &t.StartTS, &t.EndTS, &t.Prompt, &t.ImageCount, &t.Response); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, turn *HistoryTurn) error {
	turn.ID = uuid.NewString()
	now := time.Now().UTC()
	if turn.StartTS.IsZero() {
		turn.StartTS = now
	}
	if turn.EndTS.IsZero() {
		turn.EndTS = now
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO llm_history (id, case_id, user_id, start_ts, end_ts, prompt, image_count, response) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		turn.ID, turn.CaseID, turn.UserID, turn.StartTS, turn.EndTS, turn.Prompt, turn.ImageCount, turn.Response)
	if err != nil {
		return fmt.Errorf("failed to insert history turn: %w", err)
	}
	return nil
}

// ReplaceTurns atomically deletes the given turns and, when summary is
// non-empty, inserts one synthetic summary turn spanning them: start_ts/end_ts
// cover the min/max of the replaced set and image_count is their sum. The
// returned turn is nil when no summary was requested.
func (s *SQLiteStore) ReplaceTurns(ctx context.Context, caseID, userID string, replaced []HistoryTurn, summary string) (*HistoryTurn, error) {
	if len(replaced) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?,", len(replaced))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{caseID}
	for _, t := range replaced {
		args = append(args, t.ID)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM llm_history WHERE case_id = ? AND id IN ("+placeholders+")", args...); err != nil {
		return nil, fmt.Errorf("failed to delete replaced turns: %w", err)
	}

	var summaryTurn *HistoryTurn
	if summary != "" {
		start := replaced[0].StartTS
		end := replaced[0].EndTS
		count := 0
		for _, t := range replaced {
			if t.StartTS.Before(start) {
				start = t.StartTS
			}
			if t.EndTS.After(end) {
				end = t.EndTS
			}
			count += t.ImageCount
		}
		summaryTurn = &HistoryTurn{
			ID:         uuid.NewString(),
			CaseID:     caseID,
			UserID:     userID,
			StartTS:    start,
			EndTS:      end,
			Prompt:     SummaryPromptMarker,
			ImageCount: count,
			Response:   summary,
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO llm_history (id, case_id, user_id, start_ts, end_ts, prompt, image_count, response) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			summaryTurn.ID, summaryTurn.CaseID, summaryTurn.UserID, summaryTurn.StartTS, summaryTurn.EndTS,
			summaryTurn.Prompt, summaryTurn.ImageCount, summaryTurn.Response); err != nil {
			return nil, fmt.Errorf("failed to insert summary turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit turn replacement: %w", err)
	}
	return summaryTurn, nil
}

// ClearHistory deletes all of a case's turns, optionally filtered by user.
func (s *SQLiteStore) ClearHistory(ctx context.Context, caseID, userID string) error {
	query := "DELETE FROM llm_history WHERE case_id = ?"
	args := []any{caseID}
	if userID != "" {
		query = "DELETE FROM llm_history WHERE case_id = ? AND user_id = ?"
		args = append(args, userID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// GetTurnsByID returns the case's turns matching the given ids, in ascending
// start_ts order.
func (s *SQLiteStore) GetTurnsByID(ctx context.Context, caseID string, ids []string) ([]HistoryTurn, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{caseID}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, case_id, user_id, start_ts, end_ts, prompt, image_count, response FROM llm_history WHERE case_id = ? AND id IN ("+placeholders+") ORDER BY start_ts ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns by id: %w", err)
	}
	defer rows.Close()

	var turns []HistoryTurn
	for rows.Next() {
		var t HistoryTurn
		if err := rows.Scan(&t.ID, &t.CaseID, &t.UserID, &t.StartTS, &t.EndTS, &t.Prompt, &t.ImageCount, &t.Response); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Clinical methods

var defaultSpecimen = json.RawMessage(`{"summary": "No specimen data", "details": {}, "date": ""}`)

// GetClinicalData returns the case's clinical snapshot, or the default
// placeholder snapshot when none has been saved.
func (s *SQLiteStore) GetClinicalData(ctx context.Context, caseID string) (*ClinicalData, error) {
	var cd ClinicalData
	var specimen string
	err := s.db.QueryRowContext(ctx,
		"SELECT case_id, specimen, summary, procedure, pathology, imaging, labs FROM clinical_data WHERE case_id = ?", caseID).
		Scan(&cd.CaseID, &specimen, &cd.Summary, &cd.Procedure, &cd.Pathology, &cd.Imaging, &cd.Labs)
	if err != nil {
		if err == sql.ErrNoRows {
			return &ClinicalData{
				CaseID:    caseID,
				Specimen:  defaultSpecimen,
				Summary:   "No clinical data available.",
				Procedure: "No procedure data available.",
				Pathology: "No prior pathology data available.",
				Imaging:   "No imaging data available.",
				Labs:      "No lab data available.",
			}, nil
		}
		return nil, fmt.Errorf("failed to query clinical data: %w", err)
	}
	cd.Specimen = json.RawMessage(specimen)
	return &cd, nil
}

func (s *SQLiteStore) SaveClinicalData(ctx context.Context, cd *ClinicalData) error {
	specimen := string(cd.Specimen)
	if specimen == "" {
		specimen = string(defaultSpecimen)
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO clinical_data (case_id, specimen, summary, procedure, pathology, imaging, labs)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (case_id) DO UPDATE SET
            specimen = excluded.specimen,
            summary = excluded.summary,
            procedure = excluded.procedure,
            pathology = excluded.pathology,
            imaging = excluded.imaging,
            labs = excluded.labs`,
		cd.CaseID, specimen, cd.Summary, cd.Procedure, cd.Pathology, cd.Imaging, cd.Labs)
	if err != nil {
		return fmt.Errorf("failed to save clinical data: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateClinicalDoc(ctx context.Context, doc *ClinicalDoc) error {
	doc.ID = uuid.NewString()
	doc.Uploaded = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO clinical_docs (id, case_id, user_id, title, doc_type, location, uploaded) VALUES (?, ?, ?, ?, ?, ?, ?)",
		doc.ID, doc.CaseID, doc.UserID, doc.Title, doc.DocType, doc.Location, doc.Uploaded)
	if err != nil {
		return fmt.Errorf("failed to insert clinical doc: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListClinicalDocs(ctx context.Context, caseID string) ([]ClinicalDoc, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, case_id, user_id, title, doc_type, location, uploaded FROM clinical_docs WHERE case_id = ? ORDER BY uploaded ASC", caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clinical docs: %w", err)
	}
	defer rows.Close()

	var docs []ClinicalDoc
	for rows.Next() {
		var d ClinicalDoc
		if err := rows.Scan(&d.ID, &d.CaseID, &d.UserID, &d.Title, &d.DocType, &d.Location, &d.Uploaded); err != nil {
			return nil, fmt.Errorf("failed to scan clinical doc row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
