// Package content is the gateway to case content on disk: captured
// microscope images under <storage>/images/<case_id>/ and clinical documents
// under <storage>/clinical/. It resolves content references into inline
// blocks for model prompts and manages the image files themselves.
package content

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pathlens/caseserver/internal/core"
	"github.com/pathlens/caseserver/internal/store"
)

type Manager struct {
	dbStore    *store.SQLiteStore
	storageDir string
}

func NewManager(db *store.SQLiteStore, storageDir string) *Manager {
	return &Manager{dbStore: db, storageDir: storageDir}
}

// ImagesDir returns the static root for captured images.
func (m *Manager) ImagesDir() string {
	return filepath.Join(m.storageDir, "images")
}

func (m *Manager) caseDir(caseID string) string {
	return filepath.Join(m.ImagesDir(), strings.ReplaceAll(caseID, "/", "_"))
}

// ResolveImages reads the referenced image files for a case and returns them
// as inline image blocks. Unresolvable references are skipped with a warning;
// the caller distinguishes an empty result from "nothing requested".
func (m *Manager) ResolveImages(ctx context.Context, caseID string, imageIDs []string) ([]core.Block, error) {
	baseDir := m.caseDir(caseID)
	var blocks []core.Block
	for _, id := range imageIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(baseDir, filepath.Base(id))
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Skipping unresolvable image %q for case %s: %v", id, caseID, err)
			continue
		}
		blocks = append(blocks, core.ImageBlock(imageFormat(id), data))
	}
	return blocks, nil
}

// ResolveDocs loads the case's clinical documents and returns the ones with
// extractable text as text blocks. Unsupported types are skipped.
func (m *Manager) ResolveDocs(ctx context.Context, caseID string) ([]core.Block, error) {
	docs, err := m.dbStore.ListClinicalDocs(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clinical docs: %w", err)
	}

	var blocks []core.Block
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := m.extractDocText(doc)
		if err != nil {
			log.Printf("Skipping clinical doc %q for case %s: %v", doc.Title, caseID, err)
			continue
		}
		if text == "" {
			continue
		}
		blocks = append(blocks, core.TextBlock(
			fmt.Sprintf("Document: %s (Type: %s)\n%s", doc.Title, doc.DocType, text)))
	}
	return blocks, nil
}

func (m *Manager) extractDocText(doc store.ClinicalDoc) (string, error) {
	switch strings.ToLower(doc.DocType) {
	case "txt", "text":
		path := filepath.Join(m.storageDir, "clinical", strings.TrimPrefix(doc.Location, "/clinical/"))
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		log.Printf("Skipping unsupported clinical doc type: %s", doc.DocType)
		return "", nil
	}
}

func imageFormat(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".gif":
		return "gif"
	case ".webp":
		return "webp"
	default:
		return "png"
	}
}
