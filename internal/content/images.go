package content

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pathlens/caseserver/internal/store"
)

// CaptureImage decodes a base64 image payload (a data-URL prefix is
// tolerated), stores it as the case's next "Image NN.png" and records it.
func (m *Manager) CaptureImage(ctx context.Context, caseID, userID, payload string) (*store.Image, error) {
	if idx := strings.Index(payload, ","); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image payload: %w", err)
	}

	baseDir := m.caseDir(caseID)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create case image directory: %w", err)
	}

	next, err := nextImageIndex(baseDir)
	if err != nil {
		return nil, err
	}
	filename := fmt.Sprintf("Image %02d.png", next)
	if err := os.WriteFile(filepath.Join(baseDir, filename), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write image file: %w", err)
	}

	img := &store.Image{
		CaseID:   caseID,
		UserID:   userID,
		Filename: filename,
		RelPath:  "/images/" + caseID + "/" + filename,
	}
	if err := m.dbStore.CreateImage(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// DeleteImages removes the named image files and rows, renumbers the
// remaining images to a contiguous "Image NN.png" sequence, and returns the
// updated list. The case directory is removed when it empties out.
func (m *Manager) DeleteImages(ctx context.Context, caseID string, filenames []string) ([]store.Image, error) {
	baseDir := m.caseDir(caseID)
	for _, filename := range filenames {
		path := filepath.Join(baseDir, filepath.Base(filename))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to delete image file %s: %w", filename, err)
		}
	}
	if err := m.dbStore.DeleteImagesByFilename(ctx, caseID, filenames); err != nil {
		return nil, err
	}

	remaining, err := m.dbStore.ListImages(ctx, caseID, "")
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		if err := os.Remove(baseDir); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove empty case directory: %w", err)
		}
		return nil, nil
	}

	sort.Slice(remaining, func(i, j int) bool {
		return imageIndex(remaining[i].Filename) < imageIndex(remaining[j].Filename)
	})
	for i, img := range remaining {
		newName := fmt.Sprintf("Image %02d.png", i+1)
		if img.Filename == newName {
			continue
		}
		oldPath := filepath.Join(baseDir, img.Filename)
		newPath := filepath.Join(baseDir, newName)
		if err := os.Rename(oldPath, newPath); err != nil {
			return nil, fmt.Errorf("failed to renumber image %s: %w", img.Filename, err)
		}
		newRel := "/images/" + caseID + "/" + newName
		if err := m.dbStore.RenameImage(ctx, img.ID, newName, newRel); err != nil {
			return nil, err
		}
		remaining[i].Filename = newName
		remaining[i].RelPath = newRel
	}
	return remaining, nil
}

// ListImages returns the case's recorded images, optionally filtered by user.
func (m *Manager) ListImages(ctx context.Context, caseID, userID string) ([]store.Image, error) {
	return m.dbStore.ListImages(ctx, caseID, userID)
}

func nextImageIndex(baseDir string) (int, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read case image directory: %w", err)
	}
	highest := 0
	for _, e := range entries {
		if n := imageIndex(e.Name()); n > highest && n < 1<<30 {
			highest = n
		}
	}
	return highest + 1, nil
}

// imageIndex extracts NN from "Image NN.png"; unparseable names sort last.
func imageIndex(filename string) int {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	parts := strings.SplitN(name, " ", 2)
	if len(parts) != 2 {
		return 1 << 30
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 1 << 30
	}
	return n
}
