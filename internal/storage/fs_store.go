// Package storage implements the archive storage collaborator on the local
// filesystem. Layout:
//
//	<base>/
//	  archives/
//	    <job-id>/
//	      archive.json
//
// Keying by job id makes Store idempotent under retry: the same job never
// creates duplicate artifacts.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/docpackd/internal/collab"
)

// FSStore is a filesystem-based implementation of collab.Storage.
type FSStore struct {
	basePath string
	mu       sync.Mutex
}

// archiveDocument is the on-disk representation of a stored archive.
type archiveDocument struct {
	JobID      string            `json:"job_id"`
	Repository string            `json:"repository"`
	Branch     string            `json:"branch"`
	Commit     string            `json:"commit"`
	Visibility string            `json:"visibility"`
	StoredAt   time.Time         `json:"stored_at"`
	Docs       map[string]string `json:"docs"` // symbol id -> documentation text
}

// NewFSStore creates a filesystem archive store rooted at basePath.
func NewFSStore(basePath string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "archives"), 0750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &FSStore{basePath: basePath}, nil
}

// Store writes the archive and returns its locator. A previously stored
// archive for the same job id is returned as-is without rewriting.
func (fs *FSStore) Store(ctx context.Context, archive collab.Archive) (string, error) {
	if archive.JobID == "" {
		return "", fmt.Errorf("archive job id is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.basePath, "archives", archive.JobID)
	target := filepath.Join(dir, "archive.json")

	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	doc := archiveDocument{
		JobID:      archive.JobID,
		Repository: archive.Repository,
		Branch:     archive.Branch,
		Commit:     archive.Commit,
		Visibility: string(archive.Visibility),
		StoredAt:   time.Now(),
		Docs:       make(map[string]string, len(archive.Docs)),
	}
	for id, payload := range archive.Docs {
		doc.Docs[id] = string(payload)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal archive: %w", err)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	// Write-then-rename keeps a crashed upload from leaving a partial
	// archive behind the idempotency check.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	return target, nil
}
