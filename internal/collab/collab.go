// Package collab declares the external collaborators the build engine
// consumes: symbol extraction, documentation generation, archive storage and
// commit resolution. The engine only depends on these interfaces; concrete
// adapters live with the services they wrap.
package collab

import "context"

// Symbol is one extracted code unit: a stable identity within
// (repository, commit) plus a deterministic fingerprint of its normalized
// content and the signature payload the generator consumes.
type Symbol struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Payload     string `json:"payload"`
}

// Extractor produces the ordered symbol set of a repository at a commit.
// One call per build; failure is fatal to the job.
type Extractor interface {
	Extract(ctx context.Context, repository, commit string) ([]Symbol, error)
}

// GenerationRequest asks for documentation of one fingerprint. Every symbol id
// sharing the fingerprint reuses the single result.
type GenerationRequest struct {
	Fingerprint string
	Payload     string
}

// GenerationResult carries the per-fingerprint outcome. Err is set for
// per-unit failures, which never fail the whole job.
type GenerationResult struct {
	Fingerprint string
	Doc         []byte
	Err         error
}

// Generator turns signature payloads into documentation text.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) GenerationResult
}

// Visibility is the access flag passed through to storage. The engine exposes
// it without deciding policy.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Archive is the merged documentation bundle handed to storage.
type Archive struct {
	JobID      string
	Repository string
	Branch     string
	Commit     string
	Docs       map[string][]byte // symbol id -> documentation payload
	Visibility Visibility
}

// Storage persists the packaged archive. Store must be idempotent under
// retry: the same job id never creates duplicate artifacts.
type Storage interface {
	Store(ctx context.Context, archive Archive) (locator string, err error)
}

// CommitResolver resolves the latest commit of a tracked branch.
type CommitResolver interface {
	LatestCommit(ctx context.Context, repository, branch string) (string, error)
}
