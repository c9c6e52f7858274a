// Package gitresolve implements the version-control commit resolver over
// go-git. Only ls-remote style listing is needed, so no clone or workspace is
// ever created.
package gitresolve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"git.home.luguber.info/inful/docpackd/internal/errors"
	"git.home.luguber.info/inful/docpackd/internal/logfields"
)

// Resolver resolves branch heads via a remote listing.
type Resolver struct {
	logger *slog.Logger
}

// New creates a resolver.
func New() *Resolver {
	return &Resolver{logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (r *Resolver) WithLogger(logger *slog.Logger) *Resolver {
	r.logger = logger
	return r
}

// LatestCommit returns the commit id the branch currently points at.
func (r *Resolver) LatestCommit(ctx context.Context, repository, branch string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repository},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryResolver, errors.SeverityError,
			fmt.Sprintf("list references of %s", repository))
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference {
			continue
		}
		if ref.Name() == want {
			commit := ref.Hash().String()
			r.logger.Debug("Resolved branch head",
				logfields.Repository(repository),
				logfields.Branch(branch),
				logfields.Commit(commit))
			return commit, nil
		}
	}

	return "", errors.New(errors.CategoryResolver, errors.SeverityError,
		fmt.Sprintf("branch %s not found in %s", branch, repository))
}
