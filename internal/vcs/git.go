package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/autoexec/internal/executor"
)

// Git drives the git command line through an executor.Runner.
// Version tokens returned by Head and RemoteHead are opaque commit hashes.
type Git struct {
	Runner executor.Runner
	Binary string // defaults to "git"
}

// New returns a Git using the given binary (empty means "git").
func New(r executor.Runner, binary string) *Git {
	return &Git{Runner: r, Binary: binary}
}

func (g *Git) bin() string {
	if g.Binary == "" {
		return "git"
	}
	return g.Binary
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.Runner.Run(ctx, dir, g.bin(), args...)
}

// Version returns `git --version`. Used as the startup preflight.
func (g *Git) Version(ctx context.Context) (string, error) {
	return g.run(ctx, "", "--version")
}

// IsCheckout reports whether path already holds a git working tree.
func (g *Git) IsCheckout(path string) bool {
	fi, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && fi.IsDir()
}

// Clone clones branch of url into path, creating path when needed.
func (g *Git) Clone(ctx context.Context, url, branch, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create checkout dir: %w", err)
	}
	_, err := g.run(ctx, path, "clone", "--branch", branch, url, ".")
	return err
}

// Fetch updates remote refs.
func (g *Git) Fetch(ctx context.Context, path string) error {
	_, err := g.run(ctx, path, "fetch")
	return err
}

// Head resolves the local HEAD commit.
func (g *Git) Head(ctx context.Context, path string) (string, error) {
	return g.run(ctx, path, "rev-parse", "HEAD")
}

// RemoteHead resolves origin/<branch>.
func (g *Git) RemoteHead(ctx context.Context, path, branch string) (string, error) {
	return g.run(ctx, path, "rev-parse", "origin/"+branch)
}

// Pull pulls branch from origin into the checkout.
func (g *Git) Pull(ctx context.Context, path, branch string) error {
	_, err := g.run(ctx, path, "pull", "origin", branch)
	return err
}
