package gitstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Remote identifies the best-effort mirror of the twin repository.
type Remote struct {
	// Name is the git remote name.
	Name string

	// URL is the remote URL; empty disables pushing.
	URL string

	// Branch is the branch pushed to the mirror.
	Branch string
}

// CommitInfo describes one commit in the twin repository's history.
type CommitInfo struct {
	// ID is the full commit hash.
	ID string `yaml:"id"`

	// Timestamp is the commit time.
	Timestamp time.Time `yaml:"timestamp"`

	// Message is the commit subject line.
	Message string `yaml:"message"`
}

// ErrNoRemote is returned by Push when no remote URL is configured.
var ErrNoRemote = errors.New("no remote configured")

// Store is the commit-based version store over one twin repository. Local
// history is authoritative; the remote is a best-effort replica. The engine
// only ever appends (commit) or restores a prior snapshot into the working
// tree as a new commit; history is never rewritten.
type Store struct {
	dir    string
	runner Runner
	remote Remote
}

// NewStore creates a version store for the repository at dir.
func NewStore(dir string, runner Runner, remote Remote) *Store {
	if remote.Name == "" {
		remote.Name = "origin"
	}
	if remote.Branch == "" {
		remote.Branch = "main"
	}
	return &Store{dir: dir, runner: runner, remote: remote}
}

// Dir returns the repository working directory.
func (s *Store) Dir() string {
	return s.dir
}

// Init initializes the repository if needed: git init, main branch,
// identity fallback, and the configured remote.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, s.dir, "rev-parse", "--git-dir"); err != nil {
		if _, err := s.runner.Run(ctx, s.dir, "init"); err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		if _, err := s.runner.Run(ctx, s.dir, "branch", "-M", s.remote.Branch); err != nil {
			return fmt.Errorf("failed to set branch: %w", err)
		}
	}

	// Commits need an identity; fall back to a generic one.
	if _, err := s.runner.Run(ctx, s.dir, "config", "user.email"); err != nil {
		if _, err := s.runner.Run(ctx, s.dir, "config", "user.email", "twinsync@localhost"); err != nil {
			return err
		}
		if _, err := s.runner.Run(ctx, s.dir, "config", "user.name", "TwinSync"); err != nil {
			return err
		}
	}

	if s.remote.URL != "" {
		// Re-point the remote; remove tolerates a missing one.
		_, _ = s.runner.Run(ctx, s.dir, "remote", "remove", s.remote.Name)
		if _, err := s.runner.Run(ctx, s.dir, "remote", "add", s.remote.Name, s.remote.URL); err != nil {
			return fmt.Errorf("failed to add remote: %w", err)
		}
	}
	return nil
}

// Head returns the current commit ID.
func (s *Store) Head(ctx context.Context) (string, error) {
	out, err := s.runner.Run(ctx, s.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return out, nil
}

// CommitAll stages everything and commits with the given message,
// returning the resulting HEAD commit ID. When nothing changed, no commit
// is created and the current HEAD is returned.
func (s *Store) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := s.runner.Run(ctx, s.dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}

	// diff --cached --quiet exits non-zero when something is staged.
	if _, err := s.runner.Run(ctx, s.dir, "diff", "--cached", "--quiet"); err == nil {
		return s.Head(ctx)
	}

	if _, err := s.runner.Run(ctx, s.dir, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return s.Head(ctx)
}

// Push mirrors the local branch to the configured remote with at most one
// retry. A push failure never invalidates the local commit; callers treat
// the returned error as non-fatal.
func (s *Store) Push(ctx context.Context) error {
	if s.remote.URL == "" {
		return ErrNoRemote
	}
	_, err := s.runner.Run(ctx, s.dir, "push", s.remote.Name, s.remote.Branch)
	if err == nil {
		return nil
	}
	_, retryErr := s.runner.Run(ctx, s.dir, "push", s.remote.Name, s.remote.Branch)
	if retryErr == nil {
		return nil
	}
	return fmt.Errorf("push failed after retry: %w", retryErr)
}

// PullFastForward updates the local branch from the remote, fast-forward
// only. No automatic conflict resolution is ever attempted.
func (s *Store) PullFastForward(ctx context.Context) error {
	if s.remote.URL == "" {
		return ErrNoRemote
	}
	if _, err := s.runner.Run(ctx, s.dir, "pull", "--ff-only", s.remote.Name, s.remote.Branch); err != nil {
		return fmt.Errorf("fast-forward pull failed: %w", err)
	}
	return nil
}

// History lists commits newest-first, at most limit entries.
func (s *Store) History(ctx context.Context, limit int) ([]CommitInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := s.runner.Run(ctx, s.dir,
		"log", "--pretty=format:%H%x09%ct%x09%s", fmt.Sprintf("-n%d", limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		epoch, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		commits = append(commits, CommitInfo{
			ID:        parts[0],
			Timestamp: time.Unix(epoch, 0).UTC(),
			Message:   parts[2],
		})
	}
	return commits, nil
}

// Resolve verifies that ref names a commit and returns its full ID.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	out, err := s.runner.Run(ctx, s.dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("unknown commit %q: %w", ref, err)
	}
	return out, nil
}

// RestoreTo replaces the working tree and index with the given commit's
// contents. HEAD is not moved: the caller records the restore as a fresh
// commit, so history only ever grows.
func (s *Store) RestoreTo(ctx context.Context, commit string) error {
	if _, err := s.runner.Run(ctx, s.dir, "read-tree", "-u", "--reset", commit); err != nil {
		return fmt.Errorf("failed to restore commit %s: %w", commit, err)
	}
	return nil
}

// DiffCommits returns the textual diff between two commits.
func (s *Store) DiffCommits(ctx context.Context, a, b string) (string, error) {
	out, err := s.runner.Run(ctx, s.dir, "diff", a, b)
	if err != nil {
		return "", fmt.Errorf("failed to diff %s..%s: %w", a, b, err)
	}
	return out, nil
}
