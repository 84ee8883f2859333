package fragment

import (
	"fmt"
	"os"
	"path/filepath"
)

// Directory names inside the twin repository.
const (
	DesiredDir  = "state"
	ObservedDir = "live"
	PlanDir     = "plan"
	BackupsDir  = "backups"
	RunsDir     = "runs"
	PolicyDir   = "policy"
)

// Store reads and writes fragments in a twin repository. Desired fragments
// live under state/ and are read-only to the engine; observed fragments
// live under live/ and are overwritten wholesale on every snapshot.
type Store struct {
	root string
}

// NewStore creates a fragment store rooted at the twin repository.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the repository root.
func (s *Store) Root() string {
	return s.root
}

// EnsureLayout creates the canonical twin repository directory layout.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{DesiredDir, ObservedDir, PlanDir, BackupsDir, RunsDir, PolicyDir} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// DesiredPath returns the path of a domain's desired fragment.
func (s *Store) DesiredPath(domain string) string {
	return filepath.Join(s.root, DesiredDir, domain+".yaml")
}

// ObservedPath returns the path of a domain's observed fragment.
func (s *Store) ObservedPath(domain string) string {
	return filepath.Join(s.root, ObservedDir, domain+".yaml")
}

// LoadDesired reads a domain's desired fragment. A missing file yields an
// empty fragment: nothing desired means nothing to converge toward.
func (s *Store) LoadDesired(domain string) (*Fragment, error) {
	return s.load(s.DesiredPath(domain), domain)
}

// LoadObserved reads a domain's observed fragment. A missing file yields
// an empty fragment.
func (s *Store) LoadObserved(domain string) (*Fragment, error) {
	return s.load(s.ObservedPath(domain), domain)
}

// SaveObserved overwrites a domain's observed fragment.
func (s *Store) SaveObserved(f *Fragment) error {
	return s.save(s.ObservedPath(f.Domain), f)
}

// SaveDesired writes a domain's desired fragment. Used only when seeding a
// fresh repository from the first snapshot; afterwards the desired set is
// edited externally.
func (s *Store) SaveDesired(f *Fragment) error {
	return s.save(s.DesiredPath(f.Domain), f)
}

func (s *Store) load(path, domain string) (*Fragment, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(domain), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fragment %s: %w", path, err)
	}
	f, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fragment %s: %w", path, err)
	}
	if f.Domain == "" {
		f.Domain = domain
	}
	return f, nil
}

func (s *Store) save(path string, f *Fragment) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal %s fragment: %w", f.Domain, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
