package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/twinsync/twinsync/pkg/engine"
	"github.com/twinsync/twinsync/pkg/fragment"
)

// FilesPlugin mirrors configured directory trees into the files domain.
// It is strictly additive: it creates and replaces files named in
// desired state and never deletes anything from the host.
type FilesPlugin struct {
	roots       []string
	maxFileSize int64
}

// NewFilesPlugin creates the files plugin over the given roots. Files
// larger than maxFileSize are skipped during collection.
func NewFilesPlugin(roots []string, maxFileSize int64) *FilesPlugin {
	return &FilesPlugin{roots: roots, maxFileSize: maxFileSize}
}

// Domain returns the files domain name.
func (f *FilesPlugin) Domain() string {
	return fragment.DomainFiles
}

// HashContent returns the truncated hex digest used as a file's content
// fingerprint.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}

// Collect walks every configured root and records each regular file
// under the size cap. A missing root is not an error; it simply
// contributes nothing.
func (f *FilesPlugin) Collect(ctx context.Context) (*fragment.Fragment, error) {
	frag := fragment.New(fragment.DomainFiles)

	for _, root := range f.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == root {
					return filepath.SkipAll
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Size() > f.maxFileSize {
				return nil
			}

			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			frag.Set(path, fragment.Attrs{
				"content": string(content),
				"hash":    HashContent(content),
				"mode":    fmt.Sprintf("%04o", info.Mode().Perm()),
				"size":    strconv.FormatInt(info.Size(), 10),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	return frag, nil
}

// ValidateDesired checks the desired fragment against the files schema.
func (f *FilesPlugin) ValidateDesired(desired *fragment.Fragment) error {
	return fragment.Validate(desired)
}

// Diff creates missing files and replaces files whose content drifted.
// Observed files absent from desired state are left alone.
func (f *FilesPlugin) Diff(desired, observed *fragment.Fragment) ([]engine.Action, error) {
	var actions []engine.Action

	for _, path := range desired.Keys() {
		wantAttrs := desired.Item(path)
		want := fragment.DecodeFile(wantAttrs)
		haveAttrs := observed.Item(path)

		if haveAttrs == nil {
			actions = append(actions, engine.Action{
				Domain:  fragment.DomainFiles,
				Verb:    engine.VerbCreate,
				Target:  path,
				Payload: wantAttrs.Clone(),
			})
			continue
		}

		have := fragment.DecodeFile(haveAttrs)
		wantHash := want.Hash
		if wantHash == "" {
			wantHash = HashContent([]byte(want.Content))
		}
		if wantHash != have.Hash || (want.Mode != "" && want.Mode != have.Mode) {
			actions = append(actions, engine.Action{
				Domain:  fragment.DomainFiles,
				Verb:    engine.VerbReplace,
				Target:  path,
				Payload: wantAttrs.Clone(),
				Prior:   haveAttrs.Clone(),
			})
		}
	}

	return actions, nil
}

// Apply writes one file's desired content and mode.
func (f *FilesPlugin) Apply(ctx context.Context, action engine.Action) error {
	switch action.Verb {
	case engine.VerbCreate, engine.VerbReplace:
	default:
		return fmt.Errorf("unsupported verb %q for files", action.Verb)
	}

	mode := os.FileMode(0o644)
	if m := action.Payload["mode"]; m != "" {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return fmt.Errorf("parsing mode %q: %w", m, err)
		}
		mode = os.FileMode(parsed)
	}

	if err := os.MkdirAll(filepath.Dir(action.Target), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(action.Target, []byte(action.Payload["content"]), mode); err != nil {
		return err
	}
	// WriteFile only applies the mode on create.
	return os.Chmod(action.Target, mode)
}
