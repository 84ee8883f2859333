package plugins

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/twinsync/twinsync/pkg/engine"
	"github.com/twinsync/twinsync/pkg/fragment"
)

// crontabKey is the single item key of the startup fragment. The whole
// crontab is one atomic value; there is no per-entry reconciliation.
const crontabKey = "crontab"

// StartupPlugin reconciles the invoking user's crontab as a single
// opaque block.
type StartupPlugin struct {
	system System
}

// NewStartupPlugin creates the startup plugin.
func NewStartupPlugin(system System) *StartupPlugin {
	return &StartupPlugin{system: system}
}

// Domain returns the startup domain name.
func (s *StartupPlugin) Domain() string {
	return fragment.DomainStartup
}

// Collect reads the current crontab. A user without a crontab yields an
// empty block, not an error.
func (s *StartupPlugin) Collect(ctx context.Context) (*fragment.Fragment, error) {
	frag := fragment.New(fragment.DomainStartup)

	out, err := s.system.Run(ctx, "crontab", "-l")
	if err != nil {
		// crontab -l exits non-zero when no crontab exists.
		if strings.Contains(err.Error(), "no crontab") {
			frag.Set(crontabKey, fragment.Attrs{"content": ""})
			return frag, nil
		}
		return nil, fmt.Errorf("reading crontab: %w", err)
	}

	frag.Set(crontabKey, fragment.Attrs{"content": out})
	return frag, nil
}

// ValidateDesired checks the desired fragment against the startup schema.
func (s *StartupPlugin) ValidateDesired(desired *fragment.Fragment) error {
	return fragment.Validate(desired)
}

// Diff emits at most one action: an atomic replacement of the whole
// block when the desired content differs from the observed content.
func (s *StartupPlugin) Diff(desired, observed *fragment.Fragment) ([]engine.Action, error) {
	wantAttrs := desired.Item(crontabKey)
	if wantAttrs == nil {
		return nil, nil
	}
	haveAttrs := observed.Item(crontabKey)

	want := strings.TrimRight(wantAttrs["content"], "\n")
	have := strings.TrimRight(haveAttrs["content"], "\n")
	if want == have {
		return nil, nil
	}

	action := engine.Action{
		Domain:  fragment.DomainStartup,
		Verb:    engine.VerbUpdate,
		Target:  crontabKey,
		Payload: wantAttrs.Clone(),
	}
	// Overwriting an empty block creates rather than destroys; only
	// real prior content warrants a backup.
	if have != "" {
		action.Prior = haveAttrs.Clone()
	}
	return []engine.Action{action}, nil
}

// Apply installs the desired crontab by staging it to a temp file and
// loading it whole.
func (s *StartupPlugin) Apply(ctx context.Context, action engine.Action) error {
	if action.Verb != engine.VerbUpdate {
		return fmt.Errorf("unsupported verb %q for startup", action.Verb)
	}

	content := action.Payload["content"]
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	tmp, err := os.CreateTemp("", "twinsync-crontab-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	_, err = s.system.Run(ctx, "crontab", tmp.Name())
	return err
}
