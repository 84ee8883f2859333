package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/twinsync/twinsync/pkg/engine"
	"github.com/twinsync/twinsync/pkg/fragment"
)

// PackagesPlugin reconciles apt packages. It observes the dpkg database
// and converges presence and pinned versions via apt-get.
type PackagesPlugin struct {
	system System
}

// NewPackagesPlugin creates the packages plugin.
func NewPackagesPlugin(system System) *PackagesPlugin {
	return &PackagesPlugin{system: system}
}

// Domain returns the packages domain name.
func (p *PackagesPlugin) Domain() string {
	return fragment.DomainPackages
}

// Collect reads the installed package set from dpkg.
func (p *PackagesPlugin) Collect(ctx context.Context) (*fragment.Fragment, error) {
	out, err := p.system.Run(ctx, "dpkg-query", "-W", "-f=${Package}\t${Version}\t${db:Status-Status}\n")
	if err != nil {
		return nil, fmt.Errorf("querying dpkg: %w", err)
	}

	frag := fragment.New(fragment.DomainPackages)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 || fields[2] != "installed" {
			continue
		}
		frag.Set(fields[0], fragment.Attrs{
			"ensure":  "present",
			"version": fields[1],
			"source":  "apt",
		})
	}
	return frag, nil
}

// ValidateDesired checks the desired fragment against the packages schema.
func (p *PackagesPlugin) ValidateDesired(desired *fragment.Fragment) error {
	return fragment.Validate(desired)
}

// Diff emits installs before removals so a replacement package is in
// place before the package it supersedes goes away. Installed packages
// absent from the desired set are pruned.
func (p *PackagesPlugin) Diff(desired, observed *fragment.Fragment) ([]engine.Action, error) {
	var installs, updates, removals []engine.Action

	for _, name := range desired.Keys() {
		want := fragment.DecodePackage(desired.Item(name))
		haveAttrs := observed.Item(name)

		switch want.Ensure {
		case "absent":
			if haveAttrs != nil {
				removals = append(removals, engine.Action{
					Domain: fragment.DomainPackages,
					Verb:   engine.VerbRemove,
					Target: name,
					Prior:  haveAttrs.Clone(),
				})
			}
		default: // present
			if haveAttrs == nil {
				installs = append(installs, engine.Action{
					Domain:  fragment.DomainPackages,
					Verb:    engine.VerbInstall,
					Target:  name,
					Payload: desired.Item(name).Clone(),
				})
				continue
			}
			have := fragment.DecodePackage(haveAttrs)
			if want.Version != "" && want.Version != have.Version {
				updates = append(updates, engine.Action{
					Domain:  fragment.DomainPackages,
					Verb:    engine.VerbUpdate,
					Target:  name,
					Payload: desired.Item(name).Clone(),
					Prior:   haveAttrs.Clone(),
				})
			}
		}
	}

	for _, name := range observed.Keys() {
		if desired.Item(name) != nil {
			continue
		}
		removals = append(removals, engine.Action{
			Domain: fragment.DomainPackages,
			Verb:   engine.VerbRemove,
			Target: name,
			Prior:  observed.Item(name).Clone(),
		})
	}

	actions := append(installs, updates...)
	return append(actions, removals...), nil
}

// Apply installs, pins, or removes one package.
func (p *PackagesPlugin) Apply(ctx context.Context, action engine.Action) error {
	switch action.Verb {
	case engine.VerbInstall, engine.VerbUpdate:
		spec := action.Target
		if v := action.Payload["version"]; v != "" {
			spec = fmt.Sprintf("%s=%s", action.Target, v)
		}
		_, err := p.system.Run(ctx, "apt-get", "install", "-y", spec)
		return err
	case engine.VerbRemove:
		_, err := p.system.Run(ctx, "apt-get", "remove", "-y", action.Target)
		return err
	default:
		return fmt.Errorf("unsupported verb %q for packages", action.Verb)
	}
}
