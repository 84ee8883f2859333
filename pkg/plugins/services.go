package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/twinsync/twinsync/pkg/engine"
	"github.com/twinsync/twinsync/pkg/fragment"
)

// ServicesPlugin reconciles systemd service units: boot enablement and
// runtime activity.
type ServicesPlugin struct {
	system System
}

// NewServicesPlugin creates the services plugin.
func NewServicesPlugin(system System) *ServicesPlugin {
	return &ServicesPlugin{system: system}
}

// Domain returns the services domain name.
func (s *ServicesPlugin) Domain() string {
	return fragment.DomainServices
}

// Collect reads unit enablement from systemd's unit file list and
// runtime state from the active unit list.
func (s *ServicesPlugin) Collect(ctx context.Context) (*fragment.Fragment, error) {
	files, err := s.system.Run(ctx, "systemctl", "list-unit-files",
		"--type=service", "--state=enabled,disabled", "--no-legend", "--plain")
	if err != nil {
		return nil, fmt.Errorf("listing unit files: %w", err)
	}

	frag := fragment.New(fragment.DomainServices)
	for _, line := range strings.Split(files, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		unit, state := fields[0], fields[1]
		frag.Set(unit, fragment.Attrs{
			"enabled": fmt.Sprintf("%t", state == "enabled"),
			"running": "false",
		})
	}

	active, err := s.system.Run(ctx, "systemctl", "list-units",
		"--type=service", "--state=active", "--no-legend", "--plain")
	if err != nil {
		return nil, fmt.Errorf("listing active units: %w", err)
	}
	for _, line := range strings.Split(active, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		attrs := frag.Item(unit)
		if attrs == nil {
			// Active but static or transient units still count.
			attrs = fragment.Attrs{"enabled": "false"}
		}
		attrs["running"] = "true"
		frag.Set(unit, attrs)
	}

	return frag, nil
}

// ValidateDesired checks the desired fragment against the services schema.
func (s *ServicesPlugin) ValidateDesired(desired *fragment.Fragment) error {
	return fragment.Validate(desired)
}

// Diff emits, per unit, the enablement change before the runtime change,
// so a unit is never started while still disabled at boot.
func (s *ServicesPlugin) Diff(desired, observed *fragment.Fragment) ([]engine.Action, error) {
	var actions []engine.Action

	for _, unit := range desired.Keys() {
		want := fragment.DecodeService(desired.Item(unit))
		haveAttrs := observed.Item(unit)
		have := fragment.DecodeService(haveAttrs)

		// A unit systemd does not know about is neither enabled nor
		// running; otherwise a desired disabled+stopped unit would emit
		// actions on every plan.
		if have.Enabled == "" {
			have.Enabled = "false"
		}
		if have.Running == "" {
			have.Running = "false"
		}

		if want.Enabled != have.Enabled {
			verb := engine.VerbEnable
			if want.Enabled == "false" {
				verb = engine.VerbDisable
			}
			actions = append(actions, engine.Action{
				Domain:  fragment.DomainServices,
				Verb:    verb,
				Target:  unit,
				Payload: desired.Item(unit).Clone(),
				Prior:   haveAttrs.Clone(),
			})
		}

		if want.Running != have.Running {
			verb := engine.VerbStart
			if want.Running == "false" {
				verb = engine.VerbStop
			}
			actions = append(actions, engine.Action{
				Domain:  fragment.DomainServices,
				Verb:    verb,
				Target:  unit,
				Payload: desired.Item(unit).Clone(),
				Prior:   haveAttrs.Clone(),
			})
		}
	}

	return actions, nil
}

// Apply changes one unit's enablement or runtime state.
func (s *ServicesPlugin) Apply(ctx context.Context, action engine.Action) error {
	var sub string
	switch action.Verb {
	case engine.VerbEnable:
		sub = "enable"
	case engine.VerbDisable:
		sub = "disable"
	case engine.VerbStart:
		sub = "start"
	case engine.VerbStop:
		sub = "stop"
	default:
		return fmt.Errorf("unsupported verb %q for services", action.Verb)
	}
	_, err := s.system.Run(ctx, "systemctl", sub, action.Target)
	return err
}
