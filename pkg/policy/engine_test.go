package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/twinsync/twinsync/pkg/engine"
	"github.com/twinsync/twinsync/pkg/fragment"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return logger
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Protected{
		Packages: []string{"systemd", "sudo"},
		Services: []string{"ssh.service"},
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func planWith(actions ...engine.Action) *engine.Plan {
	p := engine.NewPlan("head")
	p.Actions = actions
	return p
}

func TestProtectedPackageRemovalBlocked(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.EvaluatePlan(context.Background(), planWith(engine.Action{
		Domain: fragment.DomainPackages,
		Verb:   engine.VerbRemove,
		Target: "sudo",
	}))
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if decision.Allowed {
		t.Fatal("removing a protected package must be blocked")
	}
	if len(decision.Violations) != 1 || !strings.Contains(decision.Violations[0], "sudo") {
		t.Errorf("violations = %v", decision.Violations)
	}
}

func TestProtectedServiceStopBlocked(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.EvaluatePlan(context.Background(), planWith(engine.Action{
		Domain: fragment.DomainServices,
		Verb:   engine.VerbStop,
		Target: "ssh.service",
	}))
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if decision.Allowed {
		t.Fatal("stopping a protected service must be blocked")
	}
}

func TestHarmlessPlanAllowed(t *testing.T) {
	e := newTestEngine(t)

	decision, err := e.EvaluatePlan(context.Background(), planWith(
		engine.Action{Domain: fragment.DomainPackages, Verb: engine.VerbInstall, Target: "curl"},
		engine.Action{Domain: fragment.DomainServices, Verb: engine.VerbStart, Target: "nginx.service"},
		engine.Action{Domain: fragment.DomainPackages, Verb: engine.VerbRemove, Target: "games-misc"},
	))
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("plan wrongly blocked: %v", decision.Violations)
	}
	if len(decision.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", decision.Warnings)
	}
}

func TestLargePlanWarns(t *testing.T) {
	e := newTestEngine(t)

	var actions []engine.Action
	for i := 0; i < 60; i++ {
		actions = append(actions, engine.Action{
			Domain: fragment.DomainPackages,
			Verb:   engine.VerbInstall,
			Target: "pkg" + string(rune('a'+i%26)),
		})
	}

	decision, err := e.EvaluatePlan(context.Background(), planWith(actions...))
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("warning-severity findings must not block: %v", decision.Violations)
	}
	if len(decision.Warnings) == 0 {
		t.Error("expected a large-plan warning")
	}
}

func TestLoadDirExtendsPolicies(t *testing.T) {
	dir := t.TempDir()
	custom := `package twinsync.policies.no_vim

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.domain == "packages"
	action.verb == "install"
	action.target == "vim"
	violation := {"message": "vim installs are forbidden here", "severity": "error"}
}
`
	if err := os.WriteFile(filepath.Join(dir, "no_vim.rego"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	if err := e.LoadDir(context.Background(), dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	decision, err := e.EvaluatePlan(context.Background(), planWith(engine.Action{
		Domain: fragment.DomainPackages,
		Verb:   engine.VerbInstall,
		Target: "vim",
	}))
	if err != nil {
		t.Fatalf("EvaluatePlan: %v", err)
	}
	if decision.Allowed {
		t.Error("custom policy should block the plan")
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadDir(context.Background(), filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("a missing policy directory must load nothing: %v", err)
	}
}
