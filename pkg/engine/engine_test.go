package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/twinsync/twinsync/pkg/fragment"
	"github.com/twinsync/twinsync/pkg/gitstore"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

type fakePlugin struct {
	domain       string
	collectFrag  *fragment.Fragment
	collectErr   error
	collectDelay time.Duration
	validateErr  error
	diffActions  []Action
	applyErr     map[string]error
	applied      []Action
	applyHook    func(Action)
}

func (f *fakePlugin) Domain() string { return f.domain }

func (f *fakePlugin) Collect(ctx context.Context) (*fragment.Fragment, error) {
	if f.collectDelay > 0 {
		select {
		case <-time.After(f.collectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.collectErr != nil {
		return nil, f.collectErr
	}
	return f.collectFrag, nil
}

func (f *fakePlugin) ValidateDesired(desired *fragment.Fragment) error {
	return f.validateErr
}

func (f *fakePlugin) Diff(desired, observed *fragment.Fragment) ([]Action, error) {
	return f.diffActions, nil
}

func (f *fakePlugin) Apply(ctx context.Context, action Action) error {
	f.applied = append(f.applied, action)
	if f.applyHook != nil {
		f.applyHook(action)
	}
	if err, ok := f.applyErr[action.Target]; ok {
		return err
	}
	return nil
}

func testTelemetry(t *testing.T) (*telemetry.Logger, *telemetry.Metrics, *telemetry.Tracer) {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "test", "test")
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}
	return logger, metrics, tracer
}

func fragWith(domain string, items map[string]fragment.Attrs) *fragment.Fragment {
	f := fragment.New(domain)
	for k, v := range items {
		f.Set(k, v)
	}
	return f
}

func TestCollectorMarksFailedDomainStale(t *testing.T) {
	root := t.TempDir()
	store := fragment.NewStore(root)
	if err := store.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}

	// Seed a previous observation for the failing domain.
	prev := fragWith("services", map[string]fragment.Attrs{
		"ssh.service": {"enabled": "true", "running": "true"},
	})
	if err := store.SaveObserved(prev); err != nil {
		t.Fatalf("seed: %v", err)
	}

	registry := NewRegistry()
	registry.Register(&fakePlugin{
		domain: "packages",
		collectFrag: fragWith("packages", map[string]fragment.Attrs{
			"curl": {"ensure": "present"},
		}),
	})
	registry.Register(&fakePlugin{
		domain:     "services",
		collectErr: errors.New("systemctl unavailable"),
	})

	logger, metrics, _ := testTelemetry(t)
	collector := NewCollector(registry, store, time.Second, logger, metrics)

	report, err := collector.CollectAll(context.Background())
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}

	if len(report.Collected) != 1 || report.Collected[0] != "packages" {
		t.Errorf("collected = %v, want [packages]", report.Collected)
	}
	if len(report.Stale) != 1 || report.Stale[0] != "services" {
		t.Fatalf("stale = %v, want [services]", report.Stale)
	}
	if !IsCollection(report.Errors["services"]) {
		t.Errorf("expected collection error for services, got %v", report.Errors["services"])
	}

	obs, err := store.LoadObserved("services")
	if err != nil {
		t.Fatalf("load observed: %v", err)
	}
	if !obs.Stale {
		t.Error("expected stale flag on failed domain's observation")
	}
	if obs.Item("ssh.service") == nil {
		t.Error("previous observation should be preserved when collection fails")
	}
}

func TestCollectorTimeout(t *testing.T) {
	root := t.TempDir()
	store := fragment.NewStore(root)
	if err := store.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}

	registry := NewRegistry()
	registry.Register(&fakePlugin{
		domain:       "packages",
		collectDelay: time.Second,
		collectFrag:  fragment.New("packages"),
	})

	logger, metrics, _ := testTelemetry(t)
	collector := NewCollector(registry, store, 10*time.Millisecond, logger, metrics)

	report, err := collector.CollectAll(context.Background())
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	if len(report.Stale) != 1 {
		t.Fatalf("expected timed-out domain to go stale, got %v", report.Stale)
	}
}

func TestPlannerSkipsInvalidDomain(t *testing.T) {
	root := t.TempDir()
	store := fragment.NewStore(root)
	if err := store.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}

	good := Action{Domain: "packages", Verb: VerbInstall, Target: "curl"}
	registry := NewRegistry()
	registry.Register(&fakePlugin{domain: "packages", diffActions: []Action{good}})
	registry.Register(&fakePlugin{domain: "services", validateErr: errors.New("bad enabled value")})

	logger, metrics, _ := testTelemetry(t)
	planner := NewPlanner(registry, store, logger, metrics)

	plan, schemaErrors := planner.BuildPlan("abc123")
	if len(plan.Actions) != 1 || plan.Actions[0].Target != "curl" {
		t.Errorf("plan actions = %v, want the packages action", plan.Actions)
	}
	if !IsSchema(schemaErrors["services"]) {
		t.Errorf("expected schema error for services, got %v", schemaErrors["services"])
	}
	if plan.BaseCommit != "abc123" {
		t.Errorf("BaseCommit = %q", plan.BaseCommit)
	}
}

func TestPlanFingerprintIgnoresProvenance(t *testing.T) {
	actions := []Action{{Domain: "packages", Verb: VerbInstall, Target: "curl"}}

	a := NewPlan("abc")
	a.Actions = actions
	b := NewPlan("abc")
	b.Actions = actions
	b.GeneratedAt = b.GeneratedAt.Add(time.Hour)

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("plans with the same content must fingerprint identically")
	}

	c := NewPlan("def")
	c.Actions = actions
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different base commits must change the fingerprint")
	}
}

func TestPlanMarshalRoundTrip(t *testing.T) {
	p := NewPlan("abc")
	p.Actions = []Action{{
		Domain:  "files",
		Verb:    VerbReplace,
		Target:  "/etc/motd",
		Payload: fragment.Attrs{"content": "hello"},
		Prior:   fragment.Attrs{"content": "old"},
	}}

	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalPlan(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Fingerprint() != p.Fingerprint() {
		t.Error("round trip changed the plan's content fingerprint")
	}
	if got.ID != p.ID {
		t.Errorf("ID = %q, want %q", got.ID, p.ID)
	}
}

func TestActionDestructive(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		want   bool
	}{
		{"install is additive", Action{Verb: VerbInstall}, false},
		{"remove needs backup", Action{Verb: VerbRemove, Prior: fragment.Attrs{"ensure": "present"}}, true},
		{"replace needs backup", Action{Verb: VerbReplace, Prior: fragment.Attrs{"content": "x"}}, true},
		{"update over empty prior is a create", Action{Verb: VerbUpdate}, false},
		{"update over content needs backup", Action{Verb: VerbUpdate, Prior: fragment.Attrs{"content": "x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.action.Destructive(); got != tt.want {
				t.Errorf("Destructive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestApplier(t *testing.T, root string, registry *Registry, recorder RunRecorder) *Applier {
	t.Helper()
	logger, metrics, tracer := testTelemetry(t)
	return NewApplier(registry, NewBackupStore(root), recorder, logger, metrics, tracer)
}

func TestApplierRejectsStalePlan(t *testing.T) {
	registry := NewRegistry()
	plugin := &fakePlugin{domain: "packages"}
	registry.Register(plugin)

	applier := newTestApplier(t, t.TempDir(), registry, nil)

	plan := NewPlan("old-commit")
	plan.Actions = []Action{{Domain: "packages", Verb: VerbInstall, Target: "curl"}}

	_, err := applier.Apply(context.Background(), plan, "new-commit")
	if !IsStaleness(err) {
		t.Fatalf("expected staleness error, got %v", err)
	}
	if len(plugin.applied) != 0 {
		t.Error("no action may run against a stale plan")
	}
}

func TestApplierContinuesPastFailure(t *testing.T) {
	registry := NewRegistry()
	plugin := &fakePlugin{
		domain:   "packages",
		applyErr: map[string]error{"broken": errors.New("apt exploded")},
	}
	registry.Register(plugin)

	applier := newTestApplier(t, t.TempDir(), registry, nil)

	plan := NewPlan("head")
	plan.Actions = []Action{
		{Domain: "packages", Verb: VerbInstall, Target: "first"},
		{Domain: "packages", Verb: VerbInstall, Target: "broken"},
		{Domain: "packages", Verb: VerbInstall, Target: "last"},
	}

	run, err := applier.Apply(context.Background(), plan, "head")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if run.Status != RunPartiallyFailed {
		t.Errorf("status = %s, want %s", run.Status, RunPartiallyFailed)
	}
	if run.Summary.Succeeded != 2 || run.Summary.Failed != 1 {
		t.Errorf("summary = %+v, want 2 succeeded 1 failed", run.Summary)
	}
	if len(plugin.applied) != 3 {
		t.Errorf("applied %d actions, want all 3 attempted", len(plugin.applied))
	}
	if run.Results[1].Outcome != OutcomeFailure || !strings.Contains(run.Results[1].Detail, "apt exploded") {
		t.Errorf("failed result = %+v", run.Results[1])
	}
}

func TestApplierBacksUpBeforeDestructive(t *testing.T) {
	root := t.TempDir()
	registry := NewRegistry()
	plugin := &fakePlugin{domain: "packages"}
	registry.Register(plugin)

	applier := newTestApplier(t, root, registry, nil)

	plan := NewPlan("head")
	plan.Actions = []Action{{
		Domain: "packages",
		Verb:   VerbRemove,
		Target: "vim",
		Prior:  fragment.Attrs{"ensure": "present", "version": "9.1"},
	}}

	run, err := applier.Apply(context.Background(), plan, "head")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	result := run.Results[0]
	if result.BackupPath == "" {
		t.Fatal("destructive action must record a backup path")
	}
	data, err := os.ReadFile(result.BackupPath)
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if !strings.Contains(string(data), "version: \"9.1\"") && !strings.Contains(string(data), "version: 9.1") {
		t.Errorf("backup missing prior state:\n%s", data)
	}
	if plugin.applied[0].BackupRef != result.BackupPath {
		t.Error("action passed to plugin should carry its backup ref")
	}
}

func TestApplierBackupFailureSkipsMutation(t *testing.T) {
	root := t.TempDir()
	// Occupy the backups path with a file so backup writes fail.
	if err := os.WriteFile(filepath.Join(root, fragment.BackupsDir), []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	registry := NewRegistry()
	plugin := &fakePlugin{domain: "packages"}
	registry.Register(plugin)

	applier := newTestApplier(t, root, registry, nil)

	plan := NewPlan("head")
	plan.Actions = []Action{{
		Domain: "packages",
		Verb:   VerbRemove,
		Target: "vim",
		Prior:  fragment.Attrs{"ensure": "present"},
	}}

	run, err := applier.Apply(context.Background(), plan, "head")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if run.Results[0].Outcome != OutcomeFailure {
		t.Errorf("outcome = %s, want failure", run.Results[0].Outcome)
	}
	if len(plugin.applied) != 0 {
		t.Error("mutation must be skipped when its backup fails")
	}
	if run.Status != RunPartiallyFailed {
		t.Errorf("status = %s, want %s", run.Status, RunPartiallyFailed)
	}
}

func TestApplierStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry()
	plugin := &fakePlugin{domain: "packages"}
	plugin.applyHook = func(a Action) {
		if a.Target == "first" {
			cancel()
		}
	}
	registry.Register(plugin)

	applier := newTestApplier(t, t.TempDir(), registry, nil)

	plan := NewPlan("head")
	plan.Actions = []Action{
		{Domain: "packages", Verb: VerbInstall, Target: "first"},
		{Domain: "packages", Verb: VerbInstall, Target: "second"},
		{Domain: "packages", Verb: VerbInstall, Target: "third"},
	}

	run, err := applier.Apply(ctx, plan, "head")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(plugin.applied) != 1 {
		t.Errorf("applied %d actions, want 1 before cancellation", len(plugin.applied))
	}
	if run.Summary.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", run.Summary.Skipped)
	}
	if run.Status != RunPartiallyFailed {
		t.Errorf("status = %s, want %s", run.Status, RunPartiallyFailed)
	}
}

type recordingStore struct {
	statuses []RunStatus
}

func (r *recordingStore) RecordRun(ctx context.Context, run *Run) error {
	r.statuses = append(r.statuses, run.Status)
	return nil
}

func TestApplierRecordsLifecycle(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakePlugin{domain: "packages"})

	recorder := &recordingStore{}
	applier := newTestApplier(t, t.TempDir(), registry, recorder)

	plan := NewPlan("head")
	plan.Actions = []Action{{Domain: "packages", Verb: VerbInstall, Target: "curl"}}

	if _, err := applier.Apply(context.Background(), plan, "head"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []RunStatus{RunRunning, RunCompleted}
	if len(recorder.statuses) != len(want) {
		t.Fatalf("recorded statuses = %v, want %v", recorder.statuses, want)
	}
	for i := range want {
		if recorder.statuses[i] != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, recorder.statuses[i], want[i])
		}
	}
}

type scriptedRunner struct {
	calls     [][]string
	responses map[string]string
	errs      map[string]error
}

func (r *scriptedRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	r.calls = append(r.calls, args)
	key := strings.Join(args, " ")
	for prefix, err := range r.errs {
		if strings.HasPrefix(key, prefix) {
			return "", err
		}
	}
	for prefix, out := range r.responses {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (r *scriptedRunner) called(prefix string) bool {
	for _, call := range r.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			return true
		}
	}
	return false
}

func TestTimeMachineResetAppendsCommit(t *testing.T) {
	runner := &scriptedRunner{
		responses: map[string]string{
			"rev-parse --verify": "cafebabe0000",
			"rev-parse HEAD":     "newhead",
		},
		// Staged changes make diff --cached exit non-zero.
		errs: map[string]error{"diff --cached": errors.New("dirty")},
	}
	git := gitstore.NewStore(t.TempDir(), runner, gitstore.Remote{})
	logger, _, _ := testTelemetry(t)

	tm := NewTimeMachine(git, logger)
	commit, err := tm.ResetTo(context.Background(), "HEAD~2")
	if err != nil {
		t.Fatalf("ResetTo: %v", err)
	}
	if commit != "newhead" {
		t.Errorf("commit = %q, want newhead", commit)
	}
	if !runner.called("read-tree -u --reset cafebabe0000") {
		t.Error("expected working tree restore via read-tree")
	}
	if runner.called("reset --hard") {
		t.Error("history must never be rewritten")
	}
	foundCommit := false
	for _, call := range runner.calls {
		if len(call) >= 2 && call[0] == "commit" {
			foundCommit = true
			if !strings.HasPrefix(call[2], "reset: restore state from cafebabe0000") {
				t.Errorf("commit message = %q", call[2])
			}
		}
	}
	if !foundCommit {
		t.Error("restore must be recorded as a new commit")
	}
}

func TestTimeMachineResetUnknownRef(t *testing.T) {
	runner := &scriptedRunner{
		errs: map[string]error{"rev-parse --verify": fmt.Errorf("unknown revision")},
	}
	git := gitstore.NewStore(t.TempDir(), runner, gitstore.Remote{})
	logger, _, _ := testTelemetry(t)

	tm := NewTimeMachine(git, logger)
	if _, err := tm.ResetTo(context.Background(), "nope"); !IsVersionStore(err) {
		t.Fatalf("expected version store error, got %v", err)
	}
	if runner.called("read-tree") {
		t.Error("nothing may be restored when the ref does not resolve")
	}
}
