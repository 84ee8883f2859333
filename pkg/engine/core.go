package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/twinsync/twinsync/pkg/config"
	"github.com/twinsync/twinsync/pkg/fragment"
	"github.com/twinsync/twinsync/pkg/gitstore"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

// PolicyDecision is the outcome of evaluating a plan against policy.
type PolicyDecision struct {
	// Allowed reports whether the plan may be applied.
	Allowed bool

	// Violations lists the rules the plan breaks, empty when allowed.
	Violations []string

	// Warnings lists advisory findings that do not block the plan.
	Warnings []string
}

// PolicyGate evaluates plans before they are eligible to apply.
type PolicyGate interface {
	EvaluatePlan(ctx context.Context, plan *Plan) (*PolicyDecision, error)
}

// DriftReport describes the divergence between desired and observed
// state for one Status call.
type DriftReport struct {
	// Head is the repository commit the report was computed against.
	Head string

	// ActionsByDomain counts pending actions per domain.
	ActionsByDomain map[string]int

	// Total is the total pending action count.
	Total int

	// StaleDomains lists domains whose observations are stale.
	StaleDomains []string

	// SchemaErrors maps domains whose desired fragments are invalid.
	SchemaErrors map[string]error
}

// InSync reports whether observed state matches desired state.
func (d *DriftReport) InSync() bool {
	return d.Total == 0 && len(d.SchemaErrors) == 0
}

// Core ties the collector, planner, applier, and time machine together
// over one twin repository. Mutating operations take the repository
// lock so concurrent invocations exclude each other.
type Core struct {
	cfg       *config.Config
	store     *fragment.Store
	git       *gitstore.Store
	registry  *Registry
	collector *Collector
	planner   *Planner
	applier   *Applier
	machine   *TimeMachine
	policy    PolicyGate
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// CoreDeps carries the collaborators a Core is assembled from.
type CoreDeps struct {
	Config   *config.Config
	Registry *Registry
	Git      *gitstore.Store
	Recorder RunRecorder
	Policy   PolicyGate
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
}

// NewCore assembles a core from its dependencies.
func NewCore(deps CoreDeps) *Core {
	store := fragment.NewStore(deps.Config.RepoRoot)
	backups := NewBackupStore(deps.Config.RepoRoot)

	return &Core{
		cfg:       deps.Config,
		store:     store,
		git:       deps.Git,
		registry:  deps.Registry,
		collector: NewCollector(deps.Registry, store, deps.Config.Collect.Timeout, deps.Logger, deps.Metrics),
		planner:   NewPlanner(deps.Registry, store, deps.Logger, deps.Metrics),
		applier:   NewApplier(deps.Registry, backups, deps.Recorder, deps.Logger, deps.Metrics, deps.Tracer),
		machine:   NewTimeMachine(deps.Git, deps.Logger),
		policy:    deps.Policy,
		logger:    deps.Logger.NewComponentLogger("core"),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
	}
}

// lock acquires the repository's advisory lock.
func (c *Core) lock() (*gitstore.Lock, error) {
	lock := gitstore.NewLock(c.cfg.RepoRoot)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, gitstore.ErrLocked) {
			return nil, NewVersionStoreError("repository is locked by another process", err)
		}
		return nil, NewVersionStoreError("acquiring repository lock", err)
	}
	return lock, nil
}

// Init creates the repository layout, initializes version control, and
// seeds desired state from a first collection pass so a fresh twin
// starts in sync with the machine it describes.
func (c *Core) Init(ctx context.Context) error {
	if err := c.store.EnsureLayout(); err != nil {
		return NewVersionStoreError("creating repository layout", err)
	}
	if err := c.git.Init(ctx); err != nil {
		return NewVersionStoreError("initializing version control", err)
	}

	lock, err := c.lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	report, err := c.collector.CollectAll(ctx)
	if err != nil {
		return err
	}

	// Seed: observed becomes the initial desired state.
	for _, domain := range report.Collected {
		observed, err := c.store.LoadObserved(domain)
		if err != nil {
			return NewVersionStoreError("seeding desired state", err).WithDomain(domain)
		}
		if err := c.store.SaveDesired(observed); err != nil {
			return NewVersionStoreError("seeding desired state", err).WithDomain(domain)
		}
	}

	commit, err := c.git.CommitAll(ctx, "init: seed desired state from first observation")
	if err != nil {
		return NewVersionStoreError("committing initial state", err)
	}
	c.metrics.RecordCommit()

	c.logger.WithCommit(commit).Info("repository initialized")
	return nil
}

// Snapshot collects all domains, persists observations, and commits the
// result. A failed push never fails the snapshot.
func (c *Core) Snapshot(ctx context.Context) (*SnapshotResult, error) {
	sctx, span := c.tracer.StartSnapshotSpan(ctx)
	defer span.End()

	lock, err := c.lock()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer lock.Release()

	report, err := c.collector.CollectAll(sctx)
	if err != nil {
		c.metrics.RecordSnapshot("error")
		telemetry.RecordError(span, err)
		return nil, err
	}

	// Empty string on a fresh repository with no commits yet.
	before, _ := c.git.Head(sctx)

	commit, err := c.git.CommitAll(sctx, "snapshot: observed state")
	if err != nil {
		c.metrics.RecordSnapshot("error")
		telemetry.RecordError(span, err)
		return nil, NewVersionStoreError("committing snapshot", err)
	}

	result := &SnapshotResult{
		Commit:    commit,
		Changed:   commit != before,
		Collected: report.Collected,
		Stale:     report.Stale,
	}

	if result.Changed {
		c.metrics.RecordCommit()
		c.pushBestEffort(sctx)
	}
	c.metrics.RecordSnapshot("success")
	telemetry.RecordSuccess(span)

	c.logger.WithCommit(commit).
		WithField("changed", result.Changed).
		WithField("stale", len(result.Stale)).
		Info("snapshot complete")
	return result, nil
}

// pushBestEffort mirrors the repository to the configured remote. Push
// failures are logged and counted, never propagated.
func (c *Core) pushBestEffort(ctx context.Context) {
	err := c.git.Push(ctx)
	if err == nil || errors.Is(err, gitstore.ErrNoRemote) {
		return
	}
	c.metrics.RecordPushFailure()
	c.logger.WithError(NewRemotePushError(err)).Warn("push failed")
}

// BuildPlan snapshots provenance and diffs desired against observed
// state. The plan is persisted so apply can run in a later invocation.
// Domains with invalid desired fragments are reported in the map and
// omitted from the plan.
func (c *Core) BuildPlan(ctx context.Context) (*Plan, map[string]error, error) {
	head, err := c.git.Head(ctx)
	if err != nil {
		return nil, nil, NewVersionStoreError("reading head", err)
	}

	pctx, span := c.tracer.StartPlanSpan(ctx, head)
	defer span.End()

	plan, schemaErrors := c.planner.BuildPlan(head)

	if c.policy != nil && !plan.Empty() {
		decision, err := c.policy.EvaluatePlan(pctx, plan)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, schemaErrors, fmt.Errorf("evaluating plan policy: %w", err)
		}
		if !decision.Allowed {
			telemetry.RecordError(span, fmt.Errorf("policy rejected plan"))
			return nil, schemaErrors, fmt.Errorf("policy rejected plan: %v", decision.Violations)
		}
		for _, w := range decision.Warnings {
			c.logger.WithField("plan_id", plan.ID).Warnf("policy warning: %s", w)
		}
	}

	if err := c.savePlan(plan); err != nil {
		telemetry.RecordError(span, err)
		return nil, schemaErrors, err
	}

	telemetry.RecordSuccess(span)
	return plan, schemaErrors, nil
}

// savePlan writes the plan to plan/latest.yaml.
func (c *Core) savePlan(plan *Plan) error {
	data, err := plan.Marshal()
	if err != nil {
		return NewVersionStoreError("serializing plan", err)
	}
	path := filepath.Join(c.cfg.RepoRoot, fragment.PlanDir, "latest.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return NewVersionStoreError("persisting plan", err)
	}
	return nil
}

// LoadPlan reads the persisted plan, if any.
func (c *Core) LoadPlan() (*Plan, error) {
	path := filepath.Join(c.cfg.RepoRoot, fragment.PlanDir, "latest.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no plan found; run plan first")
		}
		return nil, err
	}
	return UnmarshalPlan(data)
}

// Apply executes a plan under the repository lock, validating that the
// repository has not moved since the plan was generated. The run record
// is persisted and the post-apply state is committed.
func (c *Core) Apply(ctx context.Context, plan *Plan) (*Run, error) {
	actx, span := c.tracer.StartApplySpan(ctx, plan.ID)
	defer span.End()

	lock, err := c.lock()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer lock.Release()

	head, err := c.git.Head(actx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, NewVersionStoreError("reading head", err)
	}

	run, err := c.applier.Apply(actx, plan, head)
	if run != nil {
		if werr := c.saveRun(run); werr != nil {
			c.logger.WithRunID(run.ID).WithError(werr).Warn("persisting run record failed")
		}
	}
	if err != nil && run == nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	// Re-observe and commit so the repository reflects the post-apply
	// reality, including partial failures and cancelled runs.
	postCtx := context.WithoutCancel(actx)
	if _, cerr := c.collector.CollectAll(postCtx); cerr != nil {
		c.logger.WithError(cerr).Warn("post-apply collection failed")
	}
	commit, cerr := c.git.CommitAll(postCtx, fmt.Sprintf("apply: run %s", run.ID))
	if cerr != nil {
		telemetry.RecordError(span, cerr)
		return run, NewVersionStoreError("committing post-apply state", cerr)
	}
	c.metrics.RecordCommit()
	c.pushBestEffort(postCtx)

	telemetry.RecordSuccess(span)
	c.logger.WithRunID(run.ID).WithCommit(commit).
		WithField("status", string(run.Status)).
		Info("apply complete")
	return run, err
}

// saveRun writes the run record to runs/<id>.yaml.
func (c *Core) saveRun(run *Run) error {
	dir := filepath.Join(c.cfg.RepoRoot, fragment.RunsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := run.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, run.ID+".yaml"), data, 0o644)
}

// Status collects fresh observations and reports drift without
// mutating anything or committing.
func (c *Core) Status(ctx context.Context) (*DriftReport, error) {
	lock, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	report, err := c.collector.CollectAll(ctx)
	if err != nil {
		return nil, err
	}

	head, err := c.git.Head(ctx)
	if err != nil {
		return nil, NewVersionStoreError("reading head", err)
	}

	plan, schemaErrors := c.planner.BuildPlan(head)

	drift := &DriftReport{
		Head:            head,
		ActionsByDomain: make(map[string]int),
		StaleDomains:    report.Stale,
		SchemaErrors:    schemaErrors,
	}
	for _, a := range plan.Actions {
		drift.ActionsByDomain[a.Domain]++
		drift.Total++
	}
	return drift, nil
}

// History returns recent snapshot commits, newest first.
func (c *Core) History(ctx context.Context, limit int) ([]gitstore.CommitInfo, error) {
	return c.machine.History(ctx, limit)
}

// DiffSnapshots returns the textual difference between two recorded
// snapshots.
func (c *Core) DiffSnapshots(ctx context.Context, from, to string) (string, error) {
	out, err := c.git.DiffCommits(ctx, from, to)
	if err != nil {
		return "", NewVersionStoreError("diffing snapshots", err)
	}
	return out, nil
}

// Pull fast-forwards the repository from the configured remote under
// the repository lock. Divergent histories are an error; the twin never
// merges, it only follows.
func (c *Core) Pull(ctx context.Context) error {
	lock, err := c.lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := c.git.PullFastForward(ctx); err != nil {
		if errors.Is(err, gitstore.ErrNoRemote) {
			return err
		}
		return NewVersionStoreError("pulling from remote", err)
	}
	return nil
}

// ResetTo restores the repository to an earlier snapshot under the
// repository lock. Restoring only rewrites the twin's files; the live
// system converges on the restored state through the next plan/apply.
func (c *Core) ResetTo(ctx context.Context, ref string) (string, error) {
	lock, err := c.lock()
	if err != nil {
		return "", err
	}
	defer lock.Release()

	commit, err := c.machine.ResetTo(ctx, ref)
	if err != nil {
		return "", err
	}
	c.metrics.RecordCommit()
	c.pushBestEffort(ctx)
	return commit, nil
}

// Validate checks every enabled domain's desired fragment against its
// schema without touching the live system.
func (c *Core) Validate() map[string]error {
	errs := make(map[string]error)
	for _, p := range c.registry.All() {
		domain := p.Domain()
		desired, err := c.store.LoadDesired(domain)
		if err != nil {
			errs[domain] = err
			continue
		}
		if err := p.ValidateDesired(desired); err != nil {
			errs[domain] = err
		}
	}
	return errs
}
