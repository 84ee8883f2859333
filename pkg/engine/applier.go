package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/twinsync/twinsync/pkg/fragment"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

// BackupStore captures pre-mutation state before destructive actions.
type BackupStore struct {
	root string
}

// NewBackupStore creates a backup store rooted at the repository's
// backups directory.
func NewBackupStore(repoRoot string) *BackupStore {
	return &BackupStore{root: filepath.Join(repoRoot, fragment.BackupsDir)}
}

// Capture writes the action's prior state to a timestamped YAML file
// and returns its path. The file must be durably written before the
// caller mutates anything.
func (b *BackupStore) Capture(runID string, action Action) (string, error) {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s-%s-%s.yaml",
		time.Now().UTC().Format("20060102T150405"),
		action.Domain, action.Verb, sanitizeRef(action.Target))
	path := filepath.Join(b.root, name)

	doc := struct {
		RunID   string         `yaml:"run_id"`
		Domain  string         `yaml:"domain"`
		Verb    Verb           `yaml:"verb"`
		Target  string         `yaml:"target"`
		Prior   fragment.Attrs `yaml:"prior"`
		TakenAt time.Time      `yaml:"taken_at"`
	}{
		RunID:   runID,
		Domain:  action.Domain,
		Verb:    action.Verb,
		Target:  action.Target,
		Prior:   action.Prior,
		TakenAt: time.Now().UTC(),
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// sanitizeRef makes an item key safe for use in a file name.
func sanitizeRef(target string) string {
	r := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	return r.Replace(target)
}

// RunRecorder persists run records as the applier progresses. The
// applier treats recording failures as log-worthy, not run-fatal.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *Run) error
}

// Applier executes plans. It validates provenance before touching
// anything, backs up before every destructive action, and continues
// past per-action failures so one bad item never blocks the rest.
type Applier struct {
	registry *Registry
	backups  *BackupStore
	recorder RunRecorder
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewApplier creates an applier. recorder may be nil.
func NewApplier(registry *Registry, backups *BackupStore, recorder RunRecorder, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Applier {
	return &Applier{
		registry: registry,
		backups:  backups,
		recorder: recorder,
		logger:   logger.NewComponentLogger("applier"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Apply executes the plan's actions in order. currentHead is the
// repository HEAD at apply time: if it no longer matches the plan's
// base commit the plan is rejected before any action runs.
//
// Context cancellation stops the run before the next action; actions
// already attempted keep their results and the remainder count as
// skipped.
func (a *Applier) Apply(ctx context.Context, plan *Plan, currentHead string) (*Run, error) {
	if plan.BaseCommit != currentHead {
		a.metrics.RecordStaleness()
		return nil, NewStalenessError(plan.BaseCommit, currentHead)
	}

	run := NewRun(plan.ID)
	run.Status = RunRunning
	run.Summary.Total = len(plan.Actions)
	a.record(ctx, run)

	start := time.Now()
	log := a.logger.WithRunID(run.ID).WithField("plan_id", plan.ID)
	log.WithField("actions", len(plan.Actions)).Info("run started")

	for i, action := range plan.Actions {
		select {
		case <-ctx.Done():
			run.Summary.Skipped = len(plan.Actions) - i
			log.WithField("skipped", run.Summary.Skipped).Warn("run cancelled")
			return a.finish(ctx, run, start), ctx.Err()
		default:
		}

		result := a.applyOne(ctx, run.ID, action)
		run.Results = append(run.Results, result)
		if result.Outcome == OutcomeSuccess {
			run.Summary.Succeeded++
		} else {
			run.Summary.Failed++
		}
		a.metrics.RecordAction(action.Domain, string(action.Verb), string(result.Outcome))
	}

	return a.finish(ctx, run, start), nil
}

func (a *Applier) finish(ctx context.Context, run *Run, start time.Time) *Run {
	run.CompletedAt = time.Now().UTC()
	if run.Summary.Failed > 0 || run.Summary.Skipped > 0 {
		run.Status = RunPartiallyFailed
	} else {
		run.Status = RunCompleted
	}
	a.metrics.RecordRun(string(run.Status), time.Since(start))
	a.record(ctx, run)

	a.logger.WithRunID(run.ID).
		WithField("status", string(run.Status)).
		WithField("succeeded", run.Summary.Succeeded).
		WithField("failed", run.Summary.Failed).
		Info("run finished")
	return run
}

// applyOne handles one action: backup if destructive, then dispatch to
// the owning plugin. A backup failure fails the action without running
// the mutation.
func (a *Applier) applyOne(ctx context.Context, runID string, action Action) Result {
	actx, span := a.tracer.StartActionSpan(ctx, action.Domain, string(action.Verb), action.Target)
	defer span.End()

	result := Result{Action: action}
	log := a.logger.WithRunID(runID).WithDomain(action.Domain).
		WithField("verb", string(action.Verb)).
		WithField("target", action.Target)

	plugin := a.registry.Get(action.Domain)
	if plugin == nil {
		err := NewApplyError("no plugin for domain", nil).WithDomain(action.Domain).WithTarget(action.Target)
		telemetry.RecordError(span, err)
		result.Outcome = OutcomeFailure
		result.Detail = err.Error()
		return result
	}

	if action.Destructive() {
		path, err := a.backups.Capture(runID, action)
		if err != nil {
			a.metrics.RecordBackup(action.Domain, true)
			berr := NewBackupError("pre-mutation backup failed, action skipped", err).
				WithDomain(action.Domain).WithTarget(action.Target)
			telemetry.RecordError(span, berr)
			log.WithError(err).Error("backup failed, skipping mutation")
			result.Outcome = OutcomeFailure
			result.Detail = berr.Error()
			return result
		}
		a.metrics.RecordBackup(action.Domain, false)
		result.Action.BackupRef = path
		result.BackupPath = path
	}

	if err := plugin.Apply(actx, result.Action); err != nil {
		aerr := NewApplyError("action failed", err).WithDomain(action.Domain).WithTarget(action.Target)
		telemetry.RecordError(span, aerr)
		log.WithError(err).Error("action failed")
		result.Outcome = OutcomeFailure
		result.Detail = aerr.Error()
		return result
	}

	telemetry.RecordSuccess(span)
	log.Debug("action applied")
	result.Outcome = OutcomeSuccess
	return result
}

func (a *Applier) record(ctx context.Context, run *Run) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordRun(ctx, run); err != nil {
		a.logger.WithRunID(run.ID).WithError(err).Warn("recording run state failed")
	}
}
