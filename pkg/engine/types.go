package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/twinsync/twinsync/pkg/fragment"
)

// Verb is the kind of mutation an action performs.
type Verb string

const (
	VerbInstall Verb = "install"
	VerbRemove  Verb = "remove"
	VerbEnable  Verb = "enable"
	VerbDisable Verb = "disable"
	VerbStart   Verb = "start"
	VerbStop    Verb = "stop"
	VerbCreate  Verb = "create"
	VerbReplace Verb = "replace"
	VerbUpdate  Verb = "update"
)

// IsDestructive reports whether applying the verb discards prior state.
// Installs, enables, starts, and creates bring something into existence
// without overwriting anything; the rest overwrite or remove.
func (v Verb) IsDestructive() bool {
	switch v {
	case VerbRemove, VerbDisable, VerbStop, VerbReplace, VerbUpdate:
		return true
	}
	return false
}

// Action is one mutation the applier will carry out against the live
// system. Actions are self-describing: Payload carries the desired
// attributes and Prior the observed attributes being replaced, so a
// stored plan can be replayed or audited without its source fragments.
type Action struct {
	// Domain is the configuration domain this action belongs to.
	Domain string `yaml:"domain"`

	// Verb is the mutation to perform.
	Verb Verb `yaml:"verb"`

	// Target is the item key within the domain.
	Target string `yaml:"target"`

	// Payload carries the desired attributes for the target.
	Payload fragment.Attrs `yaml:"payload,omitempty"`

	// Prior carries the observed attributes being replaced or removed.
	// Empty for purely additive actions.
	Prior fragment.Attrs `yaml:"prior,omitempty"`

	// BackupRef is filled by the applier with the path of the backup
	// taken before a destructive action.
	BackupRef string `yaml:"backup_ref,omitempty"`
}

// Destructive reports whether this action needs a backup before it runs.
// An update over empty prior content creates rather than overwrites.
func (a Action) Destructive() bool {
	if a.Verb == VerbUpdate && len(a.Prior) == 0 {
		return false
	}
	return a.Verb.IsDestructive()
}

// Plan is an ordered list of actions with provenance. A plan is valid
// only against the exact repository commit it was generated from.
type Plan struct {
	// ID uniquely identifies the plan.
	ID string `yaml:"id"`

	// GeneratedAt is when the plan was computed.
	GeneratedAt time.Time `yaml:"generated_at"`

	// BaseCommit is the repository commit the plan was diffed against.
	BaseCommit string `yaml:"base_commit"`

	// Actions is the ordered action list.
	Actions []Action `yaml:"actions"`
}

// NewPlan creates an empty plan rooted at the given commit.
func NewPlan(baseCommit string) *Plan {
	return &Plan{
		ID:          uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
		BaseCommit:  baseCommit,
		Actions:     nil,
	}
}

// Empty reports whether the plan contains no actions.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// fingerprintDoc is the canonical content a plan's identity hashes over.
// ID and GeneratedAt are provenance, not content: two plans computed
// from the same commit pair must fingerprint identically.
type fingerprintDoc struct {
	BaseCommit string   `yaml:"base_commit"`
	Actions    []Action `yaml:"actions"`
}

// Fingerprint returns a hex digest of the plan's canonical content.
func (p *Plan) Fingerprint() string {
	doc := fingerprintDoc{BaseCommit: p.BaseCommit, Actions: p.Actions}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Marshal serializes the plan to YAML.
func (p *Plan) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// UnmarshalPlan parses a YAML-serialized plan.
func UnmarshalPlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Outcome is the result classification of a single applied action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result records what happened to one action during a run.
type Result struct {
	// Action is the action that was attempted.
	Action Action `yaml:"action"`

	// Outcome is success or failure.
	Outcome Outcome `yaml:"outcome"`

	// Detail carries the failure message, empty on success.
	Detail string `yaml:"detail,omitempty"`

	// BackupPath is where the pre-mutation backup was written, if any.
	BackupPath string `yaml:"backup_path,omitempty"`
}

// RunStatus is the lifecycle state of an apply run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially_failed"
)

// Summary aggregates per-action outcomes for a run.
type Summary struct {
	// Total is the number of actions in the plan.
	Total int `yaml:"total"`

	// Succeeded is the number of actions that applied cleanly.
	Succeeded int `yaml:"succeeded"`

	// Failed is the number of actions that failed.
	Failed int `yaml:"failed"`

	// Skipped is the number of actions not attempted (cancellation).
	Skipped int `yaml:"skipped"`
}

// Run is the record of one apply of one plan.
type Run struct {
	// ID uniquely identifies the run.
	ID string `yaml:"id"`

	// PlanID is the plan this run executed.
	PlanID string `yaml:"plan_id"`

	// Status is the run's lifecycle state.
	Status RunStatus `yaml:"status"`

	// StartedAt is when the applier began.
	StartedAt time.Time `yaml:"started_at"`

	// CompletedAt is when the applier finished, zero while running.
	CompletedAt time.Time `yaml:"completed_at,omitempty"`

	// Results holds one entry per attempted action, in plan order.
	Results []Result `yaml:"results"`

	// Summary aggregates the results.
	Summary Summary `yaml:"summary"`
}

// NewRun creates a pending run for the given plan.
func NewRun(planID string) *Run {
	return &Run{
		ID:        uuid.New().String(),
		PlanID:    planID,
		Status:    RunPending,
		StartedAt: time.Now().UTC(),
	}
}

// Marshal serializes the run to YAML.
func (r *Run) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}

// SnapshotResult reports one snapshot cycle: the commit recorded and
// which domains collected, went stale, or changed.
type SnapshotResult struct {
	// Commit is the repository commit recording the observed state.
	// Unchanged when the snapshot found no drift.
	Commit string `yaml:"commit"`

	// Changed reports whether the snapshot produced a new commit.
	Changed bool `yaml:"changed"`

	// Collected lists domains whose collection succeeded.
	Collected []string `yaml:"collected"`

	// Stale lists domains whose collection failed and whose previous
	// observation was carried forward marked stale.
	Stale []string `yaml:"stale,omitempty"`
}
