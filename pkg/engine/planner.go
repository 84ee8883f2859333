package engine

import (
	"github.com/twinsync/twinsync/pkg/fragment"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

// Planner computes plans by diffing desired against observed fragments
// domain by domain. All iteration is over sorted keys, so the same
// fragment pair always yields the same plan content.
type Planner struct {
	registry *Registry
	store    *fragment.Store
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewPlanner creates a planner over the given registry and store.
func NewPlanner(registry *Registry, store *fragment.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Planner {
	return &Planner{
		registry: registry,
		store:    store,
		logger:   logger.NewComponentLogger("planner"),
		metrics:  metrics,
	}
}

// BuildPlan diffs every domain in registration order and returns the
// resulting plan rooted at baseCommit. A domain whose desired fragment
// fails schema validation is skipped and reported in the second return
// value; the plan still covers the remaining domains.
func (p *Planner) BuildPlan(baseCommit string) (*Plan, map[string]error) {
	plan := NewPlan(baseCommit)
	schemaErrors := make(map[string]error)
	actionsByDomain := make(map[string]int)

	for _, plugin := range p.registry.All() {
		domain := plugin.Domain()

		desired, err := p.store.LoadDesired(domain)
		if err != nil {
			schemaErrors[domain] = NewSchemaError("loading desired fragment", err).WithDomain(domain)
			p.metrics.RecordSchemaFailure(domain)
			continue
		}
		if err := plugin.ValidateDesired(desired); err != nil {
			p.logger.WithDomain(domain).WithError(err).Warn("desired fragment failed validation, skipping domain")
			schemaErrors[domain] = NewSchemaError("desired fragment rejected", err).WithDomain(domain)
			p.metrics.RecordSchemaFailure(domain)
			continue
		}

		observed, err := p.store.LoadObserved(domain)
		if err != nil {
			schemaErrors[domain] = NewSchemaError("loading observed fragment", err).WithDomain(domain)
			p.metrics.RecordSchemaFailure(domain)
			continue
		}

		actions, err := plugin.Diff(desired, observed)
		if err != nil {
			schemaErrors[domain] = NewSchemaError("diffing fragments", err).WithDomain(domain)
			p.metrics.RecordSchemaFailure(domain)
			continue
		}

		plan.Actions = append(plan.Actions, actions...)
		actionsByDomain[domain] = len(actions)
		p.logger.WithDomain(domain).WithField("actions", len(actions)).Debug("domain diffed")
	}

	p.metrics.RecordPlan(actionsByDomain)
	p.logger.WithField("plan_id", plan.ID).
		WithField("total_actions", len(plan.Actions)).
		WithCommit(baseCommit).
		Info("plan generated")

	if len(schemaErrors) == 0 {
		return plan, nil
	}
	return plan, schemaErrors
}
