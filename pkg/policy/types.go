// Package policy gates plans through Rego rules before they become
// eligible to apply. Built-in rules protect critical packages and
// services; additional rules load from the repository's policy
// directory.
package policy

import "time"

// Severity is the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning flags findings that should be reviewed but do
	// not block the plan.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"
)

// Policy is one Rego rule set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not
	// declare their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// LoadedAt is when the policy was compiled.
	LoadedAt time.Time `json:"loaded_at"`
}

// Protected lists the resources the built-in policies guard.
type Protected struct {
	// Packages may never be removed by a plan.
	Packages []string

	// Services may never be stopped or disabled by a plan.
	Services []string
}

// violation is one deny result from a policy evaluation.
type violation struct {
	Policy   string
	Message  string
	Severity Severity
}
