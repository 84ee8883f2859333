// Package engine implements the state-reconciliation core: the plugin
// contract, the collector orchestrator, the planner, the applier, and the
// time machine over the twin repository's version store.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a reconciliation error for propagation policy:
// domain-scoped kinds stay domain-scoped, only version-store failures
// abort an entire run.
type ErrorKind string

const (
	// ErrKindCollection is a per-plugin collect failure. Recoverable:
	// the domain's observed fragment goes stale and the run continues.
	ErrKindCollection ErrorKind = "collection"

	// ErrKindSchema is a malformed desired fragment. Fatal for that
	// fragment's planner pass; other domains are unaffected.
	ErrKindSchema ErrorKind = "schema"

	// ErrKindStaleness means a plan's provenance commit no longer
	// matches the repository. The applier refuses to run.
	ErrKindStaleness ErrorKind = "plan_staleness"

	// ErrKindBackup is a failed pre-mutation backup. Fatal for that one
	// action: the mutation is skipped.
	ErrKindBackup ErrorKind = "backup"

	// ErrKindApply is a per-action apply failure. Recorded; the run
	// continues.
	ErrKindApply ErrorKind = "apply"

	// ErrKindVersionStore is a commit or lock failure. Fatal for the
	// whole operation: local repository integrity outranks availability.
	ErrKindVersionStore ErrorKind = "version_store"

	// ErrKindRemotePush is a failed mirror push. Non-fatal: the local
	// commit stands.
	ErrKindRemotePush ErrorKind = "remote_push"
)

// ReconcileError is a classified engine error with domain context.
type ReconcileError struct {
	// Kind is the error classification.
	Kind ErrorKind `yaml:"kind"`

	// Message is the human-readable error message.
	Message string `yaml:"message"`

	// Domain is the configuration domain involved, if any.
	Domain string `yaml:"domain,omitempty"`

	// Target is the item the error concerns, if any.
	Target string `yaml:"target,omitempty"`

	// Err is the underlying error.
	Err error `yaml:"-"`
}

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Domain != "" {
		msg += fmt.Sprintf(" (domain=%s", e.Domain)
		if e.Target != "" {
			msg += fmt.Sprintf(", target=%s", e.Target)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// Is matches errors by kind.
func (e *ReconcileError) Is(target error) bool {
	t, ok := target.(*ReconcileError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDomain adds domain context.
func (e *ReconcileError) WithDomain(domain string) *ReconcileError {
	e.Domain = domain
	return e
}

// WithTarget adds target context.
func (e *ReconcileError) WithTarget(target string) *ReconcileError {
	e.Target = target
	return e
}

// NewCollectionError creates a per-plugin collection error.
func NewCollectionError(message string, err error) *ReconcileError {
	return &ReconcileError{Kind: ErrKindCollection, Message: message, Err: err}
}

// NewSchemaError creates a desired-fragment schema error.
func NewSchemaError(message string, err error) *ReconcileError {
	return &ReconcileError{Kind: ErrKindSchema, Message: message, Err: err}
}

// NewStalenessError creates a plan-staleness error.
func NewStalenessError(planCommit, headCommit string) *ReconcileError {
	return &ReconcileError{
		Kind: ErrKindStaleness,
		Message: fmt.Sprintf("plan was generated against commit %.12s but the repository is at %.12s; regenerate the plan",
			planCommit, headCommit),
	}
}

// NewBackupError creates a backup failure error.
func NewBackupError(message string, err error) *ReconcileError {
	return &ReconcileError{Kind: ErrKindBackup, Message: message, Err: err}
}

// NewApplyError creates a per-action apply error.
func NewApplyError(message string, err error) *ReconcileError {
	return &ReconcileError{Kind: ErrKindApply, Message: message, Err: err}
}

// NewVersionStoreError creates a version store error.
func NewVersionStoreError(message string, err error) *ReconcileError {
	return &ReconcileError{Kind: ErrKindVersionStore, Message: message, Err: err}
}

// NewRemotePushError creates a non-fatal remote push error.
func NewRemotePushError(err error) *ReconcileError {
	return &ReconcileError{Kind: ErrKindRemotePush, Message: "remote push failed; local commit stands", Err: err}
}

func isKind(err error, kind ErrorKind) bool {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsCollection reports whether err is a collection error.
func IsCollection(err error) bool { return isKind(err, ErrKindCollection) }

// IsSchema reports whether err is a schema error.
func IsSchema(err error) bool { return isKind(err, ErrKindSchema) }

// IsStaleness reports whether err is a plan-staleness error.
func IsStaleness(err error) bool { return isKind(err, ErrKindStaleness) }

// IsBackup reports whether err is a backup error.
func IsBackup(err error) bool { return isKind(err, ErrKindBackup) }

// IsApply reports whether err is a per-action apply error.
func IsApply(err error) bool { return isKind(err, ErrKindApply) }

// IsVersionStore reports whether err is a version store error.
func IsVersionStore(err error) bool { return isKind(err, ErrKindVersionStore) }

// IsRemotePush reports whether err is a remote push error.
func IsRemotePush(err error) bool { return isKind(err, ErrKindRemotePush) }
