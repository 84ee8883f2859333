package policy

import "time"

// BuiltinPolicies returns the policies compiled into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedPackagesPolicy(),
		protectedServicesPolicy(),
		largePlanPolicy(),
	}
}

// protectedPackagesPolicy blocks plans that remove packages the host
// cannot function without.
func protectedPackagesPolicy() Policy {
	return Policy{
		Name:        "protected-packages",
		Description: "Blocks removal of packages required for host operation",
		Severity:    SeverityError,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package twinsync.policies.protected_packages

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.domain == "packages"
	action.verb == "remove"
	action.target in input.protected.packages
	violation := {
		"message": sprintf("plan removes protected package %q", [action.target]),
		"severity": "error",
	}
}
`,
	}
}

// protectedServicesPolicy blocks plans that stop or disable services
// the host cannot be administered without.
func protectedServicesPolicy() Policy {
	return Policy{
		Name:        "protected-services",
		Description: "Blocks stopping or disabling services required for host access",
		Severity:    SeverityError,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package twinsync.policies.protected_services

import rego.v1

blocked_verbs := {"stop", "disable"}

deny contains violation if {
	some action in input.plan.actions
	action.domain == "services"
	action.verb in blocked_verbs
	action.target in input.protected.services
	violation := {
		"message": sprintf("plan would %s protected service %q", [action.verb, action.target]),
		"severity": "error",
	}
}
`,
	}
}

// largePlanPolicy warns when a plan is big enough that it probably
// reflects a mistaken desired-state edit rather than intended drift.
func largePlanPolicy() Policy {
	return Policy{
		Name:        "large-plan",
		Description: "Warns when a plan contains an unusually large number of actions",
		Severity:    SeverityWarning,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package twinsync.policies.large_plan

import rego.v1

threshold := 50

deny contains violation if {
	count(input.plan.actions) > threshold
	violation := {
		"message": sprintf("plan contains %d actions; review the desired-state edit", [count(input.plan.actions)]),
		"severity": "warning",
	}
}
`,
	}
}
