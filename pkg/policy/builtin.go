package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedTableDestroyPolicy(),
		publicBucketAccessPolicy(),
		deploymentWithoutTriggersPolicy(),
		resourceNamingPolicy(),
	}
}

// protectedTableDestroyPolicy blocks plans that destroy or replace a table
// marked protected. Replacement destroys the table too, just after the
// new one exists, so it is equally blocked.
func protectedTableDestroyPolicy() Policy {
	return Policy{
		Name:        "protected-table-destroy",
		Description: "Blocks destroy or replacement of tables marked protected=true",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"data-safety"},
		Rego: `package stratus.policies.protected_table

import rego.v1

destructive := {"destroy", "replace_create_then_destroy"}

deny contains violation if {
	some entry in input.entries
	entry.kind == "table"
	entry.attributes.protected == "true"
	entry.action in destructive
	violation := {
		"message": sprintf("table %s is protected and cannot be destroyed or replaced", [entry.id]),
		"severity": "error",
		"resource": entry.id,
	}
}
`,
	}
}

// publicBucketAccessPolicy warns when a bucket disables its public access
// block.
func publicBucketAccessPolicy() Policy {
	return Policy{
		Name:        "public-bucket-access",
		Description: "Warns when a bucket disables block_public_access",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"security"},
		Rego: `package stratus.policies.public_bucket

import rego.v1

deny contains violation if {
	some entry in input.entries
	entry.kind == "bucket"
	entry.attributes.block_public_access == "false"
	violation := {
		"message": sprintf("bucket %s allows public access", [entry.id]),
		"severity": "warning",
		"resource": entry.id,
	}
}
`,
	}
}

// deploymentWithoutTriggersPolicy warns about deployments with an empty
// trigger set: once created they are never redeployed.
func deploymentWithoutTriggersPolicy() Policy {
	return Policy{
		Name:        "deployment-without-triggers",
		Description: "Warns when a deployment declares no redeployment triggers",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"conventions"},
		Rego: `package stratus.policies.deployment_triggers

import rego.v1

deny contains violation if {
	some entry in input.entries
	entry.kind == "deployment"
	count(entry.triggers) == 0
	violation := {
		"message": sprintf("deployment %s has no triggers and will never be redeployed", [entry.id]),
		"severity": "warning",
		"resource": entry.id,
	}
}
`,
	}
}

// resourceNamingPolicy enforces naming conventions on declared names.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Enforces resource naming conventions (lowercase, alphanumeric, hyphens only)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package stratus.policies.naming

import rego.v1

deny contains violation if {
	some entry in input.entries
	name := entry.attributes.name
	not regex.match("^[a-z0-9][a-z0-9-]*$", name)
	violation := {
		"message": sprintf("resource name %q must be lowercase alphanumeric with hyphens", [name]),
		"severity": "error",
		"resource": entry.id,
	}
}
`,
	}
}
