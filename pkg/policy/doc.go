// Package policy gates plans with Rego rules evaluated by OPA. Built-in
// policies protect tables marked protected from destruction, warn on
// publicly accessible buckets and on deployments with no redeployment
// triggers, and enforce naming conventions. Error-severity violations
// block the apply; warnings are reported and let it proceed.
package policy
