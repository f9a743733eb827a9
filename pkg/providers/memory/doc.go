// Package memory implements an in-memory provisioning provider for
// development and plan rehearsal. Resources live only for the lifetime
// of the process; the provider records every call so callers can
// inspect what an apply would have done.
package memory
