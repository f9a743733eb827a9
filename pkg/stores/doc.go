// Package stores provides the durable state store used by the planner and
// executor: an embedded SQLite database holding applied resource records
// and the history of apply runs. Schema changes ship as embedded
// migrations and run automatically on open.
package stores
