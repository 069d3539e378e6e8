// Package journal persists provisioning run history in a local SQLite
// database: one record per run and one per step outcome. Command output
// is never stored, only the outcome and an error summary. Journaling is
// best-effort; a journal failure never fails a provisioning run.
package journal
