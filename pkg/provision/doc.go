// Package provision implements the idempotent provisioning orchestrator:
// the fixed sequence of steps that takes a machine from a bare OS to a
// working development stack. Each step pairs an idempotency guard with an
// action executed under a declared identity; a satisfied guard skips the
// action entirely, and the first unrecovered failure aborts the run.
package provision
