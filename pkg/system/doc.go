// Package system provides local command execution under a chosen OS
// identity. It resolves the administrative and target identities, builds
// the login environment overlay for user-level tool installs, and wraps
// non-administrative invocations in a sudo impersonation prefix.
package system
