// Package config defines the static provisioning inputs: the package
// list, runtime specifiers, database settings, and shell activation
// snippet. The orchestrator treats all of it as data. Defaults covering a
// full Rails stack on Ubuntu are embedded; an optional YAML file overrides
// them field by field.
package config
