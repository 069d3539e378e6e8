package system

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Identity is an operating-system account a command runs as.
type Identity struct {
	// Name is the account name (e.g. "root", "dev").
	Name string

	// Home is the account's home directory. For accounts that do not
	// exist yet this is the directory the account will own once created.
	Home string

	// Admin marks the administrative identity. Administrative commands
	// run directly; all other identities run through a sudo wrapper.
	Admin bool
}

// Root returns the fixed administrative identity.
func Root() Identity {
	return Identity{Name: "root", Home: "/root", Admin: true}
}

// ResolveTarget resolves the identity the environment is provisioned for.
// The name is read from envVar, falling back to fallback when the variable
// is unset or blank. Resolving the administrative name yields the
// administrative identity itself (the self-provisioning configuration).
func ResolveTarget(envVar, fallback string) Identity {
	name := strings.TrimSpace(os.Getenv(envVar))
	if name == "" {
		name = fallback
	}
	if name == "root" {
		return Root()
	}
	return User(name)
}

// User returns a non-administrative identity for the named account.
func User(name string) Identity {
	return Identity{Name: name, Home: homeFor(name), Admin: false}
}

// homeFor returns the account's home directory from the user database,
// or the conventional location when the account does not exist yet.
func homeFor(name string) string {
	if u, err := user.Lookup(name); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	return filepath.Join("/home", name)
}

// LocalBin returns the identity's user-local binary directory.
func (id Identity) LocalBin() string {
	return filepath.Join(id.Home, ".local", "bin")
}

// Overlay is the minimal environment injected for commands that depend on
// the identity's user-level installations.
type Overlay map[string]string

// LoginOverlay builds the overlay a command needs to behave as if launched
// from the identity's own login shell: HOME, and PATH with the identity's
// local binary directory prepended so user-local installs shadow
// system-wide ones.
func LoginOverlay(id Identity) Overlay {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	return Overlay{
		"HOME": id.Home,
		"PATH": id.LocalBin() + string(os.PathListSeparator) + path,
	}
}

// Environ merges the overlay onto the current process environment and
// returns it in the form expected by os/exec. Overlay entries win.
func (o Overlay) Environ() []string {
	if len(o) == 0 {
		return nil
	}
	env := []string{}
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, shadowed := o[key]; shadowed {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range o {
		env = append(env, k+"="+v)
	}
	return env
}
