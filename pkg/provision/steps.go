package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devstrap/devstrap/pkg/system"
)

// Steps builds the fixed, totally ordered provisioning sequence. Each
// step depends only on the success of everything before it; there is no
// parallelism and no reordering. The guards close over live host state so
// every Run and Check evaluates them fresh.
func (p *Provisioner) Steps() []Step {
	steps := []Step{
		p.userStep(),
		p.packagesStep(),
		p.miseStep(),
		p.shellStep(),
	}
	for _, spec := range p.cfg.Runtimes {
		steps = append(steps, p.runtimeStep(spec))
	}
	steps = append(steps, p.serviceStep(), p.roleStep())
	for _, name := range p.cfg.Frameworks {
		steps = append(steps, p.frameworkStep(name))
	}
	return steps
}

// misePath returns the runtime manager binary location under the target
// account's local binary directory.
func (p *Provisioner) misePath() string {
	return filepath.Join(p.target.LocalBin(), "mise")
}

// userStep ensures the target account exists with an owned home
// directory. Creation always runs under the administrative identity; for
// the self-provisioning configuration only the home directory matters.
func (p *Provisioner) userStep() Step {
	target := p.target
	return Step{
		Name:      "user",
		Identity:  system.Root(),
		OnUnknown: AbortOnUnknown,
		Check: func(ctx context.Context) (Status, error) {
			if !target.Admin {
				_, err := user.Lookup(target.Name)
				var unknown user.UnknownUserError
				switch {
				case errors.As(err, &unknown):
					return StatusPending, nil
				case err != nil:
					return StatusUnknown, fmt.Errorf("failed to look up user %s: %w", target.Name, err)
				}
			}
			return FileExists(target.Home)(ctx)
		},
		Apply: func(ctx context.Context) error {
			if target.Admin {
				if err := os.MkdirAll(target.Home, 0o755); err != nil {
					return fmt.Errorf("failed to create home directory: %w", err)
				}
				return nil
			}
			if _, err := user.Lookup(target.Name); err != nil {
				argv := []string{
					"useradd",
					"--create-home",
					"--shell", "/bin/bash",
					"--groups", "sudo",
					target.Name,
				}
				if _, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: system.Root()}); err != nil {
					return err
				}
			}
			// The account may predate the run without a home directory.
			argv := []string{"install", "-d", "-o", target.Name, "-g", target.Name, target.Home}
			if _, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: system.Root()}); err != nil {
				return err
			}
			if _, err := os.Stat(target.Home); err != nil {
				return &PostconditionError{Step: "user", Artifact: target.Home}
			}
			return nil
		},
	}
}

// packagesStep installs the OS packages. The guard queries the package
// database per package; any missing package makes the step pending.
func (p *Provisioner) packagesStep() Step {
	all := append(append([]string{}, p.cfg.BootstrapPackages...), p.cfg.Packages...)
	return Step{
		Name:      "packages",
		Identity:  system.Root(),
		OnUnknown: AbortOnUnknown,
		Check: func(ctx context.Context) (Status, error) {
			for _, pkg := range all {
				argv := []string{"dpkg-query", "-W", "-f=${Status}", pkg}
				res, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: system.Root()})
				var cmdErr *system.CommandError
				switch {
				case errors.As(err, &cmdErr):
					// dpkg-query exits non-zero for unknown packages.
					return StatusPending, nil
				case err != nil:
					return StatusUnknown, err
				case !strings.Contains(res.Stdout, "install ok installed"):
					return StatusPending, nil
				}
			}
			return StatusSatisfied, nil
		},
		Apply: func(ctx context.Context) error {
			root := system.Root()
			if len(p.cfg.BootstrapPackages) > 0 {
				argv := append([]string{"apt-get", "install", "-y"}, p.cfg.BootstrapPackages...)
				if _, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: root}); err != nil {
					return err
				}
			}
			if _, err := p.runner.Run(ctx, system.Command{Argv: []string{"apt-get", "update"}, Identity: root}); err != nil {
				return err
			}
			argv := append([]string{"apt-get", "install", "-y"}, p.cfg.Packages...)
			if _, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: root}); err != nil {
				return err
			}
			return nil
		},
	}
}

// miseStep installs the runtime version manager into the target account's
// local binary directory. The installer mutates state, so a postcondition
// verifies the binary actually landed.
func (p *Provisioner) miseStep() Step {
	target := p.target
	misePath := p.misePath()
	return Step{
		Name:      "mise",
		Identity:  target,
		OnUnknown: AbortOnUnknown,
		Check:     FileExists(misePath),
		Apply: func(ctx context.Context) error {
			mkdir := system.Command{
				Argv:     []string{"mkdir", "-p", target.LocalBin()},
				Identity: target,
			}
			if _, err := p.runner.Run(ctx, mkdir); err != nil {
				return err
			}
			install := system.Command{
				Argv:     []string{"bash", "-c", `curl "$1" | sh`, "bash", p.cfg.Mise.InstallURL},
				Identity: target,
				Env:      p.overlay,
			}
			if _, err := p.runner.Run(ctx, install); err != nil {
				return err
			}
			if _, err := os.Stat(misePath); err != nil {
				return &PostconditionError{Step: "mise", Artifact: misePath}
			}
			return nil
		},
	}
}

// shellStep appends the runtime manager activation block to the target
// account's shell startup file. The guard is a content check on the
// activation marker; when the file exists without the marker the block is
// appended, never overwritten.
func (p *Provisioner) shellStep() Step {
	target := p.target
	startup := filepath.Join(target.Home, p.cfg.Shell.StartupFile)
	return Step{
		Name:      "shell",
		Identity:  target,
		OnUnknown: AbortOnUnknown,
		Check:     FileContains(startup, p.cfg.Shell.Marker),
		Apply: func(ctx context.Context) error {
			return appendBlock(startup, p.cfg.Shell.ActivationBlock, target)
		},
	}
}

// appendBlock appends block to the file at path, creating it if absent.
// A newly created file in a non-administrative account's home is chowned
// to that account.
func appendBlock(path, block string, owner system.Identity) error {
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.WriteString(block); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	if created && !owner.Admin {
		if err := chownToIdentity(path, owner); err != nil {
			return err
		}
	}
	return nil
}

func chownToIdentity(path string, id system.Identity) error {
	u, err := user.Lookup(id.Name)
	if err != nil {
		return fmt.Errorf("failed to look up user %s: %w", id.Name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid for %s: %w", id.Name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid for %s: %w", id.Name, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("failed to chown %s: %w", path, err)
	}
	return nil
}

// runtimeStep installs and globally selects one language runtime via the
// runtime manager. The specifier is passed verbatim; the guard asks the
// manager whether the tool already has an installed version. By step
// order the manager binary exists here, so a failing query is a real
// error and aborts the run.
func (p *Provisioner) runtimeStep(spec string) Step {
	target := p.target
	tool, _, _ := strings.Cut(spec, "@")
	return Step{
		Name:      "runtime " + spec,
		Identity:  target,
		OnUnknown: AbortOnUnknown,
		Check: func(ctx context.Context) (Status, error) {
			argv := []string{p.misePath(), "ls", "--installed", tool}
			res, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: target, Env: p.overlay})
			var cmdErr *system.CommandError
			switch {
			case errors.As(err, &cmdErr):
				return StatusPending, nil
			case err != nil:
				return StatusUnknown, err
			case strings.TrimSpace(res.Stdout) == "":
				return StatusPending, nil
			}
			return StatusSatisfied, nil
		},
		Apply: func(ctx context.Context) error {
			for _, args := range [][]string{
				{p.misePath(), "install", spec},
				{p.misePath(), "use", "--global", spec},
			} {
				cmd := system.Command{Argv: args, Identity: target, Env: p.overlay}
				if _, err := p.runner.Run(ctx, cmd); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// serviceStep enables and starts the database service. The guard inspects
// the service manager's enabled and active states; either one off makes
// the step pending.
func (p *Provisioner) serviceStep() Step {
	svc := p.cfg.Database.Service
	return Step{
		Name:      "database service",
		Identity:  system.Root(),
		OnUnknown: AbortOnUnknown,
		Check: func(ctx context.Context) (Status, error) {
			for _, probe := range []string{"is-enabled", "is-active"} {
				argv := []string{"systemctl", probe, svc}
				_, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: system.Root()})
				var cmdErr *system.CommandError
				switch {
				case errors.As(err, &cmdErr):
					// systemctl exits non-zero for disabled/inactive.
					return StatusPending, nil
				case err != nil:
					return StatusUnknown, err
				}
			}
			return StatusSatisfied, nil
		},
		Apply: func(ctx context.Context) error {
			for _, action := range []string{"enable", "start"} {
				argv := []string{"systemctl", action, svc}
				if _, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: system.Root()}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// roleStep ensures a superuser database role matching the target account
// exists. The guard lists roles through the database's administrative
// account and compares names in-process, so the role name is never
// interpolated into query text. This is the single fail-open guard: a
// failed query (service still coming up) proceeds to creation instead of
// aborting; a creation failure still propagates.
func (p *Provisioner) roleStep() Step {
	target := p.target
	dbAdmin := system.User(p.cfg.Database.AdminUser)
	return Step{
		Name:      "database role",
		Identity:  dbAdmin,
		OnUnknown: ProceedOnUnknown,
		Check: func(ctx context.Context) (Status, error) {
			argv := []string{"psql", "-tA", "-c", "SELECT rolname FROM pg_roles"}
			res, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: dbAdmin})
			if err != nil {
				return StatusUnknown, err
			}
			for _, line := range strings.Split(res.Stdout, "\n") {
				if strings.TrimSpace(line) == target.Name {
					return StatusSatisfied, nil
				}
			}
			return StatusPending, nil
		},
		Apply: func(ctx context.Context) error {
			// Role name as a discrete argument, not query text.
			argv := []string{"createuser", "--superuser", "--createdb", target.Name}
			if _, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: dbAdmin}); err != nil {
				return err
			}
			return nil
		},
	}
}

// frameworkStep installs one framework package through the language
// package manager of the now-activated runtime. Both the guard and the
// action run inside a mise-activated shell; the package name is passed as
// a positional parameter, never spliced into the script.
func (p *Provisioner) frameworkStep(name string) Step {
	target := p.target
	const checkScript = `export PATH="$HOME/.local/bin:$PATH" && eval "$(mise activate bash)" && gem list -i "$1"`
	const installScript = `export PATH="$HOME/.local/bin:$PATH" && eval "$(mise activate bash)" && gem install "$1" --no-document`
	return Step{
		Name:      "framework " + name,
		Identity:  target,
		OnUnknown: AbortOnUnknown,
		Check: func(ctx context.Context) (Status, error) {
			argv := []string{"bash", "-c", checkScript, "bash", name}
			res, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: target, Env: p.overlay})
			var cmdErr *system.CommandError
			switch {
			case err == nil:
				return StatusSatisfied, nil
			case errors.As(err, &cmdErr) && strings.Contains(res.Stdout, "false"):
				// gem list -i prints false and exits non-zero when the
				// gem is absent.
				return StatusPending, nil
			default:
				return StatusUnknown, err
			}
		},
		Apply: func(ctx context.Context) error {
			argv := []string{"bash", "-c", installScript, "bash", name}
			if _, err := p.runner.Run(ctx, system.Command{Argv: argv, Identity: target, Env: p.overlay}); err != nil {
				return err
			}
			return nil
		},
	}
}
