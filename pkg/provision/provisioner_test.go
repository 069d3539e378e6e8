package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/devstrap/devstrap/pkg/config"
	"github.com/devstrap/devstrap/pkg/system"
)

// fakeHost scripts the external collaborators (apt, mise, systemctl,
// psql, gem) and tracks mutable host state across commands, so sequencer
// behavior can be tested without touching the real system.
type fakeHost struct {
	t        *testing.T
	misePath string

	packagesInstalled bool
	runtimeInstalled  bool
	serviceReady      bool
	roleExists        bool
	roleName          string
	gemInstalled      bool

	psqlDown       bool
	miseLsBroken   bool
	skipHomeCreate bool
	failOn         string

	calls []system.Command
}

func (h *fakeHost) Run(ctx context.Context, cmd system.Command) (system.Result, error) {
	h.t.Helper()
	h.calls = append(h.calls, cmd)
	argv := cmd.Argv
	joined := strings.Join(argv, " ")

	if h.failOn != "" && strings.Contains(joined, h.failOn) {
		return system.Result{ExitCode: 1, Stderr: "injected failure"},
			&system.CommandError{Argv: argv, ExitCode: 1, Stderr: "injected failure"}
	}

	switch argv[0] {
	case "dpkg-query":
		if h.packagesInstalled {
			return system.Result{Stdout: "install ok installed"}, nil
		}
		return system.Result{ExitCode: 1}, &system.CommandError{Argv: argv, ExitCode: 1}

	case "apt-get":
		if argv[1] == "install" {
			h.packagesInstalled = true
		}
		return system.Result{}, nil

	case "useradd":
		return system.Result{}, nil

	case "install":
		if !h.skipHomeCreate {
			if err := os.MkdirAll(argv[len(argv)-1], 0o755); err != nil {
				h.t.Fatalf("fake install failed: %v", err)
			}
		}
		return system.Result{}, nil

	case "mkdir":
		if err := os.MkdirAll(argv[len(argv)-1], 0o755); err != nil {
			h.t.Fatalf("fake mkdir failed: %v", err)
		}
		return system.Result{}, nil

	case "bash":
		script := argv[2]
		switch {
		case strings.Contains(script, "curl"):
			if err := os.MkdirAll(filepath.Dir(h.misePath), 0o755); err != nil {
				h.t.Fatalf("fake installer failed: %v", err)
			}
			if err := os.WriteFile(h.misePath, []byte("#!/bin/sh\n"), 0o755); err != nil {
				h.t.Fatalf("fake installer failed: %v", err)
			}
			return system.Result{}, nil
		case strings.Contains(script, "gem install"):
			h.gemInstalled = true
			return system.Result{}, nil
		case strings.Contains(script, "gem list"):
			if h.gemInstalled {
				return system.Result{Stdout: "true\n"}, nil
			}
			return system.Result{Stdout: "false\n", ExitCode: 1},
				&system.CommandError{Argv: argv, ExitCode: 1, Stdout: "false\n"}
		}

	case "systemctl":
		switch argv[1] {
		case "is-enabled", "is-active":
			if h.serviceReady {
				return system.Result{Stdout: "enabled\n"}, nil
			}
			return system.Result{ExitCode: 1}, &system.CommandError{Argv: argv, ExitCode: 1}
		case "enable", "start":
			h.serviceReady = true
			return system.Result{}, nil
		}

	case "psql":
		if h.psqlDown {
			return system.Result{ExitCode: 2, Stderr: "could not connect to server"},
				&system.CommandError{Argv: argv, ExitCode: 2, Stderr: "could not connect to server"}
		}
		rows := "postgres\n"
		if h.roleExists {
			rows += h.roleName + "\n"
		}
		return system.Result{Stdout: rows}, nil

	case "createuser":
		h.roleExists = true
		h.roleName = argv[len(argv)-1]
		return system.Result{}, nil
	}

	if argv[0] == h.misePath {
		switch argv[1] {
		case "ls":
			if h.miseLsBroken {
				return system.Result{}, errors.New("failed to execute mise")
			}
			if h.runtimeInstalled {
				return system.Result{Stdout: "ruby  3.3.0\n"}, nil
			}
			return system.Result{ExitCode: 1}, &system.CommandError{Argv: argv, ExitCode: 1}
		case "install":
			h.runtimeInstalled = true
			return system.Result{}, nil
		case "use":
			return system.Result{}, nil
		}
	}

	h.t.Fatalf("unexpected command: %v", argv)
	return system.Result{}, nil
}

// commandSummaries renders recorded calls as joined argv strings for
// ordering assertions.
func (h *fakeHost) commandSummaries() []string {
	out := make([]string, 0, len(h.calls))
	for _, cmd := range h.calls {
		out = append(out, strings.Join(cmd.Argv, " "))
	}
	return out
}

func indexOf(summaries []string, substr string) int {
	for i, s := range summaries {
		if strings.Contains(s, substr) {
			return i
		}
	}
	return -1
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	cfg.Runtimes = []string{"ruby@latest"}
	cfg.Frameworks = []string{"rails"}
	return cfg
}

// testTarget is administrative so the user step reduces to the home
// directory check and commands run unwrapped.
func testTarget(t *testing.T) system.Identity {
	t.Helper()
	return system.Identity{Name: "tester", Home: t.TempDir(), Admin: true}
}

func newTestProvisioner(t *testing.T, host *fakeHost, target system.Identity, results *[]StepResult) *Provisioner {
	t.Helper()
	return New(testConfig(t), host, target, zerolog.Nop(),
		WithObserver(func(res StepResult) { *results = append(*results, res) }))
}

func TestStepsFixedOrder(t *testing.T) {
	target := testTarget(t)
	p := New(testConfig(t), &fakeHost{t: t}, target, zerolog.Nop())

	want := []string{
		"user",
		"packages",
		"mise",
		"shell",
		"runtime ruby@latest",
		"database service",
		"database role",
		"framework rails",
	}
	steps := p.Steps()
	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(steps))
	}
	for i, step := range steps {
		if step.Name != want[i] {
			t.Errorf("step %d: expected %q, got %q", i, want[i], step.Name)
		}
	}
}

func TestRunFreshHost(t *testing.T) {
	target := testTarget(t)
	host := &fakeHost{t: t, misePath: filepath.Join(target.LocalBin(), "mise")}
	var results []StepResult
	p := newTestProvisioner(t, host, target, &results)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcomes := map[string]Outcome{}
	for _, res := range results {
		outcomes[res.Step] = res.Outcome
	}
	// The home directory pre-exists, so the user step is the only skip.
	if outcomes["user"] != OutcomeSkipped {
		t.Errorf("expected user step skipped, got %s", outcomes["user"])
	}
	for _, step := range []string{"packages", "mise", "shell", "runtime ruby@latest", "database service", "database role", "framework rails"} {
		if outcomes[step] != OutcomeApplied {
			t.Errorf("expected %s applied, got %s", step, outcomes[step])
		}
	}

	// Ordering across step boundaries.
	summaries := host.commandSummaries()
	update := indexOf(summaries, "apt-get update")
	installer := indexOf(summaries, "curl")
	miseInstall := indexOf(summaries, "mise install ruby@latest")
	enable := indexOf(summaries, "systemctl enable")
	createRole := indexOf(summaries, "createuser")
	if update == -1 || installer == -1 || miseInstall == -1 || enable == -1 || createRole == -1 {
		t.Fatalf("missing expected commands in %v", summaries)
	}
	if !(update < installer && installer < miseInstall && miseInstall < enable && enable < createRole) {
		t.Errorf("commands out of order: %v", summaries)
	}

	// Host artifacts.
	if _, err := os.Stat(host.misePath); err != nil {
		t.Errorf("expected mise binary to exist: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(target.Home, ".bashrc"))
	if err != nil {
		t.Fatalf("expected shell startup file: %v", err)
	}
	if !strings.Contains(string(data), "mise activate") {
		t.Errorf("expected activation marker in startup file, got %q", string(data))
	}
	if host.roleName != target.Name {
		t.Errorf("expected role created for %q, got %q", target.Name, host.roleName)
	}
}

func TestSecondRunSkipsAllActions(t *testing.T) {
	target := testTarget(t)
	host := &fakeHost{t: t, misePath: filepath.Join(target.LocalBin(), "mise")}
	var results []StepResult
	p := newTestProvisioner(t, host, target, &results)

	ctx := context.Background()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	startupPath := filepath.Join(target.Home, ".bashrc")
	before, err := os.ReadFile(startupPath)
	if err != nil {
		t.Fatalf("failed to read startup file: %v", err)
	}

	results = nil
	host.calls = nil
	if err := p.Run(ctx); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	for _, res := range results {
		if res.Outcome != OutcomeSkipped {
			t.Errorf("step %s: expected skipped on second run, got %s", res.Step, res.Outcome)
		}
	}

	// No install or mutation commands on the second pass.
	for _, summary := range host.commandSummaries() {
		for _, forbidden := range []string{"apt-get", "curl", "mise install", "mise use", "systemctl enable", "systemctl start", "createuser", "gem install", "useradd"} {
			if strings.Contains(summary, forbidden) {
				t.Errorf("second run invoked mutating command: %s", summary)
			}
		}
	}

	after, err := os.ReadFile(startupPath)
	if err != nil {
		t.Fatalf("failed to re-read startup file: %v", err)
	}
	if string(before) != string(after) {
		t.Error("startup file content changed on an idempotent rerun")
	}
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	target := testTarget(t)
	host := &fakeHost{
		t:        t,
		misePath: filepath.Join(target.LocalBin(), "mise"),
		failOn:   "apt-get update",
	}
	var results []StepResult
	p := newTestProvisioner(t, host, target, &results)

	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected the run to fail")
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *StepError, got %T: %v", err, err)
	}
	if stepErr.Step != "packages" {
		t.Errorf("expected failure in packages step, got %s", stepErr.Step)
	}
	var cmdErr *system.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatal("expected the command error to propagate unchanged")
	}

	// Nothing after the failing step ran.
	for _, summary := range host.commandSummaries() {
		for _, later := range []string{"curl", "systemctl", "psql", "createuser", "gem"} {
			if strings.Contains(summary, later) {
				t.Errorf("command after the failing step was invoked: %s", summary)
			}
		}
	}

	last := results[len(results)-1]
	if last.Step != "packages" || last.Outcome != OutcomeFailed {
		t.Errorf("expected failed packages result last, got %+v", last)
	}
}

// provisionedHost fabricates a host where everything up to the database
// role is already satisfied.
func provisionedHost(t *testing.T, target system.Identity) *fakeHost {
	t.Helper()
	host := &fakeHost{
		t:                 t,
		misePath:          filepath.Join(target.LocalBin(), "mise"),
		packagesInstalled: true,
		runtimeInstalled:  true,
		serviceReady:      true,
		gemInstalled:      true,
	}
	if err := os.MkdirAll(target.LocalBin(), 0o755); err != nil {
		t.Fatalf("failed to create local bin: %v", err)
	}
	if err := os.WriteFile(host.misePath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("failed to create mise binary: %v", err)
	}
	startup := filepath.Join(target.Home, ".bashrc")
	if err := os.WriteFile(startup, []byte("eval \"$(mise activate bash)\"\n"), 0o644); err != nil {
		t.Fatalf("failed to create startup file: %v", err)
	}
	return host
}

func TestRoleGuardFailsOpen(t *testing.T) {
	target := testTarget(t)
	host := provisionedHost(t, target)
	host.psqlDown = true

	var results []StepResult
	p := newTestProvisioner(t, host, target, &results)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("expected the run to proceed past the failed role query: %v", err)
	}

	if indexOf(host.commandSummaries(), "createuser") == -1 {
		t.Error("expected role creation to be attempted despite the failed query")
	}
}

func TestRoleCreationFailurePropagates(t *testing.T) {
	target := testTarget(t)
	host := provisionedHost(t, target)
	host.psqlDown = true
	host.failOn = "createuser"

	var results []StepResult
	p := newTestProvisioner(t, host, target, &results)

	err := p.Run(context.Background())
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "database role" {
		t.Fatalf("expected database role step failure, got %v", err)
	}
}

func TestRuntimeGuardFailureAborts(t *testing.T) {
	target := testTarget(t)
	host := provisionedHost(t, target)
	host.miseLsBroken = true

	var results []StepResult
	p := newTestProvisioner(t, host, target, &results)

	err := p.Run(context.Background())
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if stepErr.Step != "runtime ruby@latest" {
		t.Errorf("expected runtime step failure, got %s", stepErr.Step)
	}

	// The run stopped before the database steps.
	for _, summary := range host.commandSummaries() {
		if strings.Contains(summary, "systemctl") || strings.Contains(summary, "psql") {
			t.Errorf("command after the aborting guard was invoked: %s", summary)
		}
	}
}

func TestMisePostconditionViolation(t *testing.T) {
	target := testTarget(t)
	// Installer that drops the binary somewhere other than the expected
	// location.
	host := &fakeHost{t: t, misePath: filepath.Join(target.Home, "elsewhere", "mise")}
	p := New(testConfig(t), host, target, zerolog.Nop())

	step := p.miseStep()
	if status, _ := step.Check(context.Background()); status != StatusPending {
		t.Fatalf("expected pending mise step, got %s", status)
	}

	err := step.Apply(context.Background())
	var postErr *PostconditionError
	if !errors.As(err, &postErr) {
		t.Fatalf("expected *PostconditionError, got %v", err)
	}
	if postErr.Step != "mise" {
		t.Errorf("expected mise postcondition, got %s", postErr.Step)
	}
}

func TestCheckIsReadOnly(t *testing.T) {
	target := testTarget(t)
	host := &fakeHost{t: t, misePath: filepath.Join(target.LocalBin(), "mise")}
	p := New(testConfig(t), host, target, zerolog.Nop())

	results := p.Check(context.Background())

	statuses := map[string]Status{}
	for _, res := range results {
		statuses[res.Step] = res.Status
	}
	if statuses["user"] != StatusSatisfied {
		t.Errorf("expected user satisfied, got %s", statuses["user"])
	}
	for _, step := range []string{"packages", "mise", "shell", "runtime ruby@latest", "database service", "database role", "framework rails"} {
		if statuses[step] != StatusPending {
			t.Errorf("expected %s pending, got %s", step, statuses[step])
		}
	}

	// Only read-only queries may run during a check.
	for _, summary := range host.commandSummaries() {
		allowed := false
		for _, prefix := range []string{"dpkg-query", "systemctl is-", "psql"} {
			if strings.HasPrefix(summary, prefix) {
				allowed = true
			}
		}
		if strings.Contains(summary, "mise ls") || strings.Contains(summary, "gem list") {
			allowed = true
		}
		if !allowed {
			t.Errorf("check invoked a non-query command: %s", summary)
		}
	}

	if _, err := os.Stat(filepath.Join(target.Home, ".bashrc")); !os.IsNotExist(err) {
		t.Error("check must not create the startup file")
	}
}

func TestUserStepCreatesDelegatedAccount(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home", "devstrap-ghost")
	target := system.Identity{Name: "devstrap-ghost", Home: home, Admin: false}
	host := &fakeHost{t: t, misePath: filepath.Join(target.LocalBin(), "mise")}
	p := New(testConfig(t), host, target, zerolog.Nop())

	step := p.userStep()
	status, err := step.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}
	if status != StatusPending {
		t.Fatalf("expected pending for a nonexistent account, got %s", status)
	}

	if err := step.Apply(context.Background()); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	summaries := host.commandSummaries()
	useradd := indexOf(summaries, "useradd")
	if useradd == -1 {
		t.Fatalf("expected useradd invocation, got %v", summaries)
	}
	if !strings.Contains(summaries[useradd], "--groups sudo") {
		t.Errorf("expected administrative group membership, got %s", summaries[useradd])
	}
	ensureHome := indexOf(summaries, "install -d")
	if ensureHome == -1 || ensureHome < useradd {
		t.Errorf("expected home ownership fixup after useradd, got %v", summaries)
	}
	if _, err := os.Stat(home); err != nil {
		t.Errorf("expected home directory to exist: %v", err)
	}
}

func TestUserStepPostcondition(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home", "devstrap-ghost")
	target := system.Identity{Name: "devstrap-ghost", Home: home, Admin: false}
	host := &fakeHost{t: t, skipHomeCreate: true}
	p := New(testConfig(t), host, target, zerolog.Nop())

	err := p.userStep().Apply(context.Background())
	var postErr *PostconditionError
	if !errors.As(err, &postErr) {
		t.Fatalf("expected *PostconditionError, got %v", err)
	}
}
