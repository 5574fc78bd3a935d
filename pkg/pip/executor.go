package pip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/syncengine"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
	"github.com/pyrite-env/pyrite/pkg/transaction"
)

// Config configures the pip executor.
type Config struct {
	// EnvironmentsDir is the directory virtual environments live under,
	// one subdirectory per environment.
	EnvironmentsDir string

	// IndexURL overrides pip's package index when non-empty.
	IndexURL string

	// CommandTimeout bounds a single pip invocation. Zero disables the
	// per-command timeout; the caller's context still applies.
	CommandTimeout time.Duration
}

// Executor runs pip and venv against on-disk virtual environments.
type Executor struct {
	cfg    Config
	logger *telemetry.Logger
}

// NewExecutor creates a pip executor. logger may be nil.
func NewExecutor(cfg Config, logger *telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Executor{
		cfg:    cfg,
		logger: logger.NewComponentLogger("pip"),
	}
}

// EnvironmentPath returns the on-disk root of an environment.
func (e *Executor) EnvironmentPath(name string) string {
	return filepath.Join(e.cfg.EnvironmentsDir, name)
}

// Apply implements transaction.OperationExecutor.
func (e *Executor) Apply(ctx context.Context, environment string, change syncengine.SyncChange) error {
	return e.run(ctx, environment, change)
}

// Undo implements transaction.OperationExecutor.
func (e *Executor) Undo(ctx context.Context, environment string, entry transaction.RollbackEntry) error {
	return e.run(ctx, environment, entry.Inverse)
}

func (e *Executor) run(ctx context.Context, environment string, change syncengine.SyncChange) error {
	var args []string
	switch change.Kind {
	case syncengine.ChangeInstall, syncengine.ChangeUpgrade, syncengine.ChangeDowngrade:
		args = installArgs(change, e.cfg.IndexURL)
	case syncengine.ChangeRemove:
		args = uninstallArgs(change.Package)
	default:
		return transaction.NewPermanentError(
			fmt.Sprintf("unknown change kind %q", change.Kind), nil,
		).WithEnvironment(environment).WithPackage(change.Package)
	}

	output, err := e.pip(ctx, environment, args...)
	if err != nil {
		e.logger.WithError(err).WithEnvironment(environment).WithPackage(change.Package).
			Error("pip command failed")
		return classify(err, output).WithEnvironment(environment).WithPackage(change.Package)
	}

	e.logger.WithEnvironment(environment).WithPackage(change.Package).
		Debug(fmt.Sprintf("Applied %s", change))
	return nil
}

// CreateEnvironment materializes a fresh virtual environment for the
// given interpreter version.
func (e *Executor) CreateEnvironment(ctx context.Context, name string, interpreter pyver.Version) error {
	path := e.EnvironmentPath(name)
	if _, err := os.Stat(path); err == nil {
		return transaction.NewPermanentError(
			fmt.Sprintf("environment directory %s already exists", path), nil,
		).WithEnvironment(name)
	}

	python, err := interpreterBinary(interpreter)
	if err != nil {
		return transaction.NewPermanentError("locating python interpreter", err).WithEnvironment(name)
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, python, "-m", "venv", path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return classify(err, string(output)).WithEnvironment(name)
	}

	e.logger.WithEnvironment(name).Info(fmt.Sprintf("Created virtual environment with %s", python))
	return nil
}

// RemoveEnvironment deletes an environment's on-disk tree.
func (e *Executor) RemoveEnvironment(name string) error {
	path := e.EnvironmentPath(name)
	if err := os.RemoveAll(path); err != nil {
		return transaction.NewPermanentError("removing environment directory", err).WithEnvironment(name)
	}
	return nil
}

// InstalledPackages asks pip for the environment's installed package
// set. Used to detect changes made outside the daemon.
func (e *Executor) InstalledPackages(ctx context.Context, environment string) (map[string]pyver.Version, error) {
	output, err := e.pip(ctx, environment, "list", "--format=freeze", "--disable-pip-version-check")
	if err != nil {
		return nil, classify(err, output).WithEnvironment(environment)
	}
	return parseFreeze(output), nil
}

func (e *Executor) pip(ctx context.Context, environment string, args ...string) (string, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	bin := filepath.Join(e.EnvironmentPath(environment), "bin", "pip")
	cmd := exec.CommandContext(ctx, bin, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CommandTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.CommandTimeout)
}

// installArgs builds the pip arguments for an install, upgrade, or
// downgrade. Dependencies are pinned by the plan, so pip's own resolver
// is bypassed with --no-deps.
func installArgs(change syncengine.SyncChange, indexURL string) []string {
	args := []string{"install", "--no-deps", "--disable-pip-version-check"}
	if indexURL != "" {
		args = append(args, "--index-url", indexURL)
	}
	if change.Kind == syncengine.ChangeUpgrade || change.Kind == syncengine.ChangeDowngrade {
		args = append(args, "--force-reinstall")
	}
	spec := change.Package
	if change.To != nil {
		spec = fmt.Sprintf("%s==%s", change.Package, change.To)
	}
	return append(args, spec)
}

// uninstallArgs builds the pip arguments for a removal.
func uninstallArgs(name string) []string {
	return []string{"uninstall", "-y", "--disable-pip-version-check", name}
}

// transientMarkers are substrings of pip output that indicate a
// network-shaped failure worth retrying.
var transientMarkers = []string{
	"ReadTimeoutError",
	"ConnectionError",
	"ConnectionResetError",
	"Temporary failure in name resolution",
	"Connection timed out",
	"ProtocolError",
	"503 Service Unavailable",
	"502 Bad Gateway",
}

// classify maps a pip failure to the transaction error taxonomy.
// Timeouts and network errors are transient; everything else, including
// resolution and permission failures, is permanent.
func classify(err error, output string) *transaction.Error {
	msg := strings.TrimSpace(output)
	if msg == "" {
		msg = err.Error()
	}
	if len(msg) > 2000 {
		msg = msg[len(msg)-2000:]
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return transaction.NewTransientError("pip command timed out", err)
	}
	for _, marker := range transientMarkers {
		if strings.Contains(output, marker) {
			return transaction.NewTransientError(msg, err)
		}
	}
	return transaction.NewPermanentError(msg, err)
}

// parseFreeze parses `pip list --format=freeze` output. Lines that are
// not plain name==version pins (editable installs, direct references)
// are skipped.
func parseFreeze(output string) map[string]pyver.Version {
	packages := make(map[string]pyver.Version)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-e ") {
			continue
		}
		name, version, found := strings.Cut(line, "==")
		if !found {
			continue
		}
		v, err := pyver.Parse(strings.TrimSpace(version))
		if err != nil {
			continue
		}
		packages[pyver.NormalizeName(strings.TrimSpace(name))] = v
	}
	return packages
}

// interpreterBinary finds the python binary for an interpreter version,
// preferring the exact minor version on PATH.
func interpreterBinary(interpreter pyver.Version) (string, error) {
	candidates := []string{
		fmt.Sprintf("python%d.%d", interpreter.Major, interpreter.Minor),
		fmt.Sprintf("python%d", interpreter.Major),
		"python3",
	}
	for _, candidate := range candidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found for %s", interpreter)
}

// Ensure Executor satisfies the transaction manager's contract.
var _ transaction.OperationExecutor = (*Executor)(nil)
