package pip

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/syncengine"
	"github.com/pyrite-env/pyrite/pkg/transaction"
)

func TestInstallArgs(t *testing.T) {
	v1 := pyver.MustParse("1.0.0")
	v2 := pyver.MustParse("2.1.0")

	tests := []struct {
		name     string
		change   syncengine.SyncChange
		indexURL string
		want     []string
	}{
		{
			name:   "install pins the version and skips pip's resolver",
			change: syncengine.SyncChange{Package: "flask", Kind: syncengine.ChangeInstall, To: &v2},
			want:   []string{"install", "--no-deps", "--disable-pip-version-check", "flask==2.1.0"},
		},
		{
			name:   "upgrade forces a reinstall",
			change: syncengine.SyncChange{Package: "flask", Kind: syncengine.ChangeUpgrade, From: &v1, To: &v2},
			want:   []string{"install", "--no-deps", "--disable-pip-version-check", "--force-reinstall", "flask==2.1.0"},
		},
		{
			name:   "downgrade forces a reinstall",
			change: syncengine.SyncChange{Package: "flask", Kind: syncengine.ChangeDowngrade, From: &v2, To: &v1},
			want:   []string{"install", "--no-deps", "--disable-pip-version-check", "--force-reinstall", "flask==1.0.0"},
		},
		{
			name:     "custom index url",
			change:   syncengine.SyncChange{Package: "flask", Kind: syncengine.ChangeInstall, To: &v2},
			indexURL: "https://mirror.example/simple/",
			want: []string{
				"install", "--no-deps", "--disable-pip-version-check",
				"--index-url", "https://mirror.example/simple/", "flask==2.1.0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := installArgs(tt.change, tt.indexURL)
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("installArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUninstallArgs(t *testing.T) {
	got := uninstallArgs("flask")
	want := []string{"uninstall", "-y", "--disable-pip-version-check", "flask"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("uninstallArgs() = %v, want %v", got, want)
	}
}

func TestClassifyTransientOutput(t *testing.T) {
	exitErr := errors.New("exit status 1")

	transientOutputs := []string{
		"WARNING: Retrying... ReadTimeoutError: HTTPSConnectionPool",
		"ConnectionError: failed to establish a new connection",
		"Temporary failure in name resolution",
		"503 Service Unavailable",
	}
	for _, output := range transientOutputs {
		if err := classify(exitErr, output); !transaction.IsTransient(err) {
			t.Errorf("output %q should classify as transient", output)
		}
	}

	permanentOutputs := []string{
		"ERROR: No matching distribution found for flask==99.0.0",
		"ERROR: Could not install packages due to an OSError: Permission denied",
		"",
	}
	for _, output := range permanentOutputs {
		if err := classify(exitErr, output); transaction.IsTransient(err) {
			t.Errorf("output %q should classify as permanent", output)
		}
	}
}

func TestClassifyTimeout(t *testing.T) {
	err := classify(context.DeadlineExceeded, "")
	if !transaction.IsTransient(err) {
		t.Error("context deadline should classify as transient")
	}
}

func TestParseFreeze(t *testing.T) {
	output := `flask==3.0.2
Jinja2==3.1.3
# a comment pip should never emit, skipped anyway
-e git+https://example.com/repo.git#egg=devpkg
weird-line-without-pin
badversion==not.a.version
`
	packages := parseFreeze(output)
	if len(packages) != 2 {
		t.Fatalf("expected 2 packages, got %d: %v", len(packages), packages)
	}
	if v, ok := packages["flask"]; !ok || v.String() != "3.0.2" {
		t.Errorf("flask not parsed: %v", packages)
	}
	// Names are normalized to the canonical lowercase form.
	if _, ok := packages["jinja2"]; !ok {
		t.Errorf("jinja2 not normalized: %v", packages)
	}
}

func TestEnvironmentPath(t *testing.T) {
	e := NewExecutor(Config{EnvironmentsDir: "/var/lib/pyrite/envs"}, nil)
	if got := e.EnvironmentPath("webapp"); got != filepath.Join("/var/lib/pyrite/envs", "webapp") {
		t.Errorf("unexpected path: %s", got)
	}
}

func TestApplyUnknownKind(t *testing.T) {
	e := NewExecutor(Config{EnvironmentsDir: t.TempDir()}, nil)
	err := e.Apply(context.Background(), "webapp", syncengine.SyncChange{Package: "flask", Kind: syncengine.ChangeKind("rewrite")})
	if err == nil || transaction.IsTransient(err) {
		t.Errorf("unknown change kind should fail permanently, got %v", err)
	}
}

func TestInterpreterBinaryFallsBack(t *testing.T) {
	// Whatever the host has, python3 resolution must not error when a
	// python3 binary is on PATH.
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("no python3 on PATH")
	}
	if _, err := interpreterBinary(pyver.MustParse("3.99.0")); err != nil {
		t.Errorf("expected fallback to python3, got %v", err)
	}
}
