//go:build unix

package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/sandboxd/internal/controlserver"
	"github.com/buildkite/sandboxd/internal/runtimeconfig"
	"github.com/buildkite/sandboxd/internal/runtimetest"
	"github.com/charmbracelet/log"
)

func TestMain(m *testing.M) {
	if runtimetest.IsHelper() {
		runtimetest.Main()
		return
	}
	os.Exit(m.Run())
}

func newTestDaemon(t *testing.T) string {
	t.Helper()
	t.Setenv(runtimetest.EnvVar, "1")

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("resolve test binary: %v", err)
	}
	base := t.TempDir()
	cfg := runtimeconfig.Config{
		Runtime: runtimeconfig.RuntimeConfig{
			Binary: exe,
			Root:   filepath.Join(base, "runsc"),
		},
		Instance: runtimeconfig.InstanceConfig{
			Args: []string{"/bin/sh", "-c", "echo hello from instance; while true; do sleep 0.1; done"},
			Cwd:  "/",
		},
		Execute: runtimeconfig.ExecuteConfig{
			Interpreter: []string{"/bin/sh"},
			Extension:   "sh",
			WorkDir:     filepath.Join(base, "exec"),
		},
		BundleDir: filepath.Join(base, "bundles"),
	}

	d, err := newDaemon(context.Background(), cfg, log.New(io.Discard))
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	t.Cleanup(func() { _ = d.manager.Shutdown(context.Background()) })

	if got, want := d.cfg.Execute.Extension, ".sh"; got != want {
		t.Fatalf("unexpected extension: got %q want %q", got, want)
	}

	srv := httptest.NewServer(controlserver.New(d.service, nil, controlserver.Options{
		MaxPayloadBytes: d.cfg.Execute.MaxPayloadBytes,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	c := CLI{}
	parser, err := newParser(&c)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("parse %q: %v", args, err)
	}
	var stdout, stderr bytes.Buffer
	err = kctx.Run(&runtimeContext{
		Stdin:   strings.NewReader(stdin),
		Stdout:  &stdout,
		Stderr:  &stderr,
		Version: "test",
	})
	return stdout.String(), stderr.String(), err
}

func TestClientCommandsDriveInstanceLifecycle(t *testing.T) {
	host := newTestDaemon(t)

	out, _, err := runCLI(t, "", "status", "--host", host)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.HasPrefix(out, "App not running") {
		t.Fatalf("unexpected status before start: %q", out)
	}

	for _, step := range []struct {
		cmd  string
		want string
	}{
		{cmd: "start", want: "App started\n"},
		{cmd: "suspend", want: "App suspended\n"},
		{cmd: "restore", want: "App restored\n"},
	} {
		out, _, err := runCLI(t, "", step.cmd, "--host", host)
		if err != nil {
			t.Fatalf("%s: %v", step.cmd, err)
		}
		if out != step.want {
			t.Fatalf("unexpected %s output: got %q want %q", step.cmd, out, step.want)
		}
	}

	if _, _, err := runCLI(t, "", "start", "--host", host); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected already running error, got %v", err)
	}

	out, _, err = runCLI(t, "", "status", "--host", host, "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	if !strings.Contains(out, `"running": true`) || !strings.Contains(out, `"instance_id": "fib-container"`) {
		t.Fatalf("unexpected status JSON: %s", out)
	}

	var logs strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(logs.String(), "hello from instance") {
		if time.Now().After(deadline) {
			t.Fatalf("instance output never appeared in logs: %q", logs.String())
		}
		out, _, err := runCLI(t, "", "logs", "--host", host)
		if err != nil {
			t.Fatalf("logs: %v", err)
		}
		logs.WriteString(out)
		time.Sleep(50 * time.Millisecond)
	}

	out, _, err = runCLI(t, "", "list", "--host", host)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "fib-container") {
		t.Fatalf("expected instance in runtime listing: %q", out)
	}

	out, _, err = runCLI(t, "", "stop", "--host", host)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if out != "App stopped\n" {
		t.Fatalf("unexpected stop output: %q", out)
	}
	if _, _, err := runCLI(t, "", "stop", "--host", host); err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("expected not running error, got %v", err)
	}
}

func TestExecuteCommand(t *testing.T) {
	host := newTestDaemon(t)

	program := filepath.Join(t.TempDir(), "hello.sh")
	if err := os.WriteFile(program, []byte("echo from-payload\necho to-stderr >&2\n"), 0o644); err != nil {
		t.Fatalf("write program: %v", err)
	}
	stdout, stderr, err := runCLI(t, "", "execute", "--host", host, program)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if stdout != "from-payload\n" {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, "from-payload\n")
	}
	if stderr != "to-stderr\n" {
		t.Fatalf("unexpected stderr: got %q want %q", stderr, "to-stderr\n")
	}

	_, stderr, err = runCLI(t, "echo failing\nexit 3\n", "execute", "--host", host, "-")
	if err == nil {
		t.Fatal("expected non-zero exit to fail")
	}
	if got, want := ExitCode(err), 3; got != want {
		t.Fatalf("unexpected exit code: got %d want %d", got, want)
	}
	if !strings.Contains(stderr, "failing") {
		t.Fatalf("expected program output on stderr: %q", stderr)
	}
}

func TestClientCommandReportsUnreachableServer(t *testing.T) {
	t.Parallel()

	_, _, err := runCLI(t, "", "status", "--host", "unix://"+filepath.Join(t.TempDir(), "missing.sock"), "--timeout", "2s")
	if err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
