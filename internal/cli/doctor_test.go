package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildkite/sandboxd/internal/runtimeconfig"
)

func checksByName(checks []doctorCheck) map[string]doctorCheck {
	out := make(map[string]doctorCheck, len(checks))
	for _, c := range checks {
		out[c.Name] = c
	}
	return out
}

func TestDoctorChecksHealthyHost(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("SANDBOXD_HOST", "")

	prev := runtimeGOOS
	runtimeGOOS = "linux"
	t.Cleanup(func() { runtimeGOOS = prev })

	checks := checksByName(doctorChecks(runtimeconfig.Config{
		Runtime:  runtimeconfig.RuntimeConfig{Binary: "/bin/sh"},
		Instance: runtimeconfig.InstanceConfig{RootFSImage: testRootFSRef},
	}, "/etc/sandboxd/config.yaml"))

	for _, name := range []string{"runtime_config", "os", "runtime_binary", "runtime_root", "bundle_dir", "exec_work_dir", "rootfs_cache", "listen", "rootfs_image"} {
		c, ok := checks[name]
		if !ok {
			t.Fatalf("missing check %q", name)
		}
		if c.Status != "pass" {
			t.Fatalf("expected %s to pass, got %s: %s", name, c.Status, c.Message)
		}
	}
	if _, ok := checks["instance_rootfs"]; ok {
		t.Fatal("did not expect host rootfs warning when an image is configured")
	}
	if got, want := checks["listen"].Message, "http://0.0.0.0:8080"; got != want {
		t.Fatalf("unexpected listen message: got %q want %q", got, want)
	}
}

func TestDoctorChecksReportsProblems(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("SANDBOXD_HOST", "")

	prev := runtimeGOOS
	runtimeGOOS = "darwin"
	t.Cleanup(func() { runtimeGOOS = prev })

	checks := checksByName(doctorChecks(runtimeconfig.Config{
		Runtime: runtimeconfig.RuntimeConfig{Binary: "/nonexistent/runsc"},
		Server:  runtimeconfig.ServerConfig{Listen: "ftp://example"},
	}, "config.yaml"))

	for _, name := range []string{"os", "runtime_binary", "listen"} {
		if got := checks[name].Status; got != "fail" {
			t.Fatalf("expected %s to fail, got %q", name, got)
		}
	}
	if got := checks["instance_rootfs"].Status; got != "warn" {
		t.Fatalf("expected host rootfs warning, got %q", got)
	}
}

func TestDoctorCommandJSON(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	var out strings.Builder
	cmd := DoctorCommand{JSON: true}
	err := cmd.Run(&runtimeContext{
		Stdout:     &out,
		Config:     runtimeconfig.Config{Runtime: runtimeconfig.RuntimeConfig{Binary: "/bin/sh"}},
		ConfigPath: "/tmp/config.yaml",
	})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}

	var payload struct {
		Config string        `json:"config"`
		Checks []doctorCheck `json:"checks"`
	}
	if err := json.Unmarshal([]byte(out.String()), &payload); err != nil {
		t.Fatalf("decode doctor JSON: %v\n%s", err, out.String())
	}
	if payload.Config != "/tmp/config.yaml" {
		t.Fatalf("unexpected config path: %q", payload.Config)
	}
	if _, ok := checksByName(payload.Checks)["runtime_binary"]; !ok {
		t.Fatalf("expected runtime_binary check in %+v", payload.Checks)
	}
}

func TestDoctorChecksInstanceWorkload(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("PATH", t.TempDir())

	cfg := runtimeconfig.Config{Runtime: runtimeconfig.RuntimeConfig{Binary: "/bin/sh"}}
	missing := checksByName(doctorChecks(cfg, "config.yaml"))["instance_workload"]
	if missing.Status != "fail" || !strings.Contains(missing.Message, runtimeconfig.DefaultWorkload) {
		t.Fatalf("expected missing demo workload to fail, got %+v", missing)
	}

	dir := t.TempDir()
	demo := filepath.Join(dir, runtimeconfig.DefaultWorkload)
	if err := os.WriteFile(demo, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write demo binary: %v", err)
	}
	t.Setenv("PATH", dir)
	found := checksByName(doctorChecks(cfg, "config.yaml"))["instance_workload"]
	if found.Status != "pass" || found.Message != demo {
		t.Fatalf("expected demo workload to pass, got %+v", found)
	}
}
