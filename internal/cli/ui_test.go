package cli

import (
	"strings"
	"testing"

	"github.com/buildkite/sandboxd/internal/endpoint"
)

func TestRenderStartupHeaderPlain(t *testing.T) {
	t.Parallel()

	out := renderStartupHeader(startupHeader{
		Title: "sandboxd serve",
		Fields: []startupField{
			{Key: "listen", Value: "http://0.0.0.0:8080"},
			{Key: "config", Value: ""},
			{Key: "instance", Value: "fib-container"},
		},
	}, false)

	want := "\n📦 sandboxd serve\n   listen: http://0.0.0.0:8080\n   instance: fib-container\n\n"
	if out != want {
		t.Fatalf("unexpected header output:\n--- got ---\n%s--- want ---\n%s", out, want)
	}
}

func TestRenderStartupHeaderColor(t *testing.T) {
	t.Parallel()

	out := renderStartupHeader(startupHeader{Fields: []startupField{{Key: "listen", Value: "unix:///tmp/s.sock"}}}, true)
	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI escapes in color output: %q", out)
	}
	if !strings.Contains(out, "sandboxd") {
		t.Fatalf("expected default title: %q", out)
	}
}

func TestRenderDoctorReport(t *testing.T) {
	t.Parallel()

	out := renderDoctorReport("runsc", []doctorCheck{
		{Name: "os", Status: "pass", Message: "linux host"},
		{Name: "runtime_binary", Status: "error", Message: "not found"},
		{Name: "instance_rootfs", Status: "warning", Message: ""},
	}, false)

	for _, want := range []string{
		"doctor report (runsc)\n",
		"✓ [pass] os: linux host\n",
		"✗ [fail] runtime_binary: not found\n",
		"! [warn] instance_rootfs: (no message)\n",
		"summary: 1 pass, 1 warn, 1 fail\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("doctor report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain report should not contain ANSI escapes: %q", out)
	}
}

func TestColorEnvironment(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if shouldUseANSI(nil) {
		t.Fatal("NO_COLOR should disable colour")
	}
}

func TestForceColorRequested(t *testing.T) {
	for value, want := range map[string]bool{"": false, "0": false, "1": true, "yes": true} {
		t.Setenv("CLICOLOR_FORCE", value)
		if got := forceColorRequested(); got != want {
			t.Fatalf("forceColorRequested with %q = %v, want %v", value, got, want)
		}
	}
}

func TestEndpointDisplay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ep   endpoint.Endpoint
		want string
	}{
		{ep: endpoint.Endpoint{Scheme: "unix", Address: "/run/sandboxd.sock"}, want: "unix:///run/sandboxd.sock"},
		{ep: endpoint.Endpoint{Scheme: "http", Address: "0.0.0.0:8080", BaseURL: "http://0.0.0.0:8080"}, want: "http://0.0.0.0:8080"},
		{ep: endpoint.Endpoint{Scheme: "tsnet", TSNetHostname: "box", TSNetPort: 9000}, want: "tsnet://box:9000"},
		{ep: endpoint.Endpoint{Scheme: "tsnet"}, want: "tsnet://sandboxd"},
	}
	for _, tc := range tests {
		if got := endpointDisplay(tc.ep); got != tc.want {
			t.Fatalf("endpointDisplay(%+v) = %q, want %q", tc.ep, got, tc.want)
		}
	}
}
