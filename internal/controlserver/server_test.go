//go:build unix

package controlserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/sandboxd/internal/bundle"
	"github.com/buildkite/sandboxd/internal/controlclient"
	"github.com/buildkite/sandboxd/internal/controlservice"
	"github.com/buildkite/sandboxd/internal/endpoint"
	"github.com/buildkite/sandboxd/internal/ephemeral"
	"github.com/buildkite/sandboxd/internal/lifecycle"
	"github.com/buildkite/sandboxd/internal/runtimetest"
)

func TestMain(m *testing.M) {
	if runtimetest.IsHelper() {
		runtimetest.Main()
		return
	}
	os.Exit(m.Run())
}

type fixture struct {
	server  *httptest.Server
	manager *lifecycle.Manager
	workDir string
}

func newFixture(t *testing.T, maxPayload int64) *fixture {
	t.Helper()
	rt := runtimetest.NewRuntime(t.TempDir())
	env := map[string]string{"PATH": os.Getenv("PATH")}

	manager, err := lifecycle.New(rt, lifecycle.Config{
		ID: "fib-container",
		Spec: bundle.Spec{
			Args:     []string{"/bin/sh", "-c", `i=0; while true; do echo "fib($i)"; i=$((i+1)); sleep 0.05; done`},
			Cwd:      "/",
			Env:      env,
			RootPath: "/",
			ReadOnly: true,
		},
		BundleRoot:     filepath.Join(t.TempDir(), "bundles"),
		LaunchTimeout:  10 * time.Second,
		CommandTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	workDir := t.TempDir()
	executor, err := ephemeral.New(rt, ephemeral.Config{
		Interpreter: []string{"/bin/sh"},
		Extension:   ".sh",
		WorkDir:     workDir,
		Env:         env,
		Timeout:     30 * time.Second,
		NewID:       controlservice.NewExecutionID,
	})
	if err != nil {
		t.Fatalf("ephemeral.New: %v", err)
	}

	svc := &controlservice.Service{Instance: manager, Executor: executor}
	srv := httptest.NewServer(New(svc, nil, Options{MaxPayloadBytes: maxPayload}).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, manager: manager, workDir: workDir}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(data)
}

func (f *fixture) expect(t *testing.T, method, path, body string, wantStatus int, wantBody string) {
	t.Helper()
	status, got := f.do(t, method, path, body)
	if status != wantStatus || got != wantBody {
		t.Fatalf("%s %s: got %d %q want %d %q", method, path, status, got, wantStatus, wantBody)
	}
}

func TestLifecycleRoutes(t *testing.T) {
	f := newFixture(t, 0)

	f.expect(t, "GET", "/status", "", 200, "App not running")
	f.expect(t, "GET", "/stop", "", 400, "App not running")
	f.expect(t, "GET", "/suspend", "", 400, "App not running")
	f.expect(t, "GET", "/start", "", 200, "App started")
	f.expect(t, "GET", "/start", "", 400, "App already running")
	f.expect(t, "GET", "/status", "", 200, "App is running")
	f.expect(t, "GET", "/suspend", "", 200, "App suspended")
	f.expect(t, "GET", "/restore", "", 200, "App restored")

	deadline := time.Now().Add(10 * time.Second)
	var logs string
	for !strings.Contains(logs, "fib(0)") {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for logs, got %q", logs)
		}
		_, body := f.do(t, "GET", "/logs", "")
		logs += body
		time.Sleep(20 * time.Millisecond)
	}

	status, listing := f.do(t, "GET", "/list", "")
	if status != 200 || !strings.Contains(listing, "fib-container") {
		t.Fatalf("unexpected listing: %d %q", status, listing)
	}

	f.expect(t, "GET", "/stop", "", 200, "App stopped")
	f.expect(t, "GET", "/status", "", 200, "App not running")
	f.expect(t, "GET", "/start", "", 200, "App started")
	f.expect(t, "GET", "/stop", "", 200, "App stopped")
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	f := newFixture(t, 0)

	f.expect(t, "GET", "/nope", "", 404, "Not Found")
	f.expect(t, "GET", "/", "", 404, "Not Found")
	f.expect(t, "POST", "/start", "", 404, "Not Found")
	f.expect(t, "GET", "/execute", "", 404, "Not Found")

	status, _ := f.do(t, "GET", "/healthz", "")
	if status != 200 {
		t.Fatalf("unexpected healthz status %d", status)
	}
	status, body := f.do(t, "GET", "/metrics", "")
	if status != 200 || !strings.Contains(body, "sandboxd_") {
		t.Fatalf("unexpected metrics response %d", status)
	}
}

func TestExecuteRoute(t *testing.T) {
	f := newFixture(t, 0)

	f.expect(t, "POST", "/execute", "echo $((1+1))", 200, "2\n")

	status, body := f.do(t, "POST", "/execute", "echo partial; echo 'Traceback: boom' >&2; exit 1")
	if status != 500 {
		t.Fatalf("unexpected status: got %d want 500", status)
	}
	if !strings.Contains(body, "partial") || !strings.Contains(body, "Traceback: boom") {
		t.Fatalf("expected captured output in body, got %q", body)
	}

	entries, err := os.ReadDir(f.workDir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover payloads, found %d entries", len(entries))
	}
}

func TestExecuteRejectsOversizedPayload(t *testing.T) {
	f := newFixture(t, 16)

	status, _ := f.do(t, "POST", "/execute", strings.Repeat("x", 64))
	if status != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: got %d want %d", status, http.StatusRequestEntityTooLarge)
	}
}

func TestConnectAPI(t *testing.T) {
	f := newFixture(t, 0)
	client, err := controlclient.New(endpoint.Endpoint{Scheme: "http", BaseURL: f.server.URL})
	if err != nil {
		t.Fatalf("controlclient.New: %v", err)
	}
	ctx := context.Background()

	if _, err := client.Stop(ctx); connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
	started, err := client.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Message != "App started" || started.State != "running" {
		t.Fatalf("unexpected start response %+v", started)
	}
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || status.StartedAt == nil {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := client.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	res, err := client.Execute(ctx, []byte("echo hello"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "hello\n" || !strings.HasPrefix(res.ExecutionID, "exec_") {
		t.Fatalf("unexpected execute response %+v", res)
	}

	_, err = client.Execute(ctx, []byte("echo nope >&2; exit 2"))
	var cerr *connect.Error
	if !errors.As(err, &cerr) || cerr.Code() != connect.CodeAborted {
		t.Fatalf("expected Aborted error, got %v", err)
	}
	if !strings.Contains(cerr.Message(), "nope") {
		t.Fatalf("expected stderr in error message, got %q", cerr.Message())
	}
	if got := cerr.Meta().Get("Sandboxd-Exit-Code"); got != "2" {
		t.Fatalf("unexpected exit code metadata %q", got)
	}
}

func TestListenHTTP(t *testing.T) {
	t.Parallel()

	ln, cleanup, err := listen(endpoint.Endpoint{Scheme: "http", Address: "127.0.0.1:0"}, nil, nil)
	if err != nil {
		t.Fatalf("listen http endpoint: %v", err)
	}
	if cleanup != nil {
		t.Fatal("expected no cleanup callback for tcp/http listener")
	}
	t.Cleanup(func() { _ = ln.Close() })
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("expected tcp listener, got %T", ln.Addr())
	}
}

func TestListenUnixRestrictsPermissions(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "run", "sandboxd.sock")
	ln, _, err := listen(endpoint.Endpoint{Scheme: "unix", Address: sock}, nil, nil)
	if err != nil {
		t.Fatalf("listen unix endpoint: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	st, err := os.Stat(sock)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := st.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected socket permissions: got %o want %o", perm, 0o600)
	}
}

func TestListenRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	if _, _, err := listen(endpoint.Endpoint{Scheme: "ftp", Address: "127.0.0.1:0"}, nil, nil); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "sandboxd.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, endpoint.Endpoint{Scheme: "unix", Address: sock, BaseURL: "http://unix"}, http.NotFoundHandler(), nil, nil)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, got %v", err)
	}
}
