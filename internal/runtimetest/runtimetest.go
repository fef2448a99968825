//go:build unix

// Package runtimetest provides an in-process stand-in for the sandbox runtime
// binary. Test binaries re-execute themselves with EnvVar set and dispatch to
// Main from TestMain, which then behaves like a tiny OCI runtime: it reads
// config.json from the bundle and runs the process directly on the host.
package runtimetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/buildkite/sandboxd/internal/bundle"
	"github.com/buildkite/sandboxd/internal/supervisor"
)

const (
	// EnvVar switches a test binary into runtime mode.
	EnvVar = "SANDBOXD_HELPER_RUNTIME"
	// FailEnvVar names a subcommand that should exit non-zero.
	FailEnvVar = "SANDBOXD_HELPER_FAIL"
)

// IsHelper reports whether the current process was started as the fake
// runtime.
func IsHelper() bool {
	return os.Getenv(EnvVar) == "1"
}

// NewRuntime returns a supervisor.Runtime that re-executes the running test
// binary as the fake runtime, keeping its container records under root.
func NewRuntime(root string, extraEnv ...string) supervisor.Runtime {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	env := append(os.Environ(), EnvVar+"=1")
	env = append(env, extraEnv...)
	return supervisor.Runtime{
		Binary:     exe,
		GlobalArgs: []string{"--root", root},
		Env:        env,
	}
}

type state struct {
	ID     string `json:"id"`
	PID    int    `json:"pid"`
	Status string `json:"status"`
	Bundle string `json:"bundle"`
}

// Main runs the fake runtime with os.Args and exits.
func Main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	root := ""
	for len(args) > 0 && strings.HasPrefix(args[0], "--") {
		if args[0] == "--root" && len(args) > 1 {
			root = args[1]
			args = args[2:]
			continue
		}
		args = args[1:]
	}
	if len(args) == 0 {
		return 2, errors.New("missing subcommand")
	}
	if root == "" {
		return 2, errors.New("missing --root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 1, err
	}

	cmd, rest := args[0], args[1:]
	if os.Getenv(FailEnvVar) == cmd {
		return 1, fmt.Errorf("%s: injected failure", cmd)
	}

	switch cmd {
	case "create":
		return create(root, rest)
	case "start":
		return setStatus(root, rest, "running", 0)
	case "pause":
		return setStatus(root, rest, "paused", syscall.SIGSTOP)
	case "resume":
		return setStatus(root, rest, "running", syscall.SIGCONT)
	case "kill":
		return kill(root, rest)
	case "delete":
		return remove(root, rest)
	case "list":
		return list(root)
	case "run":
		return runForeground(rest)
	default:
		return 2, fmt.Errorf("unknown subcommand %q", cmd)
	}
}

func bundleArgs(args []string) (string, string, error) {
	if len(args) != 3 || args[0] != "--bundle" {
		return "", "", fmt.Errorf("usage: --bundle DIR ID, got %q", args)
	}
	return args[1], args[2], nil
}

func command(dir string) (*exec.Cmd, error) {
	spec, err := bundle.Load(dir)
	if err != nil {
		return nil, err
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return nil, errors.New("bundle has no process args")
	}
	cmd := exec.Command(spec.Process.Args[0], spec.Process.Args[1:]...)
	cmd.Dir = spec.Process.Cwd
	cmd.Env = spec.Process.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

func statePath(root, id string) string {
	return filepath.Join(root, id+".json")
}

func load(root, id string) (state, error) {
	var st state
	data, err := os.ReadFile(statePath(root, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, fmt.Errorf("container %q does not exist", id)
		}
		return st, err
	}
	return st, json.Unmarshal(data, &st)
}

func save(root string, st state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(statePath(root, st.ID), data, 0o644)
}

func create(root string, args []string) (int, error) {
	dir, id, err := bundleArgs(args)
	if err != nil {
		return 2, err
	}
	if _, err := os.Stat(statePath(root, id)); err == nil {
		return 1, fmt.Errorf("container %q already exists", id)
	}
	cmd, err := command(dir)
	if err != nil {
		return 1, err
	}
	if err := cmd.Start(); err != nil {
		return 1, err
	}
	if err := save(root, state{ID: id, PID: cmd.Process.Pid, Status: "created", Bundle: dir}); err != nil {
		_ = cmd.Process.Kill()
		return 1, err
	}
	return 0, nil
}

func setStatus(root string, args []string, status string, sig syscall.Signal) (int, error) {
	if len(args) != 1 {
		return 2, fmt.Errorf("usage: ID, got %q", args)
	}
	st, err := load(root, args[0])
	if err != nil {
		return 1, err
	}
	if sig != 0 {
		if err := syscall.Kill(st.PID, sig); err != nil {
			return 1, err
		}
	}
	st.Status = status
	return 0, save(root, st)
}

var signals = map[string]syscall.Signal{
	"KILL": syscall.SIGKILL,
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
}

func kill(root string, args []string) (int, error) {
	if len(args) < 1 {
		return 2, errors.New("usage: ID [SIGNAL]")
	}
	sig := syscall.SIGTERM
	if len(args) > 1 {
		name := strings.TrimPrefix(strings.ToUpper(args[1]), "SIG")
		s, ok := signals[name]
		if !ok {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return 2, fmt.Errorf("unknown signal %q", args[1])
			}
			s = syscall.Signal(n)
		}
		sig = s
	}
	st, err := load(root, args[0])
	if err != nil {
		return 1, err
	}
	if err := syscall.Kill(st.PID, sig); err != nil {
		return 1, err
	}
	return 0, nil
}

func remove(root string, args []string) (int, error) {
	force := false
	var id string
	for _, a := range args {
		if a == "--force" || a == "-f" {
			force = true
			continue
		}
		id = a
	}
	st, err := load(root, id)
	if err != nil {
		return 1, err
	}
	if force {
		_ = syscall.Kill(st.PID, syscall.SIGKILL)
	}
	return 0, os.Remove(statePath(root, id))
}

func list(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 1, err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tSTATUS\tBUNDLE")
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		st, err := load(root, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if syscall.Kill(st.PID, 0) != nil {
			st.Status = "stopped"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", st.ID, st.PID, st.Status, st.Bundle)
	}
	return 0, tw.Flush()
}

func runForeground(args []string) (int, error) {
	dir, _, err := bundleArgs(args)
	if err != nil {
		return 2, err
	}
	cmd, err := command(dir)
	if err != nil {
		return 1, err
	}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				return 128 + int(ws.Signal()), nil
			}
			return exitErr.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}
