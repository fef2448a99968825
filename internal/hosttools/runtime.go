// Package hosttools locates the host binaries sandboxd shells out to.
package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const runtimeInstallHint = "install gVisor from https://gvisor.dev/docs/user_guide/install/ or set runtime.binary"

// RuntimePrefixes are searched after PATH, in order.
var RuntimePrefixes = []string{"/usr/local/bin", "/usr/bin", "/usr/local/sbin", "/opt/gvisor/bin"}

// ResolveRuntimeBinary resolves the sandbox runtime binary. Absolute or
// relative paths are checked directly; bare names are searched in PATH and
// then in RuntimePrefixes.
func ResolveRuntimeBinary(binary string) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if strings.ContainsRune(trimmed, filepath.Separator) {
		return executableFile("runtime binary", trimmed)
	}
	return resolveBinary(trimmed, exec.LookPath, os.Stat, candidateBinaryPaths(trimmed, RuntimePrefixes))
}

var executablePath = os.Executable

// ResolveWorkloadBinary resolves a host binary the instance runs, such as
// the bundled sandbox-fib demo. Bare names are searched in PATH and then in
// the directory holding the running sandboxd binary.
func ResolveWorkloadBinary(binary string) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", errors.New("binary name is required")
	}
	if strings.ContainsRune(trimmed, filepath.Separator) {
		return executableFile("workload binary", trimmed)
	}
	if path, err := exec.LookPath(trimmed); err == nil {
		return path, nil
	}
	if exe, err := executablePath(); err == nil {
		if path, err := executableFile("workload binary", filepath.Join(filepath.Dir(exe), trimmed)); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH or next to the sandboxd binary; install it alongside sandboxd or set instance.args", trimmed)
}

func executableFile(label, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", label, path, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%s %s is not executable", label, path)
	}
	return path, nil
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	if binary == "" {
		return "", errors.New("binary name is required")
	}

	if path, err := lookPath(binary); err == nil {
		return path, nil
	}

	for _, candidate := range candidates {
		info, err := stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("%s not found in PATH; %s", binary, runtimeInstallHint)
	}
	return "", fmt.Errorf("%s not found in PATH or %s; %s", binary, strings.Join(RuntimePrefixes, ", "), runtimeInstallHint)
}

func candidateBinaryPaths(binary string, prefixes []string) []string {
	if binary == "" {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		path := filepath.Join(prefix, binary)
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}
