// Package bundle turns a sandbox description into an on-disk OCI bundle: a
// directory holding the config.json consumed by the sandbox runtime.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ConfigFileName is the file the runtime reads from the bundle directory.
const ConfigFileName = "config.json"

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Mount is an additional filesystem attached inside the sandbox.
type Mount struct {
	Destination string
	Type        string
	Source      string
	Options     []string
}

// Spec describes the process a sandbox runs and the filesystem it sees.
type Spec struct {
	Args     []string
	Cwd      string
	Env      map[string]string
	RootPath string
	ReadOnly bool
	Hostname string
	Mounts   []Mount
}

type Bundle struct {
	Dir        string
	ConfigPath string
}

// ConfigWriteError reports a bundle that could not be written.
type ConfigWriteError struct {
	Dir string
	Err error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("write bundle config in %s: %v", e.Dir, e.Err)
}

func (e *ConfigWriteError) Unwrap() error { return e.Err }

// Validate reports specs the runtime would reject.
func (s Spec) Validate() error {
	if len(s.Args) == 0 || strings.TrimSpace(s.Args[0]) == "" {
		return errors.New("sandbox spec requires at least one argument")
	}
	if !filepath.IsAbs(s.RootPath) {
		return fmt.Errorf("sandbox root path %q must be absolute", s.RootPath)
	}
	if s.Cwd != "" && !filepath.IsAbs(s.Cwd) {
		return fmt.Errorf("sandbox working directory %q must be absolute", s.Cwd)
	}
	for i, m := range s.Mounts {
		if strings.TrimSpace(m.Destination) == "" {
			return fmt.Errorf("mount %d has no destination", i)
		}
	}
	return nil
}

// Build writes config.json for spec into dir, creating dir when needed.
// Building the same spec into the same directory again overwrites the file
// with identical content.
func Build(spec Spec, dir string) (*Bundle, error) {
	if err := spec.Validate(); err != nil {
		return nil, &ConfigWriteError{Dir: dir, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &ConfigWriteError{Dir: dir, Err: err}
	}

	data, err := json.MarshalIndent(ociSpec(spec), "", "  ")
	if err != nil {
		return nil, &ConfigWriteError{Dir: dir, Err: err}
	}

	configPath := filepath.Join(dir, ConfigFileName)
	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return nil, &ConfigWriteError{Dir: dir, Err: err}
	}
	if err := os.Rename(tmp, configPath); err != nil {
		_ = os.Remove(tmp)
		return nil, &ConfigWriteError{Dir: dir, Err: err}
	}
	return &Bundle{Dir: dir, ConfigPath: configPath}, nil
}

// Load reads back the config.json stored in dir.
func Load(dir string) (*specs.Spec, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	var s specs.Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}
	return &s, nil
}

func ociSpec(spec Spec) *specs.Spec {
	cwd := spec.Cwd
	if cwd == "" {
		cwd = "/"
	}

	mounts := DefaultMounts()
	for _, m := range spec.Mounts {
		mounts = append(mounts, specs.Mount{
			Destination: m.Destination,
			Type:        m.Type,
			Source:      m.Source,
			Options:     append([]string(nil), m.Options...),
		})
	}

	return &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Args:            append([]string(nil), spec.Args...),
			Env:             HostEnvPolicy{}.Filter(spec.Env),
			Cwd:             cwd,
			NoNewPrivileges: true,
			User:            specs.User{UID: 0, GID: 0},
		},
		Root: &specs.Root{
			Path:     spec.RootPath,
			Readonly: spec.ReadOnly,
		},
		Hostname: spec.Hostname,
		Mounts:   mounts,
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
			},
		},
	}
}

// DefaultMounts are the pseudo filesystems every sandbox receives.
func DefaultMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
	}
}

// HostEnvPolicy decides which variables of an environment mapping reach the
// sandboxed process.
type HostEnvPolicy struct {
	// Extra names additional keys to drop.
	Extra []string
}

var hostIdentityKeys = map[string]struct{}{
	"HOSTNAME":        {},
	"HOME":            {},
	"USER":            {},
	"LOGNAME":         {},
	"MAIL":            {},
	"SSH_AUTH_SOCK":   {},
	"SSH_CONNECTION":  {},
	"SSH_CLIENT":      {},
	"XDG_RUNTIME_DIR": {},
	"PWD":             {},
	"OLDPWD":          {},
}

// Filter renders env as sorted KEY=VALUE pairs without host identity keys.
// PATH is set to a standard value when absent.
func (p HostEnvPolicy) Filter(env map[string]string) []string {
	drop := make(map[string]struct{}, len(p.Extra))
	for _, k := range p.Extra {
		drop[k] = struct{}{}
	}

	keys := make([]string, 0, len(env)+1)
	for k := range env {
		if k == "" {
			continue
		}
		if _, ok := hostIdentityKeys[k]; ok {
			continue
		}
		if _, ok := drop[k]; ok {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys)+1)
	hasPath := false
	for _, k := range keys {
		if k == "PATH" {
			hasPath = true
		}
		out = append(out, k+"="+env[k])
	}
	if !hasPath {
		out = append(out, "PATH="+defaultPath)
		sort.Strings(out)
	}
	return out
}

// SpecFromEnviron converts KEY=VALUE pairs, as returned by os.Environ, into a
// map. Later duplicates win.
func SpecFromEnviron(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}
