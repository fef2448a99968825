package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/buildkite/sandboxd/internal/endpoint"
	"github.com/buildkite/sandboxd/internal/hosttools"
	"github.com/buildkite/sandboxd/internal/paths"
	"github.com/buildkite/sandboxd/internal/rootfscache"
	"github.com/buildkite/sandboxd/internal/runtimeconfig"
)

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

var runtimeGOOS = runtime.GOOS

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := doctorChecks(ctx.Config, ctx.ConfigPath)

	if d.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"config": ctx.ConfigPath,
			"checks": checks,
		})
	}

	_, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(ctx.Config.WithDefaults().Runtime.Binary, checks, shouldUseANSI(os.Stdout)))
	return err
}

func doctorChecks(raw runtimeconfig.Config, configPath string) []doctorCheck {
	cfg := raw.WithDefaults()
	checks := []doctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", configPath)},
	}

	if strings.EqualFold(strings.TrimSpace(runtimeGOOS), "linux") {
		checks = append(checks, doctorCheck{Name: "os", Status: "pass", Message: "linux host"})
	} else {
		checks = append(checks, doctorCheck{Name: "os", Status: "fail", Message: fmt.Sprintf("%s host; the sandbox runtime needs linux", runtimeGOOS)})
	}

	if binary, err := hosttools.ResolveRuntimeBinary(cfg.Runtime.Binary); err != nil {
		checks = append(checks, doctorCheck{Name: "runtime_binary", Status: "fail", Message: err.Error()})
	} else {
		checks = append(checks, doctorCheck{Name: "runtime_binary", Status: "pass", Message: binary})
	}

	for _, dir := range []struct {
		name     string
		override string
		resolve  func() (string, error)
	}{
		{name: "runtime_root", override: cfg.Runtime.Root, resolve: paths.RuntimeRootDir},
		{name: "bundle_dir", override: cfg.BundleDir, resolve: paths.BundleDir},
		{name: "exec_work_dir", override: cfg.Execute.WorkDir, resolve: paths.ExecWorkDir},
		{name: "rootfs_cache", resolve: paths.RootFSCacheDir},
	} {
		checks = append(checks, checkWritableDir(dir.name, dir.override, dir.resolve))
	}

	if ep, err := endpoint.ResolveListen(raw.Server.Listen); err != nil {
		checks = append(checks, doctorCheck{Name: "listen", Status: "fail", Message: err.Error()})
	} else {
		checks = append(checks, doctorCheck{Name: "listen", Status: "pass", Message: endpointDisplay(ep)})
	}

	if ref := strings.TrimSpace(cfg.Instance.RootFSImage); ref != "" {
		if _, err := rootfscache.ParseReference(ref); err != nil {
			checks = append(checks, doctorCheck{Name: "rootfs_image", Status: "fail", Message: err.Error()})
		} else {
			checks = append(checks, doctorCheck{Name: "rootfs_image", Status: "pass", Message: ref})
		}
	}

	if check, ok := workloadCheck(cfg.Instance); ok {
		checks = append(checks, check)
	}

	if len(cfg.Instance.Args) > 0 && cfg.Instance.RootFS == "/" && cfg.Instance.RootFSImage == "" {
		checks = append(checks, doctorCheck{
			Name:    "instance_rootfs",
			Status:  "warn",
			Message: "instance uses the host root filesystem; set instance.rootfs_image for an isolated tree",
		})
	}
	return checks
}

// workloadCheck verifies the instance program exists on the host. It only
// applies when the host filesystem is the root or the program is the bundled
// demo, which is bind-mounted from the host.
func workloadCheck(ic runtimeconfig.InstanceConfig) (doctorCheck, bool) {
	if len(ic.Args) == 0 {
		return doctorCheck{}, false
	}
	onHost := ic.RootFS == "/" && strings.TrimSpace(ic.RootFSImage) == ""
	if !onHost && ic.Args[0] != runtimeconfig.DefaultWorkload {
		return doctorCheck{}, false
	}
	path, err := hosttools.ResolveWorkloadBinary(ic.Args[0])
	if err != nil {
		return doctorCheck{Name: "instance_workload", Status: "fail", Message: err.Error()}, true
	}
	return doctorCheck{Name: "instance_workload", Status: "pass", Message: path}, true
}

func checkWritableDir(name, override string, resolve func() (string, error)) doctorCheck {
	dir := strings.TrimSpace(override)
	if dir == "" {
		var err error
		if dir, err = resolve(); err != nil {
			return doctorCheck{Name: name, Status: "fail", Message: err.Error()}
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return doctorCheck{Name: name, Status: "fail", Message: fmt.Sprintf("%s: %v", dir, err)}
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return doctorCheck{Name: name, Status: "fail", Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
	return doctorCheck{Name: name, Status: "pass", Message: dir}
}
