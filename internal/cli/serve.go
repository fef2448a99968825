package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/buildkite/sandboxd/internal/bundle"
	"github.com/buildkite/sandboxd/internal/controlserver"
	"github.com/buildkite/sandboxd/internal/controlservice"
	"github.com/buildkite/sandboxd/internal/endpoint"
	"github.com/buildkite/sandboxd/internal/ephemeral"
	"github.com/buildkite/sandboxd/internal/hosttools"
	"github.com/buildkite/sandboxd/internal/lifecycle"
	"github.com/buildkite/sandboxd/internal/metrics"
	"github.com/buildkite/sandboxd/internal/paths"
	"github.com/buildkite/sandboxd/internal/rootfscache"
	"github.com/buildkite/sandboxd/internal/runtimeconfig"
	"github.com/buildkite/sandboxd/internal/supervisor"
	"github.com/charmbracelet/log"
)

const shutdownTimeout = 30 * time.Second

type ServeCommand struct {
	Listen    string `help:"Listen endpoint (http://host:port, https://host:port, unix://path or tsnet://hostname[:port])"`
	LogLevel  string `help:"Server log level (debug|info|warn|error)"`
	Autostart bool   `help:"Start the sandbox instance as soon as the server is up"`

	TLSCert string `name:"tls-cert" help:"Server certificate for https:// listeners (defaults to server.pem in the TLS directory)"`
	TLSKey  string `name:"tls-key" help:"Server private key for https:// listeners (defaults to server.key in the TLS directory)"`
}

var openRootFSCache = func(ctx context.Context) (*rootfscache.Cache, error) {
	return rootfscache.Open(ctx, rootfscache.Options{})
}

// daemon is the assembled server-side object graph.
type daemon struct {
	cfg     runtimeconfig.Config
	manager *lifecycle.Manager
	service *controlservice.Service
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	applyPolishedLoggerStyles(logger, shouldUseANSI(os.Stderr))

	listen := strings.TrimSpace(s.Listen)
	if listen == "" {
		listen = ctx.Config.Server.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := newDaemon(runCtx, ctx.Config, logger)
	if err != nil {
		return err
	}
	server := controlserver.New(d.service, logger.With("subsystem", "http"), controlserver.Options{
		MaxPayloadBytes: d.cfg.Execute.MaxPayloadBytes,
	})

	if shouldShowStartupHeader(os.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "sandboxd serve",
			Fields: []startupField{
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "instance", Value: d.cfg.Instance.ID},
				{Key: "runtime", Value: d.cfg.Runtime.Binary},
				{Key: "config", Value: ctx.ConfigPath},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, shouldUseANSI(os.Stderr))
	}

	if s.Autostart {
		if err := d.manager.Start(runCtx); err != nil {
			return fmt.Errorf("autostart instance: %w", err)
		}
		metrics.SetInstanceRunning(true)
	}

	var tlsOpts *controlserver.TLSOptions
	if s.TLSCert != "" || s.TLSKey != "" {
		tlsOpts = &controlserver.TLSOptions{CertPath: s.TLSCert, KeyPath: s.TLSKey}
	}
	serveErr := controlserver.Serve(runCtx, ep, server.Handler(), logger, tlsOpts)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := d.manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stop instance on shutdown", "error", err)
	}
	metrics.SetInstanceRunning(false)
	return serveErr
}

// newDaemon resolves host-dependent defaults and wires the runtime, the
// lifecycle manager and the executor behind one control service.
func newDaemon(ctx context.Context, raw runtimeconfig.Config, logger *log.Logger) (*daemon, error) {
	cfg := raw.WithDefaults()

	binary, err := hosttools.ResolveRuntimeBinary(cfg.Runtime.Binary)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Binary = binary

	if cfg.Runtime.Root, err = dirOrDefault(cfg.Runtime.Root, paths.RuntimeRootDir, 0o700); err != nil {
		return nil, fmt.Errorf("prepare runtime root: %w", err)
	}
	if cfg.BundleDir, err = dirOrDefault(cfg.BundleDir, paths.BundleDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare bundle directory: %w", err)
	}
	if cfg.Execute.WorkDir, err = dirOrDefault(cfg.Execute.WorkDir, paths.ExecWorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare execution work directory: %w", err)
	}

	spec, err := instanceSpec(ctx, cfg.Instance, logger)
	if err != nil {
		return nil, err
	}

	rt := supervisor.Runtime{
		Binary:      cfg.Runtime.Binary,
		GlobalArgs:  cfg.Runtime.GlobalArgs(),
		OutputLimit: cfg.Execute.MaxOutputBytes,
		Logger:      logger.With("subsystem", "runtime"),
	}

	manager, err := lifecycle.New(rt, lifecycle.Config{
		ID:             cfg.Instance.ID,
		Spec:           spec,
		BundleRoot:     cfg.BundleDir,
		LaunchTimeout:  cfg.Instance.LaunchTimeout(),
		CommandTimeout: cfg.Runtime.CommandTimeout(),
		LogBufferLines: cfg.Instance.LogBufferLines,
		OnLogDrop:      metrics.RecordLogLinesDropped,
		NewSuffix:      controlservice.NewBundleSuffix,
		Logger:         logger.With("subsystem", "lifecycle", "instance", cfg.Instance.ID),
	})
	if err != nil {
		return nil, err
	}

	executor, err := ephemeral.New(rt, ephemeral.Config{
		Interpreter:   cfg.Execute.Interpreter,
		Extension:     cfg.Execute.Extension,
		WorkDir:       cfg.Execute.WorkDir,
		RootPath:      cfg.Execute.RootFS,
		Cwd:           cfg.Execute.Cwd,
		Env:           cfg.Execute.Env,
		Timeout:       cfg.Execute.Timeout(),
		MaxConcurrent: cfg.Execute.MaxConcurrent,
		NewID:         controlservice.NewExecutionID,
		Logger:        logger.With("subsystem", "execute"),
	})
	if err != nil {
		return nil, err
	}

	return &daemon{
		cfg:     cfg,
		manager: manager,
		service: &controlservice.Service{
			Instance: manager,
			Executor: executor,
			Logger:   logger.With("subsystem", "service"),
		},
	}, nil
}

// instanceSpec renders the long-running instance's sandbox spec. With a
// rootfs_image the cached image tree becomes the root and its config
// supplies the base environment and working directory.
func instanceSpec(ctx context.Context, ic runtimeconfig.InstanceConfig, logger *log.Logger) (bundle.Spec, error) {
	env := map[string]string{}
	if ic.InheritEnv != nil && *ic.InheritEnv {
		env = bundle.SpecFromEnviron(os.Environ())
	}
	rootPath := ic.RootFS
	cwd := ic.Cwd

	if ref := strings.TrimSpace(ic.RootFSImage); ref != "" {
		cache, err := openRootFSCache(ctx)
		if err != nil {
			return bundle.Spec{}, err
		}
		defer cache.Close()

		entry, hit, err := cache.Ensure(ctx, ref)
		if err != nil {
			return bundle.Spec{}, fmt.Errorf("resolve rootfs image: %w", err)
		}
		logger.Info("rootfs image ready", "ref", entry.Ref, "path", entry.Path, "cache_hit", hit)

		env = bundle.SpecFromEnviron(entry.Image.Env)
		rootPath = entry.Path
		if cwd == "" {
			cwd = entry.Image.Workdir
		}
	}

	if cwd == "" {
		var err error
		if cwd, err = os.Getwd(); err != nil {
			return bundle.Spec{}, fmt.Errorf("resolve instance working directory: %w", err)
		}
	}
	for k, v := range ic.Env {
		env[k] = v
	}

	args := append([]string(nil), ic.Args...)
	mounts := make([]bundle.Mount, 0, len(ic.Mounts)+1)
	if len(args) > 0 && args[0] == runtimeconfig.DefaultWorkload {
		path, err := hosttools.ResolveWorkloadBinary(args[0])
		if err != nil {
			logger.Warn("demo workload not found; start will fail until it is installed", "err", err)
		} else {
			args[0] = path
			// The demo lives on the host; other roots only see it through a bind mount.
			if rootPath != "/" {
				mounts = append(mounts, bundle.Mount{
					Destination: path,
					Type:        "bind",
					Source:      path,
					Options:     []string{"rbind", "ro"},
				})
			}
		}
	}
	for _, m := range ic.Mounts {
		mounts = append(mounts, bundle.Mount{
			Destination: m.Destination,
			Type:        m.Type,
			Source:      m.Source,
			Options:     m.Options,
		})
	}

	spec := bundle.Spec{
		Args:     args,
		Cwd:      cwd,
		Env:      env,
		RootPath: rootPath,
		ReadOnly: ic.ReadOnly == nil || *ic.ReadOnly,
		Hostname: ic.Hostname,
		Mounts:   mounts,
	}
	if err := spec.Validate(); err != nil {
		return bundle.Spec{}, fmt.Errorf("instance config: %w", err)
	}
	return spec, nil
}

func dirOrDefault(configured string, fallback func() (string, error), perm os.FileMode) (string, error) {
	dir := strings.TrimSpace(configured)
	if dir == "" {
		var err error
		if dir, err = fallback(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return "", err
	}
	return dir, nil
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := ep.TSNetHostname
		if host == "" {
			host = "sandboxd"
		}
		if ep.TSNetPort > 0 {
			return "tsnet://" + host + ":" + strconv.Itoa(ep.TSNetPort)
		}
		return "tsnet://" + host
	default:
		if ep.BaseURL != "" {
			return ep.BaseURL
		}
		return ep.Address
	}
}
