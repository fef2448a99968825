// Package ephemeral runs caller-supplied program bytes once inside a fresh
// sandbox and returns the captured output.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/buildkite/sandboxd/internal/bundle"
	"github.com/buildkite/sandboxd/internal/supervisor"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
)

// Runner is the subset of supervisor.Runtime the executor drives.
type Runner interface {
	RunSynchronous(ctx context.Context, bundleDir, id string) (*supervisor.Result, error)
	Delete(ctx context.Context, id string, force bool) error
}

type Config struct {
	// Interpreter is prepended to the payload path, e.g. ["python3"].
	Interpreter []string
	// Extension is appended to the payload file name, including the dot.
	Extension string
	WorkDir   string
	RootPath  string
	Cwd       string
	Env       map[string]string
	// Timeout bounds each run; zero disables it.
	Timeout       time.Duration
	MaxConcurrent int64
	NewID         func() string
	Logger        *log.Logger
}

// Job records one execution.
type Job struct {
	ID          string
	PayloadPath string
	BundleDir   string
}

type Result struct {
	ID        string
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

type Executor struct {
	cfg    Config
	runner Runner
	slots  *semaphore.Weighted
	logger *log.Logger
}

func New(runner Runner, cfg Config) (*Executor, error) {
	if runner == nil {
		return nil, errors.New("executor requires a runner")
	}
	if len(cfg.Interpreter) == 0 {
		return nil, errors.New("executor requires an interpreter")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return nil, errors.New("executor requires a work directory")
	}
	if cfg.RootPath == "" {
		cfg.RootPath = "/"
	}
	if cfg.Cwd == "" {
		cfg.Cwd = "/"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.NewID == nil {
		cfg.NewID = sequentialID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Executor{
		cfg:    cfg,
		runner: runner,
		slots:  semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger,
	}, nil
}

// Execute runs payload to completion. A non-zero exit or a timeout is returned
// as *supervisor.ExecutionError carrying the captured output. The payload file
// and bundle directory are removed before Execute returns.
func (e *Executor) Execute(ctx context.Context, payload []byte) (*Result, error) {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for execution slot: %w", err)
	}
	defer e.slots.Release(1)

	if err := os.MkdirAll(e.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	job := Job{ID: e.cfg.NewID()}
	job.PayloadPath = filepath.Join(e.cfg.WorkDir, job.ID+e.cfg.Extension)
	job.BundleDir = filepath.Join(e.cfg.WorkDir, job.ID+"-bundle")
	logger := e.logger.With("execution_id", job.ID)

	defer func() {
		if err := os.Remove(job.PayloadPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("remove payload", "path", job.PayloadPath, "err", err)
		}
		if err := os.RemoveAll(job.BundleDir); err != nil {
			logger.Warn("remove bundle", "dir", job.BundleDir, "err", err)
		}
	}()

	if err := writePayload(job.PayloadPath, payload); err != nil {
		return nil, fmt.Errorf("write payload: %w", err)
	}

	spec := bundle.Spec{
		Args:     append(append([]string(nil), e.cfg.Interpreter...), job.PayloadPath),
		Cwd:      e.cfg.Cwd,
		Env:      e.cfg.Env,
		RootPath: e.cfg.RootPath,
		ReadOnly: false,
		Mounts: []bundle.Mount{{
			Destination: job.PayloadPath,
			Type:        "bind",
			Source:      job.PayloadPath,
			Options:     []string{"rbind", "ro"},
		}},
	}
	if _, err := bundle.Build(spec, job.BundleDir); err != nil {
		return nil, err
	}

	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	logger.Debug("running payload", "bytes", len(payload))
	res, err := e.runner.RunSynchronous(runCtx, job.BundleDir, job.ID)
	if err != nil {
		var execErr *supervisor.ExecutionError
		if errors.As(err, &execErr) && runCtx.Err() != nil {
			// The runtime may leave its record behind when killed.
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if derr := e.runner.Delete(dctx, job.ID, true); derr != nil {
				logger.Debug("delete after cancelled run", "err", derr)
			}
			cancel()
		}
		logger.Info("execution failed", "err", err)
		return nil, err
	}

	logger.Info("execution finished", "duration", res.Duration)
	return &Result{
		ID:        job.ID,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Duration:  res.Duration,
		Truncated: res.Truncated,
	}, nil
}

var idSeq atomic.Uint64

func sequentialID() string {
	return "exec-" + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(idSeq.Add(1), 10)
}

func writePayload(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
