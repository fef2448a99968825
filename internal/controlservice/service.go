// Package controlservice is the transport-independent API of sandboxd. It
// fronts the lifecycle manager and the ephemeral executor, logging and
// recording metrics for every operation.
package controlservice

import (
	"context"
	"errors"
	"io"

	"github.com/buildkite/sandboxd/internal/controlapi"
	"github.com/buildkite/sandboxd/internal/ephemeral"
	"github.com/buildkite/sandboxd/internal/lifecycle"
	"github.com/buildkite/sandboxd/internal/metrics"
	"github.com/buildkite/sandboxd/internal/supervisor"
	"github.com/charmbracelet/log"
)

const (
	MessageStarted    = "App started"
	MessageStopped    = "App stopped"
	MessageSuspended  = "App suspended"
	MessageRestored   = "App restored"
	MessageRunning    = "App is running"
	MessageNotRunning = "App not running"
)

type instanceManager interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Suspend(ctx context.Context) error
	Restore(ctx context.Context) error
	List(ctx context.Context) (string, error)
	Status() lifecycle.Status
	Logs() []string
}

type executor interface {
	Execute(ctx context.Context, payload []byte) (*ephemeral.Result, error)
}

type Service struct {
	Instance instanceManager
	Executor executor
	Logger   *log.Logger
}

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.New(io.Discard)
}

func (s *Service) lifecycle(ctx context.Context, op string, fn func(context.Context) error, message string) (*controlapi.LifecycleResponse, error) {
	err := fn(ctx)
	st := s.Instance.Status()
	metrics.SetInstanceRunning(st.State != lifecycle.Absent)
	if err != nil {
		metrics.RecordTransition(op, resultLabel(err))
		s.logger().Warn("lifecycle operation failed", "operation", op, "instance", st.ID, "err", err)
		return nil, err
	}
	metrics.RecordTransition(op, "ok")
	s.logger().Info("lifecycle operation", "operation", op, "instance", st.ID, "state", st.State)
	return &controlapi.LifecycleResponse{
		InstanceID: st.ID,
		State:      st.State.String(),
		Message:    message,
	}, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, lifecycle.ErrNotRunning):
		return "not_running"
	case errors.Is(err, lifecycle.ErrTransitionInProgress):
		return "busy"
	default:
		return "error"
	}
}

func (s *Service) Start(ctx context.Context, _ controlapi.LifecycleRequest) (*controlapi.LifecycleResponse, error) {
	return s.lifecycle(ctx, "start", s.Instance.Start, MessageStarted)
}

func (s *Service) Stop(ctx context.Context, _ controlapi.LifecycleRequest) (*controlapi.LifecycleResponse, error) {
	return s.lifecycle(ctx, "stop", s.Instance.Stop, MessageStopped)
}

func (s *Service) Suspend(ctx context.Context, _ controlapi.LifecycleRequest) (*controlapi.LifecycleResponse, error) {
	return s.lifecycle(ctx, "suspend", s.Instance.Suspend, MessageSuspended)
}

func (s *Service) Restore(ctx context.Context, _ controlapi.LifecycleRequest) (*controlapi.LifecycleResponse, error) {
	return s.lifecycle(ctx, "restore", s.Instance.Restore, MessageRestored)
}

func (s *Service) Status(_ context.Context, _ controlapi.StatusRequest) (*controlapi.StatusResponse, error) {
	st := s.Instance.Status()
	resp := &controlapi.StatusResponse{
		InstanceID: st.ID,
		State:      st.State.String(),
		Running:    st.State != lifecycle.Absent,
		BundleDir:  st.BundleDir,
		PGID:       st.PGID,
		Message:    MessageNotRunning,
	}
	if resp.Running {
		resp.Message = MessageRunning
	}
	if !st.StartedAt.IsZero() {
		startedAt := st.StartedAt.UTC()
		resp.StartedAt = &startedAt
	}
	return resp, nil
}

func (s *Service) Logs(_ context.Context, _ controlapi.LogsRequest) (*controlapi.LogsResponse, error) {
	return &controlapi.LogsResponse{Lines: s.Instance.Logs()}, nil
}

func (s *Service) List(ctx context.Context, _ controlapi.ListRequest) (*controlapi.ListResponse, error) {
	out, err := s.Instance.List(ctx)
	if err != nil {
		s.logger().Warn("list containers failed", "err", err)
		return nil, err
	}
	return &controlapi.ListResponse{Output: out}, nil
}

// Execute runs req.Payload once. Failed runs return *supervisor.ExecutionError
// so transports can surface the captured output.
func (s *Service) Execute(ctx context.Context, req controlapi.ExecuteRequest) (*controlapi.ExecuteResponse, error) {
	if s.Executor == nil {
		return nil, errors.New("ephemeral execution is not configured")
	}
	done := metrics.ExecutionStarted()
	res, err := s.Executor.Execute(ctx, req.Payload)
	if err != nil {
		var execErr *supervisor.ExecutionError
		switch {
		case errors.As(err, &execErr) && execErr.TimedOut:
			done("timeout")
		case errors.As(err, &execErr):
			done("failed")
		default:
			done("error")
		}
		return nil, err
	}
	done("success")
	return &controlapi.ExecuteResponse{
		ExecutionID: res.ID,
		ExitCode:    res.ExitCode,
		Stdout:      string(res.Stdout),
		Stderr:      string(res.Stderr),
		DurationMS:  res.Duration.Milliseconds(),
		Truncated:   res.Truncated,
	}, nil
}
