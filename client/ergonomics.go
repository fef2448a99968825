package client

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"connectrpc.com/connect"
)

// ErrorCode is a stable classifier for sandboxd API errors.
type ErrorCode string

const (
	ErrorCodeUnknown          ErrorCode = "unknown"
	ErrorCodeCanceled         ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded ErrorCode = "deadline_exceeded"
	ErrorCodeInvalidArgument  ErrorCode = "invalid_argument"
	ErrorCodeUnavailable      ErrorCode = "unavailable"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeAlreadyRunning   ErrorCode = "already_running"
	ErrorCodeNotRunning       ErrorCode = "not_running"
	ErrorCodeBusy             ErrorCode = "busy"
	ErrorCodeExecutionFailed  ErrorCode = "execution_failed"
	ErrorCodeExecutionTimeout ErrorCode = "execution_timeout"
)

const exitCodeMetaKey = "Sandboxd-Exit-Code"

// ErrCode classifies API errors into a stable code.
//
// Lifecycle conflicts arrive as FailedPrecondition and are told apart by
// message. Failed executions arrive as Aborted.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		message := strings.ToLower(connectErr.Message())
		switch connectErr.Code() {
		case connect.CodeFailedPrecondition:
			switch {
			case strings.Contains(message, "already running"):
				return ErrorCodeAlreadyRunning
			case strings.Contains(message, "not running"):
				return ErrorCodeNotRunning
			case strings.Contains(message, "busy"):
				return ErrorCodeBusy
			}
			return ErrorCodeInternal
		case connect.CodeAborted:
			if strings.Contains(message, "timed out") {
				return ErrorCodeExecutionTimeout
			}
			return ErrorCodeExecutionFailed
		case connect.CodeCanceled:
			return ErrorCodeCanceled
		case connect.CodeDeadlineExceeded:
			return ErrorCodeDeadlineExceeded
		case connect.CodeInvalidArgument, connect.CodeResourceExhausted:
			return ErrorCodeInvalidArgument
		case connect.CodeUnavailable:
			return ErrorCodeUnavailable
		default:
			return ErrorCodeInternal
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeUnknown
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromEnv builds a client from SANDBOXD_HOST (or default endpoint when unset).
func NewFromEnv(opts ...Option) (*Client, error) {
	return New("", opts...)
}

// EnsureRunning starts the instance unless it is already up. A suspended
// instance is restored. The returned bool reports whether this call changed
// the instance state.
func (c *Client) EnsureRunning(ctx context.Context) (*StatusResponse, bool, error) {
	if err := c.ready(); err != nil {
		return nil, false, err
	}

	status, err := c.Status(ctx)
	if err != nil {
		return nil, false, err
	}
	changed := false
	switch status.State {
	case StateRunning, StateStarting:
		return status, false, nil
	case StateSuspended:
		_, err = c.Restore(ctx)
	default:
		_, err = c.Start(ctx)
	}
	switch {
	case err == nil:
		changed = true
	case ErrCode(err) == ErrorCodeAlreadyRunning:
		// lost a race with another caller
	default:
		return nil, false, err
	}

	status, err = c.Status(ctx)
	if err != nil {
		return nil, false, err
	}
	return status, changed, nil
}

// ExecResult is the outcome of Run whether or not the program succeeded.
type ExecResult struct {
	ExecutionID string
	ExitCode    int
	Output      string
	// Message is the server's failure description for non-zero exits.
	Message  string
	TimedOut bool
}

// Run executes payload and folds a failed execution into the result. Only
// transport and server errors are returned as errors.
func (c *Client) Run(ctx context.Context, payload []byte) (*ExecResult, error) {
	resp, err := c.Execute(ctx, payload)
	if err == nil {
		return &ExecResult{
			ExecutionID: resp.ExecutionID,
			ExitCode:    resp.ExitCode,
			Output:      resp.Stdout + resp.Stderr,
		}, nil
	}

	code := ErrCode(err)
	if code != ErrorCodeExecutionFailed && code != ErrorCodeExecutionTimeout {
		return nil, err
	}
	var connectErr *connect.Error
	errors.As(err, &connectErr)

	result := &ExecResult{ExitCode: 1, TimedOut: code == ErrorCodeExecutionTimeout}
	if exit, convErr := strconv.Atoi(connectErr.Meta().Get(exitCodeMetaKey)); convErr == nil && exit > 0 {
		result.ExitCode = exit
	}
	result.Message, result.Output, _ = strings.Cut(connectErr.Message(), "\n")
	return result, nil
}
