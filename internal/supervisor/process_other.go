//go:build !unix

package supervisor

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("process groups are not supported on this platform")

func (r Runtime) LaunchDetached(ctx context.Context, bundleDir string, args []string) (*Handle, error) {
	return nil, &LaunchError{Args: r.argv(args...), Err: errUnsupported}
}

func (r Runtime) Terminate(h *Handle) error { return errUnsupported }

func (r Runtime) KillGroup(h *Handle) error { return errUnsupported }

func (r Runtime) RunSynchronous(ctx context.Context, bundleDir, id string) (*Result, error) {
	return nil, &LaunchError{Args: r.argv("run", "--bundle", bundleDir, id), Err: errUnsupported}
}

func (r Runtime) Exec(ctx context.Context, args ...string) ([]byte, error) {
	return nil, &CommandError{Args: r.argv(args...), Err: errUnsupported}
}
