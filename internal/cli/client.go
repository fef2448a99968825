package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/sandboxd/internal/controlapi"
	"github.com/buildkite/sandboxd/internal/controlclient"
	"github.com/buildkite/sandboxd/internal/endpoint"
	"github.com/buildkite/sandboxd/internal/tlsconfig"
)

type ClientFlags struct {
	Host    string        `help:"Control endpoint (unix://path, http://host:port or https://host:port); defaults to $SANDBOXD_HOST"`
	Timeout time.Duration `default:"2m" help:"Request timeout"`

	TLSCA string `name:"tls-ca" help:"CA bundle used to verify https:// servers (defaults to ca.pem in the TLS directory)"`
}

func (f ClientFlags) dial() (*controlclient.Client, context.Context, context.CancelFunc, error) {
	ep, err := endpoint.Resolve(f.Host)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := controlclient.New(ep, controlclient.WithTLS(tlsconfig.Options{CAPath: f.TLSCA}))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx := context.Background()
	cancel := func() {}
	if f.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
	}
	return client, ctx, cancel, nil
}

// clientError strips the RPC envelope so users see the server's message.
func clientError(err error) error {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		if cerr.Code() == connect.CodeUnavailable {
			return fmt.Errorf("control server unavailable: %s", cerr.Message())
		}
		return errors.New(cerr.Message())
	}
	return err
}

type StartCommand struct{ ClientFlags }
type StopCommand struct{ ClientFlags }
type SuspendCommand struct{ ClientFlags }
type RestoreCommand struct{ ClientFlags }

func (c *StartCommand) Run(ctx *runtimeContext) error {
	return runLifecycle(ctx, c.ClientFlags, (*controlclient.Client).Start)
}

func (c *StopCommand) Run(ctx *runtimeContext) error {
	return runLifecycle(ctx, c.ClientFlags, (*controlclient.Client).Stop)
}

func (c *SuspendCommand) Run(ctx *runtimeContext) error {
	return runLifecycle(ctx, c.ClientFlags, (*controlclient.Client).Suspend)
}

func (c *RestoreCommand) Run(ctx *runtimeContext) error {
	return runLifecycle(ctx, c.ClientFlags, (*controlclient.Client).Restore)
}

func runLifecycle(rc *runtimeContext, flags ClientFlags, op func(*controlclient.Client, context.Context) (*controlapi.LifecycleResponse, error)) error {
	client, ctx, cancel, err := flags.dial()
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := op(client, ctx)
	if err != nil {
		return clientError(err)
	}
	_, err = fmt.Fprintln(rc.Stdout, resp.Message)
	return err
}

type StatusCommand struct {
	ClientFlags
	JSON bool `help:"Print status as JSON"`
}

func (c *StatusCommand) Run(rc *runtimeContext) error {
	client, ctx, cancel, err := c.dial()
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := client.Status(ctx)
	if err != nil {
		return clientError(err)
	}
	if c.JSON {
		enc := json.NewEncoder(rc.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if _, err := fmt.Fprintln(rc.Stdout, resp.Message); err != nil {
		return err
	}
	fields := []startupField{
		{Key: "instance", Value: resp.InstanceID},
		{Key: "state", Value: resp.State},
		{Key: "bundle", Value: resp.BundleDir},
	}
	if resp.PGID > 0 {
		fields = append(fields, startupField{Key: "pgid", Value: strconv.Itoa(resp.PGID)})
	}
	if resp.StartedAt != nil {
		fields = append(fields, startupField{Key: "started", Value: resp.StartedAt.Format(time.RFC3339)})
	}
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		if _, err := fmt.Fprintf(rc.Stdout, "  %s: %s\n", f.Key, f.Value); err != nil {
			return err
		}
	}
	return nil
}

type LogsCommand struct{ ClientFlags }

func (c *LogsCommand) Run(rc *runtimeContext) error {
	client, ctx, cancel, err := c.dial()
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := client.Logs(ctx)
	if err != nil {
		return clientError(err)
	}
	for _, line := range resp.Lines {
		if _, err := fmt.Fprintln(rc.Stdout, line); err != nil {
			return err
		}
	}
	return nil
}

type ListCommand struct{ ClientFlags }

func (c *ListCommand) Run(rc *runtimeContext) error {
	client, ctx, cancel, err := c.dial()
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := client.List(ctx)
	if err != nil {
		return clientError(err)
	}
	_, err = io.WriteString(rc.Stdout, resp.Output)
	return err
}

type ExecuteCommand struct {
	ClientFlags
	File string `arg:"" help:"Program file to run, or - to read it from stdin"`
}

func (c *ExecuteCommand) Run(rc *runtimeContext) error {
	payload, err := readPayload(c.File, rc.Stdin)
	if err != nil {
		return err
	}

	client, ctx, cancel, err := c.dial()
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := client.Execute(ctx, payload)
	if err != nil {
		var cerr *connect.Error
		if errors.As(err, &cerr) && cerr.Code() == connect.CodeAborted {
			_, _ = fmt.Fprintln(rc.Stderr, cerr.Message())
			code, convErr := strconv.Atoi(cerr.Meta().Get("Sandboxd-Exit-Code"))
			if convErr != nil || code <= 0 {
				code = 1
			}
			return exitCodeError{code: code}
		}
		return clientError(err)
	}

	if _, err := io.WriteString(rc.Stdout, resp.Stdout); err != nil {
		return err
	}
	if _, err := io.WriteString(rc.Stderr, resp.Stderr); err != nil {
		return err
	}
	if resp.Truncated {
		_, _ = fmt.Fprintf(rc.Stderr, "sandboxd: output of %s was truncated\n", resp.ExecutionID)
	}
	return nil
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if strings.TrimSpace(path) == "-" {
		if stdin == nil {
			return nil, errors.New("stdin is unavailable")
		}
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read program from stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return b, nil
}
