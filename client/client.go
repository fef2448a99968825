package client

import (
	"context"
	"errors"
	"strings"

	"github.com/buildkite/sandboxd/internal/controlclient"
	"github.com/buildkite/sandboxd/internal/endpoint"
	"github.com/buildkite/sandboxd/internal/tlsconfig"
)

// Client is the public Go client for the sandboxd control API.
type Client struct {
	inner *controlclient.Client
}

// TLSOptions configures trust for https:// endpoints.
type TLSOptions struct {
	// CAPath is a PEM bundle used to verify the server. Empty falls back to
	// ca.pem in the sandboxd TLS directory, then the system roots.
	CAPath string
}

// Option configures the sandboxd client.
type Option func(*options)

type options struct {
	tls tlsconfig.Options
}

// WithTLS configures TLS options for HTTPS endpoints.
func WithTLS(opts TLSOptions) Option {
	return func(o *options) {
		o.tls = tlsconfig.Options{CAPath: opts.CAPath}
	}
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/sandboxd.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// If host is empty, SANDBOXD_HOST is used, then the default unix socket path.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	inner, err := controlclient.New(ep, controlclient.WithTLS(o.tls))
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

func (c *Client) ready() error {
	if c == nil || c.inner == nil {
		return errors.New("nil client")
	}
	return nil
}

func (c *Client) Start(ctx context.Context) (*LifecycleResponse, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.inner.Start(ctx)
}

func (c *Client) Stop(ctx context.Context) (*LifecycleResponse, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.inner.Stop(ctx)
}

func (c *Client) Suspend(ctx context.Context) (*LifecycleResponse, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.inner.Suspend(ctx)
}

func (c *Client) Restore(ctx context.Context) (*LifecycleResponse, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.inner.Restore(ctx)
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.inner.Status(ctx)
}

// Logs drains the output captured since the previous call.
func (c *Client) Logs(ctx context.Context) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	resp, err := c.inner.Logs(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// List returns the runtime's container table verbatim.
func (c *Client) List(ctx context.Context) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	resp, err := c.inner.List(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(resp.Output, "\n"), nil
}

// Execute runs payload once in a fresh sandbox. A non-zero exit is reported
// as an error; use Run for an ExecResult in both cases.
func (c *Client) Execute(ctx context.Context, payload []byte) (*ExecuteResponse, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.inner.Execute(ctx, payload)
}
