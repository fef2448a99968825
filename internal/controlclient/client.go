package controlclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/sandboxd/internal/controlapi"
	"github.com/buildkite/sandboxd/internal/endpoint"
	"github.com/buildkite/sandboxd/internal/tlsconfig"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string

	start   *connect.Client[controlapi.LifecycleRequest, controlapi.LifecycleResponse]
	stop    *connect.Client[controlapi.LifecycleRequest, controlapi.LifecycleResponse]
	suspend *connect.Client[controlapi.LifecycleRequest, controlapi.LifecycleResponse]
	restore *connect.Client[controlapi.LifecycleRequest, controlapi.LifecycleResponse]
	status  *connect.Client[controlapi.StatusRequest, controlapi.StatusResponse]
	logs    *connect.Client[controlapi.LogsRequest, controlapi.LogsResponse]
	list    *connect.Client[controlapi.ListRequest, controlapi.ListResponse]
	execute *connect.Client[controlapi.ExecuteRequest, controlapi.ExecuteResponse]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep, baseURL, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	return NewWithHTTPClient(&http.Client{Transport: transport}, baseURL), nil
}

// NewWithHTTPClient builds a client on an existing HTTP client, which must
// speak HTTP/2 to plain-text endpoints.
func NewWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	codec := connect.WithCodec(controlapi.JSONCodec{})
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		start:      connect.NewClient[controlapi.LifecycleRequest, controlapi.LifecycleResponse](httpClient, baseURL+controlapi.StartProcedure, codec),
		stop:       connect.NewClient[controlapi.LifecycleRequest, controlapi.LifecycleResponse](httpClient, baseURL+controlapi.StopProcedure, codec),
		suspend:    connect.NewClient[controlapi.LifecycleRequest, controlapi.LifecycleResponse](httpClient, baseURL+controlapi.SuspendProcedure, codec),
		restore:    connect.NewClient[controlapi.LifecycleRequest, controlapi.LifecycleResponse](httpClient, baseURL+controlapi.RestoreProcedure, codec),
		status:     connect.NewClient[controlapi.StatusRequest, controlapi.StatusResponse](httpClient, baseURL+controlapi.StatusProcedure, codec),
		logs:       connect.NewClient[controlapi.LogsRequest, controlapi.LogsResponse](httpClient, baseURL+controlapi.LogsProcedure, codec),
		list:       connect.NewClient[controlapi.ListRequest, controlapi.ListResponse](httpClient, baseURL+controlapi.ListProcedure, codec),
		execute:    connect.NewClient[controlapi.ExecuteRequest, controlapi.ExecuteResponse](httpClient, baseURL+controlapi.ExecuteProcedure, codec),
	}
}

func buildTransport(ep endpoint.Endpoint, baseURL string, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	}

	network, address := "tcp", ""
	if ep.Scheme == "unix" {
		network, address = "unix", ep.Address
	} else {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Host == "" {
			return &http.Transport{}, nil
		}
		address = parsed.Host
	}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
	}, nil
}

func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Start(ctx context.Context) (*controlapi.LifecycleResponse, error) {
	return call(ctx, c.start, controlapi.LifecycleRequest{})
}

func (c *Client) Stop(ctx context.Context) (*controlapi.LifecycleResponse, error) {
	return call(ctx, c.stop, controlapi.LifecycleRequest{})
}

func (c *Client) Suspend(ctx context.Context) (*controlapi.LifecycleResponse, error) {
	return call(ctx, c.suspend, controlapi.LifecycleRequest{})
}

func (c *Client) Restore(ctx context.Context) (*controlapi.LifecycleResponse, error) {
	return call(ctx, c.restore, controlapi.LifecycleRequest{})
}

func (c *Client) Status(ctx context.Context) (*controlapi.StatusResponse, error) {
	return call(ctx, c.status, controlapi.StatusRequest{})
}

func (c *Client) Logs(ctx context.Context) (*controlapi.LogsResponse, error) {
	return call(ctx, c.logs, controlapi.LogsRequest{})
}

func (c *Client) List(ctx context.Context) (*controlapi.ListResponse, error) {
	return call(ctx, c.list, controlapi.ListRequest{})
}

func (c *Client) Execute(ctx context.Context, payload []byte) (*controlapi.ExecuteResponse, error) {
	return call(ctx, c.execute, controlapi.ExecuteRequest{Payload: payload})
}
