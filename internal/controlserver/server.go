package controlserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/sandboxd/internal/controlapi"
	"github.com/buildkite/sandboxd/internal/controlservice"
	"github.com/buildkite/sandboxd/internal/endpoint"
	"github.com/buildkite/sandboxd/internal/lifecycle"
	"github.com/buildkite/sandboxd/internal/metrics"
	"github.com/buildkite/sandboxd/internal/paths"
	"github.com/buildkite/sandboxd/internal/supervisor"
	"github.com/buildkite/sandboxd/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"tailscale.com/tsnet"
)

const defaultMaxPayloadBytes = 1 << 20

// TLSOptions holds explicit TLS paths for the server.
type TLSOptions struct {
	CertPath string
	KeyPath  string
}

type Options struct {
	// MaxPayloadBytes bounds /execute request bodies.
	MaxPayloadBytes int64
}

type Server struct {
	service         *controlservice.Service
	logger          *log.Logger
	maxPayloadBytes int64
}

func New(service *controlservice.Service, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	return &Server{service: service, logger: logger, maxPayloadBytes: opts.MaxPayloadBytes}
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

var newTSNetServer = func(ep endpoint.Endpoint, stateDir string, tsLogf func(format string, args ...any)) tsnetServer {
	return &tsnet.Server{
		Dir:      stateDir,
		Hostname: ep.TSNetHostname,
		Logf:     tsLogf,
	}
}

func tsnetLogf(logger *log.Logger) func(format string, args ...any) {
	if logger == nil {
		return nil
	}
	tsLogger := logger.With("subsystem", "tsnet")
	return func(format string, args ...any) {
		msg := strings.TrimSpace(fmt.Sprintf(format, args...))
		if msg == "" {
			return
		}
		tsLogger.Debug(msg)
	}
}

func unary[Req, Res any](procedure string, fn func(context.Context, Req) (*Res, error), opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(controlapi.JSONCodec{})}, opts...)
	return procedure, connect.NewUnaryHandler(procedure, func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		resp, err := fn(ctx, *req.Msg)
		if err != nil {
			return nil, toConnectError(err)
		}
		return connect.NewResponse(resp), nil
	}, opts...)
}

// Handler serves the Connect API, the plain HTTP routes, /healthz and
// /metrics over h2c.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	svc := s.service
	mux.Handle(unary(controlapi.StartProcedure, svc.Start))
	mux.Handle(unary(controlapi.StopProcedure, svc.Stop))
	mux.Handle(unary(controlapi.SuspendProcedure, svc.Suspend))
	mux.Handle(unary(controlapi.RestoreProcedure, svc.Restore))
	mux.Handle(unary(controlapi.StatusProcedure, svc.Status))
	mux.Handle(unary(controlapi.LogsProcedure, svc.Logs))
	mux.Handle(unary(controlapi.ListProcedure, svc.List))
	// base64 inflates the payload by a third inside the JSON envelope.
	mux.Handle(unary(controlapi.ExecuteProcedure, svc.Execute, connect.WithReadMaxBytes(int(s.maxPayloadBytes*2))))

	mux.HandleFunc("/start", s.lifecycleRoute(svc.Start))
	mux.HandleFunc("/stop", s.lifecycleRoute(svc.Stop))
	mux.HandleFunc("/suspend", s.lifecycleRoute(svc.Suspend))
	mux.HandleFunc("/restore", s.lifecycleRoute(svc.Restore))
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/execute", s.handleExecute)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", notFound)

	return h2c.NewHandler(mux, &http2.Server{})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusNotFound, "Not Found")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// routeError renders err for the plain HTTP routes.
func routeError(w http.ResponseWriter, err error) {
	var execErr *supervisor.ExecutionError
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyRunning):
		writeText(w, http.StatusBadRequest, "App already running")
	case errors.Is(err, lifecycle.ErrNotRunning):
		writeText(w, http.StatusBadRequest, "App not running")
	case errors.Is(err, lifecycle.ErrTransitionInProgress):
		writeText(w, http.StatusBadRequest, "App is busy")
	case errors.As(err, &execErr):
		w.Header().Set("Sandboxd-Exit-Code", strconv.Itoa(execErr.ExitCode))
		body := string(execErr.Stdout) + string(execErr.Stderr)
		if execErr.TimedOut || body == "" {
			body += execErr.Error() + "\n"
		}
		writeText(w, http.StatusInternalServerError, body)
	default:
		writeText(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) lifecycleRoute(fn func(context.Context, controlapi.LifecycleRequest) (*controlapi.LifecycleResponse, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			notFound(w, r)
			return
		}
		resp, err := fn(r.Context(), controlapi.LifecycleRequest{})
		if err != nil {
			routeError(w, err)
			return
		}
		writeText(w, http.StatusOK, resp.Message)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w, r)
		return
	}
	resp, err := s.service.Status(r.Context(), controlapi.StatusRequest{})
	if err != nil {
		routeError(w, err)
		return
	}
	writeText(w, http.StatusOK, resp.Message)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w, r)
		return
	}
	resp, err := s.service.Logs(r.Context(), controlapi.LogsRequest{})
	if err != nil {
		routeError(w, err)
		return
	}
	writeText(w, http.StatusOK, strings.Join(resp.Lines, "\n"))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w, r)
		return
	}
	resp, err := s.service.List(r.Context(), controlapi.ListRequest{})
	if err != nil {
		routeError(w, err)
		return
	}
	writeText(w, http.StatusOK, resp.Output)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		notFound(w, r)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeText(w, http.StatusBadRequest, "read payload: "+err.Error())
		return
	}

	resp, err := s.service.Execute(r.Context(), controlapi.ExecuteRequest{Payload: payload})
	if err != nil {
		s.logger.Debug("execute failed", "err", err)
		routeError(w, err)
		return
	}
	w.Header().Set("Sandboxd-Execution-Id", resp.ExecutionID)
	writeText(w, http.StatusOK, resp.Stdout+resp.Stderr)
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	var execErr *supervisor.ExecutionError
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyRunning),
		errors.Is(err, lifecycle.ErrNotRunning),
		errors.Is(err, lifecycle.ErrTransitionInProgress):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.As(err, &execErr):
		msg := execErr.Error()
		if out := string(execErr.Stdout) + string(execErr.Stderr); out != "" {
			msg += "\n" + out
		}
		cerr := connect.NewError(connect.CodeAborted, errors.New(msg))
		cerr.Meta().Set("Sandboxd-Exit-Code", strconv.Itoa(execErr.ExitCode))
		return cerr
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// Serve listens on ep and serves handler until ctx is cancelled.
func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts *TLSOptions) error {
	listener, cleanup, err := listen(ep, logger, tlsOpts)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer func() {
			_ = cleanup()
		}()
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving sandboxd control API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ep.Scheme == "https" {
		if err := http2.ConfigureServer(httpServer, nil); err != nil {
			return fmt.Errorf("configure HTTP/2 for TLS: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("control API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("control API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, logger *log.Logger, tlsOpts *TLSOptions) (net.Listener, func() error, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		return listener, nil, nil

	case "tsnet":
		stateDir, err := paths.TSNetStateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tsnet state directory: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create tsnet state directory: %w", err)
		}
		server := newTSNetServer(ep, stateDir, tsnetLogf(logger))
		listener, err := server.Listen("tcp", ep.Address)
		if err != nil {
			_ = server.Close()
			return nil, nil, fmt.Errorf("start tsnet listener for %q: %w", ep.Address, err)
		}
		return listener, server.Close, nil

	case "https":
		var opts tlsconfig.Options
		if tlsOpts != nil {
			opts = tlsconfig.Options{
				CertPath: tlsOpts.CertPath,
				KeyPath:  tlsOpts.KeyPath,
			}
		}
		tlsCfg, err := tlsconfig.ResolveServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve server TLS config: %w", err)
		}
		if tlsCfg == nil {
			return nil, nil, errors.New("https listen endpoint requires TLS certificates (provide --tls-cert/--tls-key or place server.pem/server.key in the TLS directory)")
		}
		listener, err := tls.Listen("tcp", ep.Address, tlsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("start TLS listener for %q: %w", ep.Address, err)
		}
		return listener, nil, nil

	case "http":
		listener, err := net.Listen("tcp", ep.Address)
		return listener, nil, err
	}

	return nil, nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}
