package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/buildkite/sandboxd/internal/runtimeconfig"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve   ServeCommand   `cmd:"" help:"Run the sandbox control server"`
	Start   StartCommand   `cmd:"" help:"Start the sandbox instance"`
	Stop    StopCommand    `cmd:"" help:"Stop the sandbox instance"`
	Suspend SuspendCommand `cmd:"" help:"Freeze the running instance"`
	Restore RestoreCommand `cmd:"" help:"Thaw a suspended instance"`
	Status  StatusCommand  `cmd:"" help:"Show instance status"`
	Logs    LogsCommand    `cmd:"" help:"Print output captured since the last call"`
	List    ListCommand    `cmd:"" help:"List containers known to the runtime"`
	Execute ExecuteCommand `cmd:"" help:"Run a program once in a fresh sandbox"`
	Doctor  DoctorCommand  `cmd:"" help:"Run host diagnostics"`
	RootFS  RootFSCommand  `cmd:"" name:"rootfs" help:"Manage cached rootfs images"`
	TLS     TLSCommand     `cmd:"" name:"tls" help:"Manage TLS material for https:// listeners"`
	Version VersionCommand `cmd:"" help:"Print the version"`
}

type VersionCommand struct{}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintf(ctx.Stdout, "sandboxd %s\n", ctx.Version)
	return err
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func newParser(c *CLI) (*kong.Kong, error) {
	return kong.New(
		c,
		kong.Name("sandboxd"),
		kong.Description("Run a gVisor-sandboxed workload and one-shot programs behind a control API"),
		kong.UsageOnError(),
	)
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	c := CLI{}
	parser, err := newParser(&c)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return kctx.Run(&runtimeContext{
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	})
}

// ExitCode maps an error returned by Run to a process exit status.
func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := effectiveLogLevel(rawLevel)
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       log.TextFormatter,
		ReportTimestamp: true,
	})
	return logger.With("component", component), nil
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}
