package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/buildkite/sandboxd/internal/paths"
	"github.com/buildkite/sandboxd/internal/tlsconfig"
)

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a private CA and server certificate"`
}

type TLSInitCommand struct {
	Dir   string   `help:"Output directory (defaults to the sandboxd TLS directory)"`
	Host  []string `help:"Extra DNS names or IPs for the server certificate; the machine hostname is always included"`
	Force bool     `help:"Overwrite existing material"`
}

func (c *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := strings.TrimSpace(c.Dir)
	if dir == "" {
		var err error
		if dir, err = paths.TLSDir(); err != nil {
			return err
		}
	}

	hosts := append([]string{}, c.Host...)
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		hosts = append(hosts, hostname)
	}
	if err := tlsconfig.Bootstrap(dir, hosts, c.Force); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote CA and server certificate to %s\n", dir)
	return err
}
