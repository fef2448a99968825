package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/buildkite/sandboxd/internal/rootfscache"
)

type RootFSCommand struct {
	Pull   RootFSPullCommand   `cmd:"" help:"Pull a digest-pinned image into the rootfs cache"`
	Import RootFSImportCommand `cmd:"" help:"Import a rootfs tarball under a digest-pinned reference"`
	Ls     RootFSListCommand   `cmd:"" help:"List cached rootfs trees"`
	Rm     RootFSRemoveCommand `cmd:"" help:"Remove cached rootfs trees by digest or reference"`
}

type RootFSPullCommand struct {
	Ref string `arg:"" help:"Image reference (repo/image@sha256:<digest>)"`
}

type RootFSImportCommand struct {
	Ref     string `arg:"" help:"Reference to record (repo/image@sha256:<digest>)"`
	Tarball string `arg:"" optional:"" default:"-" help:"Tarball path, optionally gzipped; - reads stdin"`
}

type RootFSListCommand struct {
	JSON bool `help:"Print entries as JSON"`
}

type RootFSRemoveCommand struct {
	Selector string `arg:"" help:"Digest (sha256:<hex> or bare hex) or full reference"`
}

func withRootFSCache(fn func(context.Context, *rootfscache.Cache) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cache, err := openRootFSCache(ctx)
	if err != nil {
		return err
	}
	defer cache.Close()
	return fn(ctx, cache)
}

func (c *RootFSPullCommand) Run(rc *runtimeContext) error {
	return withRootFSCache(func(ctx context.Context, cache *rootfscache.Cache) error {
		entry, hit, err := cache.Ensure(ctx, c.Ref)
		if err != nil {
			return err
		}
		state := "pulled"
		if hit {
			state = "cached"
		}
		_, err = fmt.Fprintf(rc.Stdout, "%s %s\n  path: %s\n", state, entry.Digest, entry.Path)
		return err
	})
}

func (c *RootFSImportCommand) Run(rc *runtimeContext) error {
	return withRootFSCache(func(ctx context.Context, cache *rootfscache.Cache) error {
		entry, err := cache.Import(ctx, c.Ref, c.Tarball, rc.Stdin)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(rc.Stdout, "imported %s\n  path: %s\n", entry.Digest, entry.Path)
		return err
	})
}

func (c *RootFSListCommand) Run(rc *runtimeContext) error {
	return withRootFSCache(func(ctx context.Context, cache *rootfscache.Cache) error {
		entries, err := cache.List(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			enc := json.NewEncoder(rc.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		tw := tabwriter.NewWriter(rc.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DIGEST\tREF\tSIZE\tSOURCE\tLAST USED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", shortDigest(e.Digest), e.Ref, e.SizeBytes, e.Source, e.LastUsedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func (c *RootFSRemoveCommand) Run(rc *runtimeContext) error {
	return withRootFSCache(func(ctx context.Context, cache *rootfscache.Cache) error {
		removed, err := cache.Remove(ctx, c.Selector)
		for _, e := range removed {
			fmt.Fprintf(rc.Stdout, "removed %s\n", e.Digest)
		}
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return fmt.Errorf("no cached rootfs matches %q", c.Selector)
		}
		return nil
	})
}

func shortDigest(digest string) string {
	const n = len("sha256:") + 12
	if len(digest) > n {
		return digest[:n]
	}
	return digest
}
