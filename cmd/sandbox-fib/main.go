package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/buildkite/sandboxd/internal/fib"
)

type cli struct {
	Interval time.Duration `help:"Delay between printed numbers" default:"5s"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("sandbox-fib"),
		kong.Description("Demo workload that prints the Fibonacci sequence"),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fib.Emit(ctx, os.Stdout, c.Interval); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
