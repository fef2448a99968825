// Package fib is the computation behind the sandbox-fib demo workload.
package fib

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Number returns the nth Fibonacci number. Negative n yields -1.
func Number(n int) int64 {
	switch {
	case n < 0:
		return -1
	case n == 0:
		return 0
	case n <= 2:
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// Emit writes "fib(i) = n" lines to w, one per tick, starting at i=0, until
// ctx is done. The first line is written immediately.
func Emit(ctx context.Context, w io.Writer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if _, err := fmt.Fprintf(w, "fib(%d) = %d\n", i, Number(i)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
