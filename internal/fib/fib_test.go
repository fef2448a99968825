package fib

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNumber(t *testing.T) {
	t.Parallel()

	cases := map[int]int64{
		-3: -1,
		-1: -1,
		0:  0,
		1:  1,
		2:  1,
		3:  2,
		10: 55,
		50: 12586269025,
	}
	for n, want := range cases {
		if got := Number(n); got != want {
			t.Fatalf("Number(%d): got %d want %d", n, got, want)
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEmitWritesSequence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- Emit(ctx, out, time.Millisecond) }()

	deadline := time.Now().Add(5 * time.Second)
	for strings.Count(out.String(), "\n") < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for output, got %q", out.String())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}

	lines := strings.Split(out.String(), "\n")
	want := []string{"fib(0) = 0", "fib(1) = 1", "fib(2) = 1", "fib(3) = 2"}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d: got %q want %q", i, lines[i], w)
		}
	}
}
