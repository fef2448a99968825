package logcapture

import (
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAttachCapturesLinesInOrder(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0, nil)
	done := b.Attach(strings.NewReader("one\ntwo\nthree"))
	<-done

	if got, want := b.Drain(), []string{"one", "two", "three"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected lines: got %q want %q", got, want)
	}
	if got := b.Drain(); len(got) != 0 || got == nil {
		t.Fatalf("expected empty non-nil drain, got %#v", got)
	}
}

func TestDrainDoesNotBlockOnSilentProducer(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()

	b := NewBuffer(0, nil)
	b.Attach(pr)

	result := make(chan []string, 1)
	go func() { result <- b.Drain() }()
	select {
	case lines := <-result:
		if len(lines) != 0 {
			t.Fatalf("expected no lines, got %q", lines)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Drain blocked on a silent producer")
	}
}

func TestBufferDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	dropped := 0
	b := NewBuffer(2, func(n int) {
		mu.Lock()
		dropped += n
		mu.Unlock()
	})
	for _, line := range []string{"a", "b", "c", "d"} {
		b.Append(line)
	}

	if got, want := b.Drain(), []string{"c", "d"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected lines: got %q want %q", got, want)
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("unexpected dropped count: got %d want %d", got, 2)
	}
	mu.Lock()
	defer mu.Unlock()
	if dropped != 2 {
		t.Fatalf("unexpected drop callback total: got %d want %d", dropped, 2)
	}
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestAttachClosesReader(t *testing.T) {
	t.Parallel()

	r := &closeRecorder{Reader: strings.NewReader("line\n")}
	b := NewBuffer(0, nil)
	<-b.Attach(r)

	if !r.closed {
		t.Fatal("expected reader to be closed after EOF")
	}
	if got := b.Len(); got != 1 {
		t.Fatalf("unexpected buffered lines: got %d want %d", got, 1)
	}
}

func TestConcurrentAppendAndDrainLosesNothing(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0, nil)
	const total = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			b.Append("x")
		}
	}()

	seen := 0
	for seen < total {
		seen += len(b.Drain())
	}
	wg.Wait()
	if rest := len(b.Drain()); rest != 0 {
		t.Fatalf("unexpected leftover lines: %d", rest)
	}
}

func TestAttachSurvivesOversizedLine(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	b := NewBuffer(0, nil)
	done := b.Attach(pr)

	long := strings.Repeat("x", 2*maxLineBytes)
	for _, chunk := range []string{"before\n", long + "\n", "after\r\n"} {
		if _, err := io.WriteString(pw, chunk); err != nil {
			t.Fatalf("write %d bytes: %v", len(chunk), err)
		}
	}
	pw.Close()
	<-done

	lines := b.Drain()
	if len(lines) != 3 {
		t.Fatalf("unexpected line count: got %d want %d", len(lines), 3)
	}
	if lines[0] != "before" || lines[2] != "after" {
		t.Fatalf("unexpected surrounding lines: %q %q", lines[0], lines[2])
	}
	if got := len(lines[1]); got != maxLineBytes {
		t.Fatalf("unexpected truncated length: got %d want %d", got, maxLineBytes)
	}
}

func TestBufferKeepsNewestAcrossCompaction(t *testing.T) {
	t.Parallel()

	b := NewBuffer(3, nil)
	for i := 0; i < 10; i++ {
		b.Append(string(rune('a' + i)))
		if got := b.Len(); got > 3 {
			t.Fatalf("buffer exceeded limit after %d appends: %d", i+1, got)
		}
	}
	if got, want := b.Drain(), []string{"h", "i", "j"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected lines: got %q want %q", got, want)
	}
	if got := b.Dropped(); got != 7 {
		t.Fatalf("unexpected dropped count: got %d want %d", got, 7)
	}

	b.Append("k")
	if got, want := b.Drain(), []string{"k"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected lines after drain: got %q want %q", got, want)
	}
}
