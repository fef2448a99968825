// Package logcapture drains a child process's output into a bounded line
// buffer that observers read destructively.
package logcapture

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

const maxLineBytes = 1 << 20

// Buffer is a bounded, append-only sequence of lines. Appends from the
// capture goroutine and drains from readers are serialized by a mutex; neither
// waits on the producing process.
type Buffer struct {
	mu      sync.Mutex
	lines   []string
	head    int // lines[:head] are already dropped
	limit   int
	dropped uint64
	onDrop  func(int)
}

// NewBuffer returns a buffer holding at most limit lines. When full the oldest
// lines are discarded and reported to onDrop, which may be nil. A limit of
// zero or less means unbounded.
func NewBuffer(limit int, onDrop func(int)) *Buffer {
	return &Buffer{limit: limit, onDrop: onDrop}
}

// Attach starts a goroutine that appends each line read from r until EOF or a
// read error. Lines longer than 1 MiB are truncated to that length; the rest
// of the line is read and discarded so the producer never sees a closed pipe.
// The returned channel is closed when the goroutine exits. If r is an
// io.Closer it is closed on exit.
func (b *Buffer) Attach(r io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if c, ok := r.(io.Closer); ok {
			defer c.Close()
		}
		b.capture(bufio.NewReaderSize(r, 64*1024))
	}()
	return done
}

func (b *Buffer) capture(br *bufio.Reader) {
	line := make([]byte, 0, 4096)
	for {
		frag, err := br.ReadSlice('\n')
		if room := maxLineBytes - len(line); room > 0 {
			line = append(line, frag[:min(len(frag), room)]...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil || len(line) > 0 {
			b.Append(string(trimEOL(line)))
		}
		if err != nil {
			return
		}
		line = line[:0]
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}

// Append adds one line. A full buffer sheds its oldest line; the backing
// slice is compacted only once it holds twice the limit.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	over := 0
	if b.limit > 0 && len(b.lines)-b.head > b.limit {
		over = len(b.lines) - b.head - b.limit
		b.head += over
		b.dropped += uint64(over)
		if b.head >= b.limit {
			n := copy(b.lines, b.lines[b.head:])
			clear(b.lines[n:])
			b.lines = b.lines[:n]
			b.head = 0
		}
	}
	onDrop := b.onDrop
	b.mu.Unlock()

	if over > 0 && onDrop != nil {
		onDrop(over)
	}
}

// Drain returns every buffered line in arrival order and empties the buffer.
// It never returns nil.
func (b *Buffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lines[b.head:]
	b.lines = nil
	b.head = 0
	if len(out) == 0 {
		return []string{}
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines) - b.head
}

// Dropped is the number of lines discarded because the buffer was full.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
