// Package rootfscache materialises digest-pinned OCI images into rootfs
// directories that runtime bundles can point at, and tracks them in a SQLite
// metadata database.
package rootfscache

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/sandboxd/internal/paths"
)

const (
	SourceRegistry = "registry"
	SourceImport   = "import"
)

// Entry describes one materialised rootfs.
type Entry struct {
	Digest     string
	Ref        string
	Path       string
	SizeBytes  int64
	Source     string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Image      ImageConfig
}

type Options struct {
	Dir    string
	DBPath string
	Now    func() time.Time
	Pull   PullFunc
}

type Cache struct {
	dir   string
	store *store
	now   func() time.Time
	pull  PullFunc

	mu sync.Mutex
}

// Open prepares the cache directory and metadata database. Empty paths fall
// back to the XDG locations.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		var err error
		if dir, err = paths.RootFSCacheDir(); err != nil {
			return nil, fmt.Errorf("resolve rootfs cache directory: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rootfs cache directory %q: %w", dir, err)
	}

	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		var err error
		if dbPath, err = paths.ImageMetadataDBPath(); err != nil {
			return nil, fmt.Errorf("resolve rootfs metadata path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create rootfs metadata directory: %w", err)
	}
	st, err := openStore(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	c := &Cache{dir: dir, store: st, now: opts.Now, pull: opts.Pull}
	if c.now == nil {
		c.now = time.Now
	}
	if c.pull == nil {
		c.pull = pullFromRegistry
	}
	return c, nil
}

func (c *Cache) Close() error {
	return c.store.Close()
}

// Ensure returns the rootfs for ref, pulling and extracting it on a miss.
// The boolean reports a cache hit.
func (c *Cache) Ensure(ctx context.Context, rawRef string) (Entry, bool, error) {
	ref, err := ParseReference(rawRef)
	if err != nil {
		return Entry{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	entry, found, err := c.store.get(ctx, ref.Digest())
	if err != nil {
		return Entry{}, false, err
	}
	if found {
		if _, statErr := os.Stat(entry.Path); statErr == nil {
			if err := c.store.touch(ctx, entry.Digest, ref.Raw, now); err != nil {
				return Entry{}, false, err
			}
			entry.Ref = ref.Raw
			entry.LastUsedAt = now
			return entry, true, nil
		} else if !os.IsNotExist(statErr) {
			return Entry{}, false, fmt.Errorf("stat cached rootfs %q: %w", entry.Path, statErr)
		}
		if err := c.store.delete(ctx, entry.Digest); err != nil {
			return Entry{}, false, err
		}
	}

	stream, image, err := c.pull(ctx, ref)
	if err != nil {
		return Entry{}, false, err
	}
	defer stream.Close()

	entry, err = c.materialise(ctx, ref, stream, image, SourceRegistry, now)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, false, nil
}

// Import registers a local tarball (optionally gzipped) under ref. A path of
// "-" reads from stdin.
func (c *Cache) Import(ctx context.Context, rawRef, tarPath string, stdin io.Reader) (Entry, error) {
	ref, err := ParseReference(rawRef)
	if err != nil {
		return Entry{}, err
	}
	stream, closeStream, err := openTarball(tarPath, stdin)
	if err != nil {
		return Entry{}, err
	}
	defer closeStream()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.materialise(ctx, ref, stream, ImageConfig{}, SourceImport, c.now().UTC())
}

func (c *Cache) List(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.all(ctx)
}

// Remove deletes entries matching a digest, a bare hex digest or a full
// reference. Metadata is kept when the directory cannot be removed.
func (c *Cache) Remove(ctx context.Context, selector string) ([]Entry, error) {
	sel := strings.TrimSpace(selector)
	if sel == "" {
		return nil, fmt.Errorf("rootfs selector cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []Entry
	digest, isDigest := digestSelector(sel)
	if ref, err := ParseReference(sel); err == nil {
		digest, isDigest = ref.Digest(), true
	}
	if isDigest {
		entry, found, err := c.store.get(ctx, digest)
		if err != nil {
			return nil, err
		}
		if found {
			entries = append(entries, entry)
		}
	} else {
		var err error
		if entries, err = c.store.byRef(ctx, sel); err != nil {
			return nil, err
		}
	}

	removed := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if !within(c.dir, entry.Path) || entry.Path == c.dir {
			return removed, fmt.Errorf("refusing to remove %q outside the rootfs cache", entry.Path)
		}
		if err := os.RemoveAll(entry.Path); err != nil {
			return removed, fmt.Errorf("remove cached rootfs %q: %w", entry.Path, err)
		}
		if err := c.store.delete(ctx, entry.Digest); err != nil {
			return removed, err
		}
		removed = append(removed, entry)
	}
	return removed, nil
}

func (c *Cache) materialise(ctx context.Context, ref Reference, stream io.Reader, image ImageConfig, source string, now time.Time) (Entry, error) {
	created := now
	if existing, found, err := c.store.get(ctx, ref.Digest()); err != nil {
		return Entry{}, err
	} else if found {
		created = existing.CreatedAt
	}

	tmp, err := os.MkdirTemp(c.dir, ref.Hex+".tmp-*")
	if err != nil {
		return Entry{}, fmt.Errorf("create staging directory for %s: %w", ref.Digest(), err)
	}
	defer os.RemoveAll(tmp)

	size, err := extractTree(tmp, stream)
	if err != nil {
		return Entry{}, err
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return Entry{}, fmt.Errorf("chmod staging directory: %w", err)
	}

	final := filepath.Join(c.dir, ref.Hex)
	if err := os.RemoveAll(final); err != nil {
		return Entry{}, fmt.Errorf("clear previous rootfs %q: %w", final, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return Entry{}, fmt.Errorf("move rootfs into cache %q: %w", final, err)
	}

	entry := Entry{
		Digest:     ref.Digest(),
		Ref:        ref.Raw,
		Path:       final,
		SizeBytes:  size,
		Source:     source,
		CreatedAt:  created,
		LastUsedAt: now,
		Image:      image,
	}
	if err := c.store.put(ctx, entry); err != nil {
		_ = os.RemoveAll(final)
		return Entry{}, err
	}
	return entry, nil
}

func openTarball(path string, stdin io.Reader) (io.Reader, func(), error) {
	path = strings.TrimSpace(path)
	var (
		base      io.Reader
		closeBase = func() {}
	)
	if path == "" || path == "-" {
		if stdin == nil {
			return nil, nil, fmt.Errorf("no tarball path given and stdin is unavailable")
		}
		base = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open tarball %q: %w", path, err)
		}
		base = f
		closeBase = func() { _ = f.Close() }
	}

	buffered := bufio.NewReader(base)
	magic, err := buffered.Peek(2)
	if err != nil && err != io.EOF {
		closeBase()
		return nil, nil, fmt.Errorf("read tarball header: %w", err)
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			closeBase()
			return nil, nil, fmt.Errorf("open gzip tarball: %w", err)
		}
		return gz, func() {
			_ = gz.Close()
			closeBase()
		}, nil
	}
	return buffered, closeBase, nil
}
