package rootfscache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rootfs (
	digest TEXT PRIMARY KEY,
	ref TEXT NOT NULL,
	path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	source TEXT NOT NULL,
	created_at_unix INTEGER NOT NULL,
	last_used_at_unix INTEGER NOT NULL,
	image_config_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rootfs_ref ON rootfs(ref);
`

const selectColumns = `digest, ref, path, size_bytes, source, created_at_unix, last_used_at_unix, image_config_json`

// store persists cache entries in SQLite.
type store struct {
	db *sql.DB
}

func openStore(ctx context.Context, path string) (*store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rootfs metadata database %q: %w", path, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise rootfs metadata schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) get(ctx context.Context, digest string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM rootfs WHERE digest = ?`, digest)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *store) byRef(ctx context.Context, ref string) ([]Entry, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM rootfs WHERE ref = ?`, ref)
}

func (s *store) all(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM rootfs ORDER BY last_used_at_unix DESC, digest ASC`)
}

func (s *store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rootfs metadata: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rootfs metadata: %w", err)
	}
	return out, nil
}

func (s *store) put(ctx context.Context, e Entry) error {
	cfg, err := json.Marshal(e.Image)
	if err != nil {
		return fmt.Errorf("encode image config for %s: %w", e.Digest, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rootfs (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			ref = excluded.ref,
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			source = excluded.source,
			last_used_at_unix = excluded.last_used_at_unix,
			image_config_json = excluded.image_config_json
	`, e.Digest, e.Ref, e.Path, e.SizeBytes, e.Source, e.CreatedAt.Unix(), e.LastUsedAt.Unix(), string(cfg))
	if err != nil {
		return fmt.Errorf("write rootfs metadata for %s: %w", e.Digest, err)
	}
	return nil
}

func (s *store) touch(ctx context.Context, digest, ref string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rootfs SET ref = ?, last_used_at_unix = ? WHERE digest = ?`, ref, at.Unix(), digest)
	if err != nil {
		return fmt.Errorf("update rootfs metadata for %s: %w", digest, err)
	}
	return nil
}

func (s *store) delete(ctx context.Context, digest string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rootfs WHERE digest = ?`, digest); err != nil {
		return fmt.Errorf("delete rootfs metadata for %s: %w", digest, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e         Entry
		created   int64
		lastUsed  int64
		imageJSON string
	)
	if err := r.Scan(&e.Digest, &e.Ref, &e.Path, &e.SizeBytes, &e.Source, &created, &lastUsed, &imageJSON); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.Unix(created, 0).UTC()
	e.LastUsedAt = time.Unix(lastUsed, 0).UTC()
	if imageJSON != "" {
		if err := json.Unmarshal([]byte(imageJSON), &e.Image); err != nil {
			return Entry{}, fmt.Errorf("decode image config for %s: %w", e.Digest, err)
		}
	}
	return e, nil
}
