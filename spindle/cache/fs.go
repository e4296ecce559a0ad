package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "github.com/mattn/go-sqlite3"
	"tangled.org/spindle/spindle/blob"
)

// FSStore keeps payloads in a blob store and indexes keys in sqlite.
type FSStore struct {
	db    *sql.DB
	blobs *blob.Store
	memo  *ristretto.Cache
	now   func() time.Time

	gc sync.RWMutex
}

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}

	opts := []string{
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_busy_timeout=5000",
		// saves read then write; take the write lock up front
		"_txlock=immediate",
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db")+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists cache_entries (
			key text primary key,
			digest text not null,
			size integer not null,
			created integer not null -- unix nanos
		);
		create index if not exists idx_cache_entries_created on cache_entries(created);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache index: %w", err)
	}

	memo, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &FSStore{
		db:    db,
		blobs: blobs,
		memo:  memo,
		now:   time.Now,
	}, nil
}

func (s *FSStore) Close() error {
	s.memo.Close()
	return s.db.Close()
}

func (s *FSStore) Restore(ctx context.Context, key string, prefixes []string) (Hit, io.ReadCloser, error) {
	hit, err := resolve(ctx, s, key, prefixes)
	if err != nil {
		return Hit{}, nil, err
	}

	d, err := blob.ParseDigest(hit.Entry.Digest)
	if err != nil {
		return Hit{}, nil, err
	}
	rc, err := s.blobs.Open(d)
	if errors.Is(err, blob.ErrNotFound) {
		// index outlived its payload
		s.memo.Del(hit.Entry.Key)
		return Hit{}, nil, ErrMiss
	}
	if err != nil {
		return Hit{}, nil, err
	}

	return hit, rc, nil
}

func (s *FSStore) Save(ctx context.Context, key string, payload io.Reader) (Entry, error) {
	if key == "" {
		return Entry{}, fmt.Errorf("empty cache key")
	}

	e, previous, err := s.put(ctx, key, payload)
	if err != nil {
		return Entry{}, err
	}
	if previous != "" && previous != e.Digest {
		s.release(ctx, previous)
	}

	// a pending insert of the old entry must not survive the overwrite
	s.memo.Del(key)
	s.memo.Wait()
	return e, nil
}

// put stores payload and points key at it, returning the digest key
// pointed at before.
func (s *FSStore) put(ctx context.Context, key string, payload io.Reader) (Entry, string, error) {
	// blobs are only deleted while no put is between storing its
	// payload and indexing it
	s.gc.RLock()
	defer s.gc.RUnlock()

	ref, err := s.blobs.Put(payload, blob.CodecZstd)
	if err != nil {
		return Entry{}, "", fmt.Errorf("storing cache payload: %w", err)
	}

	e := Entry{
		Key:     key,
		Digest:  ref.Digest.String(),
		Size:    ref.Size,
		Created: s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, "", err
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `select digest from cache_entries where key = ?`, key).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, "", err
	}

	_, err = tx.ExecContext(ctx, `
		insert into cache_entries (key, digest, size, created)
		values (?, ?, ?, ?)
		on conflict(key) do update set
			digest = excluded.digest,
			size = excluded.size,
			created = excluded.created
	`, e.Key, e.Digest, e.Size, e.Created.UnixNano())
	if err != nil {
		return Entry{}, "", fmt.Errorf("indexing cache entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, "", err
	}
	return e, previous, nil
}

// release deletes the payload of digest once no entry refers to it.
func (s *FSStore) release(ctx context.Context, digest string) {
	s.gc.Lock()
	defer s.gc.Unlock()

	var refs int
	err := s.db.QueryRowContext(ctx, `select count(*) from cache_entries where digest = ?`, digest).Scan(&refs)
	if err != nil || refs > 0 {
		return
	}
	if d, err := blob.ParseDigest(digest); err == nil {
		s.blobs.Delete(d)
	}
}

func (s *FSStore) exact(ctx context.Context, key string) (Entry, bool, error) {
	if v, ok := s.memo.Get(key); ok {
		return v.(Entry), true, nil
	}

	row := s.db.QueryRowContext(ctx, `select key, digest, size, created from cache_entries where key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	s.memo.Set(key, e, 1)
	return e, true, nil
}

func (s *FSStore) latestWithPrefix(ctx context.Context, prefix string) (Entry, bool, error) {
	// like is case insensitive in sqlite, so compare the leading
	// characters instead
	row := s.db.QueryRowContext(ctx, `
		select key, digest, size, created
		from cache_entries
		where substr(key, 1, length(?1)) = ?1
		order by created desc, rowid desc
		limit 1
	`, prefix)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Entries lists every entry, most recent first.
func (s *FSStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `select key, digest, size, created from cache_entries order by created desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var created int64
	if err := row.Scan(&e.Key, &e.Digest, &e.Size, &created); err != nil {
		return Entry{}, err
	}
	e.Created = time.Unix(0, created)
	return e, nil
}
