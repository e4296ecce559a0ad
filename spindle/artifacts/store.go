package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/mattn/go-sqlite3"
	"tangled.org/spindle/spindle/blob"
)

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrAlreadyExists = errors.New("artifact already exists")
)

// Artifact is a named payload uploaded by one job instance of a run.
type Artifact struct {
	Run     string    `json:"run"`
	Job     string    `json:"job"` // producing instance
	Name    string    `json:"name"`
	Digest  string    `json:"digest"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires,omitzero"`
}

func (a Artifact) expired(now time.Time) bool {
	return !a.Expires.IsZero() && !now.Before(a.Expires)
}

// Store records artifact metadata in sqlite and payloads in Blobs.
// Artifacts are write-once.
type Store struct {
	db    *sql.DB
	blobs Blobs
	memo  *ristretto.Cache
	now   func() time.Time
}

func New(db *sql.DB, blobs Blobs) (*Store, error) {
	_, err := db.Exec(`
		create table if not exists artifacts (
			id integer primary key autoincrement,
			run text not null,
			job text not null,
			name text not null,
			digest text not null,
			size integer not null,
			created integer not null, -- unix nanos
			expires integer,          -- unix nanos, null keeps forever

			unique(run, job, name)
		);
		create index if not exists idx_artifacts_run_name on artifacts(run, name);
		create index if not exists idx_artifacts_expires on artifacts(expires);
	`)
	if err != nil {
		return nil, fmt.Errorf("creating artifacts table: %w", err)
	}

	memo, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		db:    db,
		blobs: blobs,
		memo:  memo,
		now:   time.Now,
	}, nil
}

func memoKey(run, job, name string) string {
	return run + "\x00" + job + "\x00" + name
}

// Upload stores payload as name for the given run and job. A retention
// of zero keeps the artifact until it is deleted with its run.
func (s *Store) Upload(ctx context.Context, run, job, name string, payload io.Reader, retention time.Duration) (Artifact, error) {
	if run == "" || job == "" || name == "" {
		return Artifact{}, fmt.Errorf("artifact needs a run, job and name")
	}

	if _, err := s.Stat(ctx, run, job, name); err == nil {
		return Artifact{}, fmt.Errorf("%w: %s/%s/%s", ErrAlreadyExists, run, job, name)
	} else if !errors.Is(err, ErrNotFound) {
		return Artifact{}, err
	}

	ref, err := s.blobs.Put(ctx, payload)
	if err != nil {
		return Artifact{}, fmt.Errorf("storing artifact payload: %w", err)
	}

	a := Artifact{
		Run:     run,
		Job:     job,
		Name:    name,
		Digest:  ref.Digest.String(),
		Size:    ref.Size,
		Created: s.now(),
	}
	var expires sql.NullInt64
	if retention > 0 {
		a.Expires = a.Created.Add(retention)
		expires = sql.NullInt64{Int64: a.Expires.UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		insert into artifacts (run, job, name, digest, size, created, expires)
		values (?, ?, ?, ?, ?, ?, ?)
	`, a.Run, a.Job, a.Name, a.Digest, a.Size, a.Created.UnixNano(), expires)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			// lost a race against another upload of the same name
			s.dropIfUnused(ctx, ref.Digest)
			return Artifact{}, fmt.Errorf("%w: %s/%s/%s", ErrAlreadyExists, run, job, name)
		}
		return Artifact{}, fmt.Errorf("recording artifact: %w", err)
	}

	return a, nil
}

// Stat returns the metadata of the artifact uploaded by job.
func (s *Store) Stat(ctx context.Context, run, job, name string) (Artifact, error) {
	now := s.now()

	if v, ok := s.memo.Get(memoKey(run, job, name)); ok {
		a := v.(Artifact)
		if a.expired(now) {
			return Artifact{}, fmt.Errorf("%w: %s (expired)", ErrNotFound, name)
		}
		return a, nil
	}

	row := s.db.QueryRowContext(ctx, `
		select run, job, name, digest, size, created, expires
		from artifacts
		where run = ? and job = ? and name = ?
	`, run, job, name)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Artifact{}, err
	}

	s.memo.Set(memoKey(run, job, name), a, 1)
	if a.expired(now) {
		return Artifact{}, fmt.Errorf("%w: %s (expired)", ErrNotFound, name)
	}
	return a, nil
}

// Find resolves name within a run. An empty job matches any producer;
// when several instances uploaded the name the earliest upload wins.
func (s *Store) Find(ctx context.Context, run, job, name string) (Artifact, error) {
	if job != "" {
		return s.Stat(ctx, run, job, name)
	}

	row := s.db.QueryRowContext(ctx, `
		select run, job, name, digest, size, created, expires
		from artifacts
		where run = ? and name = ? and (expires is null or expires > ?)
		order by created asc, id asc
		limit 1
	`, run, name, s.now().UnixNano())
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a, err
}

// Download returns the artifact and its payload.
func (s *Store) Download(ctx context.Context, run, job, name string) (Artifact, io.ReadCloser, error) {
	a, err := s.Find(ctx, run, job, name)
	if err != nil {
		return Artifact{}, nil, err
	}

	d, err := blob.ParseDigest(a.Digest)
	if err != nil {
		return Artifact{}, nil, err
	}
	rc, err := s.blobs.Get(ctx, d)
	if errors.Is(err, blob.ErrNotFound) {
		return Artifact{}, nil, fmt.Errorf("%w: %s (payload missing)", ErrNotFound, name)
	}
	if err != nil {
		return Artifact{}, nil, err
	}

	return a, rc, nil
}

// List returns the live artifacts of a run in upload order.
func (s *Store) List(ctx context.Context, run string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		select run, job, name, digest, size, created, expires
		from artifacts
		where run = ? and (expires is null or expires > ?)
		order by created asc, id asc
	`, run, s.now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes every artifact expired at now, along with payloads no
// longer referenced, and returns how many artifacts went.
func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		select run, job, name, digest, size, created, expires
		from artifacts
		where expires is not null and expires <= ?
	`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	var expired []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `delete from artifacts where expires is not null and expires <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning artifacts: %w", err)
	}

	for _, a := range expired {
		s.memo.Del(memoKey(a.Run, a.Job, a.Name))
		if d, err := blob.ParseDigest(a.Digest); err == nil {
			s.dropIfUnused(ctx, d)
		}
	}

	return len(expired), nil
}

func (s *Store) dropIfUnused(ctx context.Context, d blob.Digest) {
	var refs int
	err := s.db.QueryRowContext(ctx, `select count(*) from artifacts where digest = ?`, d.String()).Scan(&refs)
	if err == nil && refs == 0 {
		s.blobs.Delete(ctx, d)
	}
}

func (s *Store) Close() {
	s.memo.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (Artifact, error) {
	var (
		a       Artifact
		created int64
		expires sql.NullInt64
	)
	if err := row.Scan(&a.Run, &a.Job, &a.Name, &a.Digest, &a.Size, &created, &expires); err != nil {
		return Artifact{}, err
	}
	a.Created = time.Unix(0, created)
	if expires.Valid {
		a.Expires = time.Unix(0, expires.Int64)
	}
	return a, nil
}
