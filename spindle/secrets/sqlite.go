// an sqlite3 backed secret manager
package secrets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SqliteManager struct {
	db        *sql.DB
	tableName string
}

type SqliteManagerOpt func(*SqliteManager)

func WithTableName(name string) SqliteManagerOpt {
	return func(s *SqliteManager) {
		s.tableName = name
	}
}

// NewSQLiteManager keeps secrets in a table of db, usually the
// service's own database.
func NewSQLiteManager(db *sql.DB, opts ...SqliteManagerOpt) (*SqliteManager, error) {
	manager := &SqliteManager{
		db:        db,
		tableName: "secrets",
	}

	for _, o := range opts {
		o(manager)
	}

	if err := manager.init(); err != nil {
		return nil, err
	}

	return manager, nil
}

// creates a table and sets up the schema, migrations if any can go here
func (s *SqliteManager) init() error {
	createTable :=
		`create table if not exists ` + s.tableName + `(
			id integer primary key autoincrement,
			repo text not null,
			key text not null,
			value text not null,
			created integer not null, -- unix nanos
			created_by text not null default '',

			unique(repo, key)
		);`
	_, err := s.db.Exec(createTable)
	if err != nil {
		return fmt.Errorf("creating %s table: %w", s.tableName, err)
	}
	return nil
}

func (s *SqliteManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`
		insert or ignore into %s (repo, key, value, created, created_by)
		values (?, ?, ?, ?, ?);
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, secret.Repo, secret.Key, secret.Value, secret.CreatedAt.UnixNano(), secret.CreatedBy)
	if err != nil {
		return err
	}

	num, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if num == 0 {
		return ErrKeyAlreadyPresent
	}

	return nil
}

func (s *SqliteManager) RemoveSecret(ctx context.Context, repo Repo, key string) error {
	query := fmt.Sprintf(`
		delete from %s where repo = ? and key = ?;
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, repo, key)
	if err != nil {
		return err
	}

	num, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if num == 0 {
		return ErrKeyNotFound
	}

	return nil
}

func (s *SqliteManager) GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error) {
	unlocked, err := s.GetSecretsUnlocked(ctx, repo)
	if err != nil {
		return nil, err
	}

	ls := make([]LockedSecret, len(unlocked))
	for i, u := range unlocked {
		ls[i] = lock(u)
	}
	return ls, nil
}

func (s *SqliteManager) GetSecretsUnlocked(ctx context.Context, repo Repo) ([]UnlockedSecret, error) {
	query := fmt.Sprintf(`
		select repo, key, value, created, created_by from %s where repo = ? order by key;
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ls []UnlockedSecret
	for rows.Next() {
		var l UnlockedSecret
		var created int64
		if err = rows.Scan(&l.Repo, &l.Key, &l.Value, &created, &l.CreatedBy); err != nil {
			return nil, err
		}
		l.CreatedAt = time.Unix(0, created)

		ls = append(ls, l)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return ls, nil
}

func lock(u UnlockedSecret) LockedSecret {
	return LockedSecret{
		Key:       u.Key,
		Repo:      u.Repo,
		CreatedAt: u.CreatedAt,
		CreatedBy: u.CreatedBy,
	}
}
