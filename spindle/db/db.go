package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// an in-memory database lives and dies with its connection
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			repo text not null,
			workflow text not null,
			ref text not null,
			sha text not null,
			branch text not null default '',
			trigger text not null, -- json
			concurrency_group text not null default '',
			status text not null default 'pending',
			reason text not null default '',
			created integer not null, -- unix nanos
			updated integer not null,
			finished integer
		);
		create index if not exists idx_runs_repo_branch on runs(repo, branch, status);
		create index if not exists idx_runs_group on runs(concurrency_group, status);

		create table if not exists instances (
			run text not null references runs(id) on delete cascade,
			id text not null,
			job text not null,
			status text not null,
			reason text not null default '',
			error text not null default '',
			exit_code integer not null default 0,
			failed_step text not null default '',
			output_tail text not null default '[]', -- json
			started integer,
			finished integer,

			primary key (run, id)
		);

		create table if not exists run_contexts (
			run text primary key references runs(id) on delete cascade,
			version integer not null,
			snapshot blob not null -- cbor
		);

		-- status event for a single instance or run
		create table if not exists events (
			rkey text not null,
			run text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
		create index if not exists idx_events_created on events(created);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
