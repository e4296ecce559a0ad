package db

import (
	"database/sql"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"tangled.org/spindle/spindle/models"
)

// SaveRunContext snapshots rc for run. Older snapshots are replaced, a
// newer stored version is kept.
func (d *DB) SaveRunContext(run models.RunId, rc *models.RunContext) error {
	entries := rc.Entries()
	snapshot, err := cbor.Marshal(entries)
	if err != nil {
		return err
	}

	_, err = d.Exec(`
		insert into run_contexts (run, version, snapshot)
		values (?, ?, ?)
		on conflict(run) do update set
			version = excluded.version,
			snapshot = excluded.snapshot
		where excluded.version >= run_contexts.version
	`, run, rc.Version(), snapshot)
	return err
}

// LoadRunContext returns the last snapshot of run, or an empty context
// when none was saved.
func (d *DB) LoadRunContext(run models.RunId) (*models.RunContext, error) {
	var snapshot []byte
	err := d.QueryRow(`select snapshot from run_contexts where run = ?`, run).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewRunContext(), nil
	}
	if err != nil {
		return nil, err
	}

	var entries []models.ContextEntry
	if err := cbor.Unmarshal(snapshot, &entries); err != nil {
		return nil, err
	}
	return models.RestoreRunContext(entries), nil
}
