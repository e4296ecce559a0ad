package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"tangled.org/spindle/spindle/models"
)

// Instance is the persisted state of one job instance.
type Instance struct {
	Run    models.RunId      `json:"run"`
	Id     string            `json:"id"`
	Job    string            `json:"job"`
	Status models.StatusKind `json:"status"`
	Reason string            `json:"reason,omitempty"`
	Error  string            `json:"error,omitempty"`

	// only if Failed on a step
	ExitCode   int      `json:"exit_code,omitempty"`
	FailedStep string   `json:"failed_step,omitempty"`
	OutputTail []string `json:"output_tail,omitempty"`

	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// PutInstance inserts or replaces the state of an instance.
func (d *DB) PutInstance(i Instance) error {
	tail := i.OutputTail
	if tail == nil {
		tail = []string{}
	}
	tailJson, err := json.Marshal(tail)
	if err != nil {
		return err
	}

	_, err = d.Exec(`
		insert into instances (run, id, job, status, reason, error, exit_code, failed_step, output_tail, started, finished)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(run, id) do update set
			status = excluded.status,
			reason = excluded.reason,
			error = excluded.error,
			exit_code = excluded.exit_code,
			failed_step = excluded.failed_step,
			output_tail = excluded.output_tail,
			started = coalesce(excluded.started, started),
			finished = excluded.finished
	`, i.Run, i.Id, i.Job, i.Status, i.Reason, i.Error, i.ExitCode, i.FailedStep, string(tailJson), nullTime(i.StartedAt), nullTime(i.FinishedAt))
	return err
}

func (d *DB) GetInstances(run models.RunId) ([]Instance, error) {
	rows, err := d.Query(`
		select run, id, job, status, reason, error, exit_code, failed_step, output_tail, started, finished
		from instances
		where run = ?
		order by rowid asc
	`, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		var i Instance
		var tail string
		var started, finished sql.NullInt64
		if err := rows.Scan(&i.Run, &i.Id, &i.Job, &i.Status, &i.Reason, &i.Error, &i.ExitCode, &i.FailedStep, &tail, &started, &finished); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tail), &i.OutputTail); err != nil {
			return nil, err
		}
		if started.Valid {
			i.StartedAt = time.Unix(0, started.Int64)
		}
		if finished.Valid {
			i.FinishedAt = time.Unix(0, finished.Int64)
		}
		instances = append(instances, i)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}
