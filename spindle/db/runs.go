package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/workflow"
)

var ErrRunNotFound = errors.New("run not found")

type Run struct {
	Id               models.RunId      `json:"id"`
	Repo             string            `json:"repo"`
	Workflow         string            `json:"workflow"`
	Ref              string            `json:"ref"`
	Sha              string            `json:"sha"`
	Branch           string            `json:"branch,omitempty"`
	Trigger          workflow.Trigger  `json:"trigger"`
	ConcurrencyGroup string            `json:"concurrency_group,omitempty"`
	Status           models.StatusKind `json:"status"`
	Reason           string            `json:"reason,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

const runColumns = `id, repo, workflow, ref, sha, branch, trigger, concurrency_group, status, reason, created, updated, finished`

func (d *DB) CreateRun(r *Run) error {
	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return err
	}

	now := time.Now()
	if r.Status == "" {
		r.Status = models.StatusKindPending
	}
	r.CreatedAt, r.UpdatedAt = now, now

	_, err = d.Exec(`
		insert into runs (id, repo, workflow, ref, sha, branch, trigger, concurrency_group, status, created, updated)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Id, r.Repo, r.Workflow, r.Ref, r.Sha, r.Branch, string(trigger), r.ConcurrencyGroup, r.Status, now.UnixNano(), now.UnixNano())
	return err
}

func (d *DB) MarkRunRunning(id models.RunId) error {
	return d.setRunStatus(id, models.StatusKindRunning, "")
}

// FinishRun records the run's verdict.
func (d *DB) FinishRun(id models.RunId, status models.StatusKind, reason string) error {
	if !status.IsFinish() {
		return fmt.Errorf("%s is not a terminal run status", status)
	}
	return d.setRunStatus(id, status, reason)
}

func (d *DB) setRunStatus(id models.RunId, status models.StatusKind, reason string) error {
	now := time.Now().UnixNano()
	var finished sql.NullInt64
	if status.IsFinish() {
		finished = sql.NullInt64{Int64: now, Valid: true}
	}

	res, err := d.Exec(`
		update runs
		set status = ?, reason = ?, updated = ?, finished = coalesce(?, finished)
		where id = ?
	`, status, reason, now, finished, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func (d *DB) GetRun(id models.RunId) (*Run, error) {
	row := d.QueryRow(`select `+runColumns+` from runs where id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// GetRuns lists runs newest first. An empty repo lists every repo.
func (d *DB) GetRuns(repo string, limit int) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if repo != "" {
		whereClause = "where repo = ?"
		args = append(args, repo)
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		select %s
		from runs
		%s
		order by created desc
		limit ?
	`, runColumns, whereClause)

	return d.queryRuns(query, args...)
}

// InflightRuns lists the unfinished runs of a concurrency group, oldest
// first.
func (d *DB) InflightRuns(group string) ([]Run, error) {
	return d.queryRuns(`
		select `+runColumns+`
		from runs
		where concurrency_group = ? and status in (?, ?)
		order by created asc
	`, group, models.StatusKindPending, models.StatusKindRunning)
}

// LatestSuccessfulRuns lists finished, successful runs of repo on branch,
// most recent first.
func (d *DB) LatestSuccessfulRuns(repo, branch string, limit int) ([]Run, error) {
	return d.queryRuns(`
		select `+runColumns+`
		from runs
		where repo = ? and branch = ? and status = ?
		order by finished desc
		limit ?
	`, repo, branch, models.StatusKindSuccess, limit)
}

func (d *DB) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var trigger string
	var created, updated int64
	var finished sql.NullInt64

	err := s.Scan(&r.Id, &r.Repo, &r.Workflow, &r.Ref, &r.Sha, &r.Branch, &trigger, &r.ConcurrencyGroup, &r.Status, &r.Reason, &created, &updated, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trigger), &r.Trigger); err != nil {
		return nil, fmt.Errorf("decoding trigger of run %s: %w", r.Id, err)
	}

	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)
	if finished.Valid {
		r.FinishedAt = time.Unix(0, finished.Int64)
	}
	return &r, nil
}
