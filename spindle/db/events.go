package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"tangled.org/spindle/notifier"
	"tangled.org/spindle/spindle/models"
)

type Event struct {
	Rkey      string `json:"rkey"`
	Run       string `json:"run"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

// StatusEvent is the payload of a state change. Instance is empty for
// run-level events.
type StatusEvent struct {
	Run        models.RunId      `json:"run"`
	Workflow   string            `json:"workflow"`
	Job        string            `json:"job,omitempty"`
	Instance   string            `json:"instance,omitempty"`
	Status     models.StatusKind `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	ExitCode   int               `json:"exit_code,omitempty"`
	FailedStep string            `json:"failed_step,omitempty"`
	CreatedAt  string            `json:"created_at"`
}

func (d *DB) InsertEvent(event Event, n *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (rkey, run, event, created) values (?, ?, ?, ?)`,
		event.Rkey,
		event.Run,
		event.EventJson,
		event.Created,
	)

	if n != nil {
		n.Notify(event.Run)
	}

	return err
}

// GetEvents pages through events after cursor (unix nanos). A non-empty
// run restricts the page to that run.
func (d *DB) GetEvents(run string, cursor int64) ([]Event, error) {
	whereClause := "where created > ?"
	args := []any{cursor}
	if run != "" {
		whereClause += " and run = ?"
		args = append(args, run)
	}

	query := fmt.Sprintf(`
		select rkey, run, event, created
		from events
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Rkey, &ev.Run, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) CreateStatusEvent(s StatusEvent, n *notifier.Notifier) error {
	now := time.Now()
	if s.CreatedAt == "" {
		s.CreatedAt = now.Format(time.RFC3339Nano)
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	rkey, err := uuid.NewV7()
	if err != nil {
		return err
	}

	event := Event{
		Rkey:      rkey.String(),
		Run:       string(s.Run),
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}
