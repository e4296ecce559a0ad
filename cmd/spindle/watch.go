package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"tangled.org/spindle/eventconsumer"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/models"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "follow the status events of a spindle server",
		ArgsUsage: "[run id]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "spindle server to watch",
				Value: "http://localhost:6555",
			},
			&cli.Int64Flag{
				Name:  "cursor",
				Usage: "only show events after this cursor",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			run := cmd.Args().First()

			var failed bool
			c := eventconsumer.NewConsumer(eventconsumer.ConsumerConfig{
				Source: eventconsumer.Source{Host: cmd.String("server"), Run: run},
				Cursor: cmd.Int64("cursor"),
				Logger: log.SubLogger(log.FromContext(ctx), "watch"),
				ProcessFunc: func(ctx context.Context, ev db.Event, st db.StatusEvent) error {
					printEvent(st)

					// a run-level verdict ends the watch of that run
					if run != "" && st.Instance == "" && st.Status.IsFinish() {
						failed = st.Status != models.StatusKindSuccess
						return eventconsumer.ErrStop
					}
					return nil
				},
			})

			if err := c.Run(ctx); err != nil {
				return err
			}
			if failed {
				return errors.New("run did not succeed")
			}
			return nil
		},
	}
}

func printEvent(st db.StatusEvent) {
	at := st.CreatedAt
	if t, err := time.Parse(time.RFC3339Nano, st.CreatedAt); err == nil {
		at = t.Local().Format(time.TimeOnly)
	}

	subject := st.Workflow
	if st.Instance != "" {
		subject += "/" + st.Instance
	}

	line := fmt.Sprintf("%s  %-10s %s", at, st.Status, subject)
	if st.Reason != "" {
		line += " (" + st.Reason + ")"
	}
	if st.FailedStep != "" {
		line += fmt.Sprintf(": step %q exited %d", st.FailedStep, st.ExitCode)
	}
	fmt.Fprintln(os.Stdout, line)
}
