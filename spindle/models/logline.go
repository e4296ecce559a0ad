package models

import (
	"time"
)

type LogKind string

const (
	// step output, one line per entry
	LogKindData LogKind = "data"
	// step boundaries
	LogKindControl LogKind = "control"
)

type StepStatus string

const (
	StepStatusStart StepStatus = "start"
	StepStatusEnd   StepStatus = "end"
)

type LogLine struct {
	Kind    LogKind   `json:"kind"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
	StepId  int       `json:"step_id"`

	// data lines
	Stream string `json:"stream,omitempty"`

	// control lines
	StepStatus  StepStatus `json:"step_status,omitempty"`
	StepKind    StepKind   `json:"step_kind,omitempty"`
	StepCommand string     `json:"step_command,omitempty"`
	Outcome     StatusKind `json:"outcome,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Content: content,
		Time:    time.Now(),
		StepId:  idx,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, step Step, status StepStatus) LogLine {
	return LogLine{
		Kind:        LogKindControl,
		Content:     step.Name(),
		Time:        time.Now(),
		StepId:      idx,
		StepStatus:  status,
		StepKind:    step.Kind(),
		StepCommand: step.Command(),
	}
}
