package models

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// WorkflowLogger writes one instance's step output and step boundaries
// as newline delimited json.
type WorkflowLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewWorkflowLogger(baseDir string, iid InstanceId) (*WorkflowLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, iid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &WorkflowLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, iid InstanceId) string {
	logFilePath := filepath.Join(baseDir, fmt.Sprintf("%s.log", iid.String()))
	return logFilePath
}

func (l *WorkflowLogger) Close() error {
	return l.file.Close()
}

func (l *WorkflowLogger) encode(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(entry)
}

// DataWriter records every write as one data line.
func (l *WorkflowLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

func (l *WorkflowLogger) ControlWriter(idx int, step Step, stepStatus StepStatus) io.Writer {
	return &controlWriter{
		logger:     l,
		idx:        idx,
		step:       step,
		stepStatus: stepStatus,
	}
}

// StepEnd records the end of a step with its outcome.
func (l *WorkflowLogger) StepEnd(idx int, step Step, outcome StatusKind) error {
	entry := NewControlLogLine(idx, step, StepStatusEnd)
	entry.Outcome = outcome
	return l.encode(entry)
}

type dataWriter struct {
	logger *WorkflowLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	entry := NewDataLogLine(w.idx, line, w.stream)
	if err := w.logger.encode(entry); err != nil {
		return 0, err
	}
	return len(p), nil
}

type controlWriter struct {
	logger     *WorkflowLogger
	idx        int
	step       Step
	stepStatus StepStatus
}

func (w *controlWriter) Write(_ []byte) (int, error) {
	entry := NewControlLogLine(w.idx, w.step, w.stepStatus)
	if err := w.logger.encode(entry); err != nil {
		return 0, err
	}
	return len(w.step.Name()), nil
}

// ReadLogLines decodes a log file written by a WorkflowLogger.
func ReadLogLines(r io.Reader) ([]LogLine, error) {
	var lines []LogLine
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line LogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("decoding log line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
