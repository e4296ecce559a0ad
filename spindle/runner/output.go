package runner

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"sync"
)

// matches ANSI escape codes, e.g. colors and cursor moves
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

const setOutputPrefix = "::set-output name="

// parseSetOutput recognizes ::set-output name=<k>::<v>.
func parseSetOutput(line string) (name, value string, ok bool) {
	rest, ok := strings.CutPrefix(line, setOutputPrefix)
	if !ok {
		return "", "", false
	}
	name, value, ok = strings.Cut(rest, "::")
	if !ok || name == "" {
		return "", "", false
	}
	return name, value, true
}

// masker replaces secret values with ***.
type masker struct {
	values []string
}

func newMasker(secrets map[string]string) *masker {
	m := &masker{}
	for _, v := range secrets {
		if strings.TrimSpace(v) != "" {
			m.values = append(m.values, v)
		}
	}
	// longest first, so a secret containing another is masked whole
	for i := 1; i < len(m.values); i++ {
		for j := i; j > 0 && len(m.values[j]) > len(m.values[j-1]); j-- {
			m.values[j], m.values[j-1] = m.values[j-1], m.values[j]
		}
	}
	return m
}

func (m *masker) mask(s string) string {
	for _, v := range m.values {
		s = strings.ReplaceAll(s, v, "***")
	}
	return s
}

// capture collects the output of one step: it keeps the tail for the
// status page and the outputs set through ::set-output.
type capture struct {
	mu      sync.Mutex
	limit   int
	tail    []string
	outputs map[string]string
}

func newCapture(limit int) *capture {
	return &capture{limit: limit, outputs: make(map[string]string)}
}

func (c *capture) line(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit <= 0 {
		return
	}
	if len(c.tail) == c.limit {
		copy(c.tail, c.tail[1:])
		c.tail = c.tail[:c.limit-1]
	}
	c.tail = append(c.tail, s)
}

func (c *capture) setOutput(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[name] = value
}

func (c *capture) Tail() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tail...)
}

func (c *capture) Outputs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// lineWriter splits a stream into lines and hands each one, cleaned and
// masked, to the step log and the capture. Set-output commands are
// consumed and never logged.
type lineWriter struct {
	buf     bytes.Buffer
	mask    *masker
	capture *capture
	sinks   []io.Writer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits a trailing line without a newline.
func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	line = stripANSI(line)
	if name, value, ok := parseSetOutput(line); ok {
		w.capture.setOutput(name, value)
		return
	}

	line = w.mask.mask(line)
	w.capture.line(line)
	for _, s := range w.sinks {
		s.Write([]byte(line + "\n"))
	}
}

// prefixWriter labels lines written to a shared writer with the
// instance they belong to.
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.w, p.prefix); err != nil {
		return 0, err
	}
	if _, err := p.w.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}
