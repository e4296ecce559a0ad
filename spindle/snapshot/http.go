package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/carlmjohnson/versioninfo"
)

// HTTPDiffer delegates to a remote diff service: the request is posted
// as JSON and the report read back.
type HTTPDiffer struct {
	url      string
	client   *http.Client
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

type HTTPOption func(*HTTPDiffer)

func WithAttempts(n uint) HTTPOption {
	return func(d *HTTPDiffer) { d.attempts = n }
}

func WithRetryDelay(delay time.Duration) HTTPOption {
	return func(d *HTTPDiffer) { d.delay = delay }
}

func WithLogger(l *slog.Logger) HTTPOption {
	return func(d *HTTPDiffer) { d.logger = l }
}

func NewHTTPDiffer(url string, timeout time.Duration, opts ...HTTPOption) *HTTPDiffer {
	d := &HTTPDiffer{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		attempts: 4,
		delay:    time.Second,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("diff service returned %d: %s", e.code, e.body)
}

func (d *HTTPDiffer) Diff(ctx context.Context, req Request) (*Report, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var report Report
	err = retry.Do(func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("User-Agent", "spindle/"+versioninfo.Short())

		resp, err := d.client.Do(r)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			serr := &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
			if resp.StatusCode >= 500 {
				return serr
			}
			return retry.Unrecoverable(serr)
		}

		report = Report{}
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decoding diff report: %w", err))
		}
		return nil
	},
		retry.Attempts(d.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(d.delay),
		retry.MaxJitter(d.delay/5),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("retrying snapshot diff", "url", d.url, "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}

	sortResults(report.Results)
	return &report, nil
}
