package eventconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/db"
)

// ErrStop ends Run without an error when returned by a ProcessFunc.
var ErrStop = errors.New("stop consuming")

type ProcessFunc func(ctx context.Context, ev db.Event, status db.StatusEvent) error

// Source is the event stream of a spindle server.
type Source struct {
	// Host is host[:port] of the server, or a full http(s) url.
	Host string
	// Run limits the stream to one run when set.
	Run string
	Dev bool
}

func (s Source) Url(cursor int64) (*url.URL, error) {
	host := s.Host
	switch {
	case strings.HasPrefix(host, "https://"):
		host = "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = "ws://" + strings.TrimPrefix(host, "http://")
	case s.Dev:
		host = "ws://" + host
	default:
		host = "wss://" + host
	}

	u, err := url.Parse(strings.TrimSuffix(host, "/") + "/events")
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if s.Run != "" {
		query.Add("run", s.Run)
	}
	if cursor != 0 {
		query.Add("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = query.Encode()
	return u, nil
}

type ConsumerConfig struct {
	Source            Source
	ProcessFunc       ProcessFunc
	RetryInterval     time.Duration
	MaxRetryInterval  time.Duration
	ConnectionTimeout time.Duration
	// Cursor resumes the stream after the event created at this time.
	Cursor int64
	Logger *slog.Logger
}

// Consumer follows the event stream of a server, reconnecting from the
// last seen event whenever the connection drops.
type Consumer struct {
	cfg    ConsumerConfig
	dialer *websocket.Dialer
	logger *slog.Logger
	cursor int64
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New("consumer")
	}
	return &Consumer{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: cfg.Logger,
		cursor: cfg.Cursor,
	}
}

// Cursor is the creation time of the last processed event.
func (c *Consumer) Cursor() int64 {
	return c.cursor
}

// Run consumes events until ctx ends or the ProcessFunc returns an
// error. ErrStop ends it cleanly.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.runConnection(ctx)
		switch {
		case errors.Is(err, ErrStop):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.As(err, new(*processError)):
			return err
		}
		c.logger.Info("connection dropped, reconnecting", "err", err, "cursor", c.cursor)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

type processError struct {
	err error
}

func (e *processError) Error() string { return e.err.Error() }
func (e *processError) Unwrap() error { return e.err }

func (c *Consumer) runConnection(ctx context.Context) error {
	u, err := c.cfg.Source.Url(c.cursor)
	if err != nil {
		return &processError{err}
	}

	c.logger.Info("connecting", "url", u.String())

	retryOpts := []retry.Option{
		retry.Attempts(0), // infinite attempts
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.cfg.RetryInterval),
		retry.MaxDelay(c.cfg.MaxRetryInterval),
		retry.MaxJitter(c.cfg.RetryInterval / 5),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying connection",
				"url", u.String(),
				"attempt", n+1,
				"err", err,
			)
		}),
		retry.Context(ctx),
	}

	var conn *websocket.Conn

	err = retry.Do(func() error {
		connCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
		conn, _, err = c.dialer.DialContext(connCtx, u.String(), nil)
		return err
	}, retryOpts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock ReadMessage once ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Info("connected", "url", u.String())

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var ev db.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.logger.Error("error deserializing message", "err", err)
			continue
		}
		var status db.StatusEvent
		if err := json.Unmarshal([]byte(ev.EventJson), &status); err != nil {
			c.logger.Error("error deserializing event", "rkey", ev.Rkey, "err", err)
			continue
		}

		c.cursor = ev.Created

		if err := c.cfg.ProcessFunc(ctx, ev, status); err != nil {
			if errors.Is(err, ErrStop) {
				return err
			}
			return &processError{err}
		}
	}
}
