package cache

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"
)

var ErrMiss = errors.New("cache miss")

// Entry is a saved cache payload.
type Entry struct {
	Key     string    `json:"key"`
	Digest  string    `json:"digest"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// Hit is a successful restore. Exact is false when the entry was found
// through a fallback prefix; the caller still has to install.
type Hit struct {
	Entry Entry
	Exact bool
}

type Store interface {
	// Restore looks key up, then falls back to the longest of prefixes
	// that matches any entry, picking its most recent entry. It returns
	// ErrMiss when nothing matches.
	Restore(ctx context.Context, key string, prefixes []string) (Hit, io.ReadCloser, error)

	// Save stores payload under key, replacing any previous entry.
	Save(ctx context.Context, key string, payload io.Reader) (Entry, error)
}

// index is what a backend needs to provide for restore resolution.
type index interface {
	exact(ctx context.Context, key string) (Entry, bool, error)
	latestWithPrefix(ctx context.Context, prefix string) (Entry, bool, error)
}

func resolve(ctx context.Context, idx index, key string, prefixes []string) (Hit, error) {
	e, ok, err := idx.exact(ctx, key)
	if err != nil {
		return Hit{}, err
	}
	if ok {
		return Hit{Entry: e, Exact: true}, nil
	}

	for _, p := range byLength(prefixes) {
		e, ok, err := idx.latestWithPrefix(ctx, p)
		if err != nil {
			return Hit{}, err
		}
		if ok {
			return Hit{Entry: e, Exact: false}, nil
		}
	}

	return Hit{}, ErrMiss
}

// byLength orders prefixes longest first, keeping declaration order
// between equal lengths. Empty prefixes are dropped.
func byLength(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p != "" {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
