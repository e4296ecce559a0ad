package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock hands out strictly increasing timestamps.
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	c := &clock{t: time.Unix(1700000000, 0)}
	s.now = c.now
	t.Cleanup(func() { s.Close() })
	return s
}

func save(t *testing.T, s Store, key, payload string) Entry {
	t.Helper()
	e, err := s.Save(context.Background(), key, strings.NewReader(payload))
	require.NoError(t, err)
	return e
}

func restore(t *testing.T, s Store, key string, prefixes ...string) (Hit, string, error) {
	t.Helper()
	hit, rc, err := s.Restore(context.Background(), key, prefixes)
	if err != nil {
		return hit, "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return hit, string(b), nil
}

func testStore(t *testing.T, s Store) {
	t.Run("exact", func(t *testing.T) {
		save(t, s, "Linux-node-aaa", "deps-a")

		hit, payload, err := restore(t, s, "Linux-node-aaa", "Linux-node-")
		require.NoError(t, err)
		assert.True(t, hit.Exact)
		assert.Equal(t, "deps-a", payload)
		assert.Equal(t, "Linux-node-aaa", hit.Entry.Key)
	})

	t.Run("prefix fallback is partial", func(t *testing.T) {
		save(t, s, "Linux-node-bbb", "deps-b")

		hit, payload, err := restore(t, s, "Linux-node-ccc", "Linux-node-")
		require.NoError(t, err)
		assert.False(t, hit.Exact)
		assert.Equal(t, "Linux-node-bbb", hit.Entry.Key, "most recent entry wins")
		assert.Equal(t, "deps-b", payload)
	})

	t.Run("longest prefix wins", func(t *testing.T) {
		save(t, s, "Linux-go-111", "go")
		save(t, s, "Linux-zzz", "other")

		hit, _, err := restore(t, s, "Linux-go-222", "Linux-", "Linux-go-")
		require.NoError(t, err)
		assert.Equal(t, "Linux-go-111", hit.Entry.Key)
	})

	t.Run("prefix is case sensitive", func(t *testing.T) {
		_, _, err := restore(t, s, "linux-node-ccc", "linux-node-")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("miss", func(t *testing.T) {
		_, _, err := restore(t, s, "Windows-node-aaa", "Windows-")
		assert.ErrorIs(t, err, ErrMiss)

		_, _, err = restore(t, s, "Windows-node-aaa")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("save overwrites", func(t *testing.T) {
		save(t, s, "Linux-node-aaa", "deps-a2")

		hit, payload, err := restore(t, s, "Linux-node-aaa")
		require.NoError(t, err)
		assert.True(t, hit.Exact)
		assert.Equal(t, "deps-a2", payload)
	})
}

func TestFSStore(t *testing.T) {
	testStore(t, newFSStore(t))
}

func TestFSStoreEntries(t *testing.T) {
	s := newFSStore(t)
	save(t, s, "a", "1")
	save(t, s, "b", "22")

	entries, err := s.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Key)
	assert.Equal(t, int64(2), entries[0].Size)
}

func TestFSStoreSharesPayloads(t *testing.T) {
	s := newFSStore(t)
	a := save(t, s, "a", "same")
	b := save(t, s, "b", "same")
	assert.Equal(t, a.Digest, b.Digest)

	// replacing a must not drop the payload b still uses
	save(t, s, "a", "different")

	_, payload, err := restore(t, s, "b")
	require.NoError(t, err)
	assert.Equal(t, "same", payload)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SPINDLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SPINDLE_TEST_REDIS_ADDR not set")
	}

	s, err := NewRedisStore(addr)
	require.NoError(t, err)
	defer s.Close()
	c := &clock{t: time.Unix(1700000000, 0)}
	s.now = c.now

	require.NoError(t, s.client.FlushDB(context.Background()).Err())
	testStore(t, s)
}

func TestByLength(t *testing.T) {
	got := byLength([]string{"a-", "", "abc-", "ab-", "xy-"})
	assert.Equal(t, []string{"abc-", "ab-", "xy-", "a-"}, got)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `key-\*-\[x\]`, escapeGlob("key-*-[x]"))
}

func TestFSStoreConcurrentSavesKeepSharedPayloads(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	const keys, rounds = 8, 20
	var wg sync.WaitGroup
	for i := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			for r := range rounds {
				// keys keep moving on and off the shared payload
				payload := "shared"
				if (r+i)%2 == 1 {
					payload = fmt.Sprintf("own-%d-%d", i, r)
				}
				if _, err := s.Save(context.Background(), key, strings.NewReader(payload)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := range keys {
		key := fmt.Sprintf("k%d", i)
		want := "shared"
		if (rounds-1+i)%2 == 1 {
			want = fmt.Sprintf("own-%d-%d", i, rounds-1)
		}
		_, payload, err := restore(t, s, key)
		require.NoError(t, err, key)
		assert.Equal(t, want, payload, key)
	}
}
