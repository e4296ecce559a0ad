package blob

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutOpen(t *testing.T) {
	payload := []byte(strings.Repeat("node_modules/react/index.js\n", 500))

	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			s, err := NewStore(t.TempDir())
			require.NoError(t, err)

			ref, err := s.Put(bytes.NewReader(payload), codec)
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), ref.Size)
			assert.Equal(t, Sum(payload), ref.Digest)
			assert.True(t, s.Has(ref.Digest))

			rc, err := s.Open(ref.Digest)
			require.NoError(t, err)
			defer rc.Close()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestDigestIgnoresCodec(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	a, err := s.Put(strings.NewReader("same bytes"), CodecZstd)
	require.NoError(t, err)
	b, err := s.Put(strings.NewReader("same bytes"), CodecNone)
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
}

func TestOpenMissing(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Open(Sum([]byte("nothing")))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(Sum([]byte("nothing"))))
}

func TestDelete(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(strings.NewReader("x"), CodecLZ4)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ref.Digest))
	assert.False(t, s.Has(ref.Digest))
}

func TestParseDigest(t *testing.T) {
	d := Sum([]byte("abc"))
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseDigest("abcd")
	assert.Error(t, err)
	_, err = ParseDigest("zz")
	assert.Error(t, err)
}

func TestSelectCodec(t *testing.T) {
	tests := map[string]Codec{
		"":                          CodecLZ4,
		"application/x-tar":         CodecZstd,
		"text/plain; charset=utf-8": CodecZstd,
		"image/png":                 CodecNone,
		"application/gzip":          CodecNone,
		"application/octet-stream":  CodecLZ4,
	}
	for ct, want := range tests {
		assert.Equal(t, want, SelectCodec(ct), ct)
	}
}

func TestParseCodec(t *testing.T) {
	for _, c := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		parsed, err := ParseCodec(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseCodec("brotli")
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	payload := []byte(strings.Repeat("cache ", 1000))
	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		enc, err := Encode(payload, codec)
		require.NoError(t, err)
		assert.Equal(t, byte(codec), enc[0])

		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, payload, dec)
	}

	_, err := Decode(nil)
	assert.Error(t, err)
}
