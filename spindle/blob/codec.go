package blob

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how a blob file is compressed. It is stored as the
// first byte of every blob file.
type Codec uint8

const (
	// already compressed content, images and archives
	CodecNone Codec = 0
	// fast default for binary data
	CodecLZ4 Codec = 1
	// text, json, logs, tarballs of source trees
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec: %q", name)
	}
}

// SelectCodec picks a codec for a payload from its content type.
func SelectCodec(contentType string) Codec {
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	ct = strings.TrimSpace(ct)

	switch {
	case ct == "":
		return CodecLZ4
	case strings.HasPrefix(ct, "text/"),
		ct == "application/json",
		ct == "application/x-ndjson",
		ct == "application/x-tar",
		ct == "application/yaml":
		return CodecZstd
	case strings.HasPrefix(ct, "image/"),
		strings.HasPrefix(ct, "video/"),
		ct == "application/zip",
		ct == "application/gzip",
		ct == "application/zstd",
		ct == "application/x-xz":
		return CodecNone
	}
	return CodecLZ4
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// compressor wraps w; closing the result flushes it but leaves w open.
func compressor(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecNone:
		return nopWriteCloser{w}, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	return nil, fmt.Errorf("unsupported codec: %s", c)
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func decompressor(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{d}, nil
	}
	return nil, fmt.Errorf("unsupported codec: %s", c)
}

// NewWriter writes a codec header to w and returns a writer that
// compresses into it. Closing the writer leaves w open.
func NewWriter(w io.Writer, c Codec) (io.WriteCloser, error) {
	if _, err := w.Write([]byte{byte(c)}); err != nil {
		return nil, err
	}
	return compressor(w, c)
}

// NewReader reads the codec header from r and decompresses the rest.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	var header [1]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading blob header: %w", err)
	}
	return decompressor(r, Codec(header[0]))
}

// Encode compresses data with c; used by backends that store whole
// values rather than files.
func Encode(data []byte, c Codec) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, c)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decoding blob: empty value")
	}
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
