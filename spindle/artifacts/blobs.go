package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"tangled.org/spindle/spindle/blob"
)

// Blobs holds artifact payloads by digest.
type Blobs interface {
	Put(ctx context.Context, r io.Reader) (blob.Ref, error)
	Get(ctx context.Context, d blob.Digest) (io.ReadCloser, error)
	Delete(ctx context.Context, d blob.Digest) error
}

// artifacts are tarballs
const artifactCodec = blob.CodecZstd

type FSBlobs struct {
	store *blob.Store
}

func NewFSBlobs(dir string) (*FSBlobs, error) {
	s, err := blob.NewStore(dir)
	if err != nil {
		return nil, err
	}
	return &FSBlobs{store: s}, nil
}

func (b *FSBlobs) Put(_ context.Context, r io.Reader) (blob.Ref, error) {
	return b.store.Put(r, artifactCodec)
}

func (b *FSBlobs) Get(_ context.Context, d blob.Digest) (io.ReadCloser, error) {
	return b.store.Open(d)
}

func (b *FSBlobs) Delete(_ context.Context, d blob.Digest) error {
	return b.store.Delete(d)
}

// S3Blobs keeps payloads as objects named by digest below a prefix.
type S3Blobs struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3Options struct {
	Bucket string
	Prefix string
	// Endpoint overrides the AWS endpoint, e.g. for minio.
	Endpoint string
	Region   string
}

func NewS3Blobs(ctx context.Context, opts S3Options) (*S3Blobs, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Blobs{
		client: client,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
	}, nil
}

func (b *S3Blobs) key(d blob.Digest) string {
	return b.prefix + d.String()
}

// Put spools the compressed payload to a temp file so the upload has a
// known length.
func (b *S3Blobs) Put(ctx context.Context, r io.Reader) (blob.Ref, error) {
	tmp, err := os.CreateTemp("", "spindle-artifact-*")
	if err != nil {
		return blob.Ref{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w, err := blob.NewWriter(tmp, artifactCodec)
	if err != nil {
		return blob.Ref{}, err
	}
	hasher := blob.NewHasher()
	size, err := io.Copy(io.MultiWriter(w, hasher), r)
	if err != nil {
		w.Close()
		return blob.Ref{}, err
	}
	if err := w.Close(); err != nil {
		return blob.Ref{}, err
	}

	ref := blob.Ref{Size: size, Codec: artifactCodec}
	copy(ref.Digest[:], hasher.Sum(nil))

	_, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(ref.Digest)),
	})
	if err == nil {
		return ref, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return blob.Ref{}, err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(ref.Digest)),
		Body:   tmp,
	})
	if err != nil {
		return blob.Ref{}, fmt.Errorf("uploading %s: %w", ref.Digest, err)
	}

	return ref, nil
}

func (b *S3Blobs) Get(ctx context.Context, d blob.Digest) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(d)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, d)
		}
		return nil, err
	}

	rc, err := blob.NewReader(out.Body)
	if err != nil {
		out.Body.Close()
		return nil, err
	}
	return &objectReader{ReadCloser: rc, body: out.Body}, nil
}

type objectReader struct {
	io.ReadCloser
	body io.Closer
}

func (o *objectReader) Close() error {
	o.ReadCloser.Close()
	return o.body.Close()
}

func (b *S3Blobs) Delete(ctx context.Context, d blob.Digest) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(d)),
	})
	return err
}
