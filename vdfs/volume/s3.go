package volume

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an object-store backend.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Prefix scopes all paths under a key prefix inside the bucket.
	Prefix string
}

// S3Backend implements Backend over an S3-compatible object store. Object
// stores have no inodes and no real directories, so move detection over this
// backend always degrades to delete+new and directory entries are synthesized
// from common key prefixes.
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Backend connects to an S3-compatible endpoint.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (b *S3Backend) key(p string) string {
	p = strings.Trim(p, "/")
	if b.prefix == "" {
		return p
	}
	if p == "" {
		return b.prefix
	}
	return b.prefix + "/" + p
}

func (b *S3Backend) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", p, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", p, err)
	}
	return data, nil
}

func (b *S3Backend) ReadRange(ctx context.Context, p string, rng ByteRange) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(rng.Start, rng.Start+rng.Length-1); err != nil {
		return nil, fmt.Errorf("invalid byte range for %s: %w", p, err)
	}
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(p), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get object range %s: %w", p, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object range %s: %w", p, err)
	}
	return data, nil
}

func (b *S3Backend) Write(ctx context.Context, p string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.key(p),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", p, err)
	}
	return nil
}

func (b *S3Backend) ReadDir(ctx context.Context, p string) ([]RawMetadata, error) {
	prefix := b.key(p)
	if prefix != "" {
		prefix += "/"
	}

	var metas []RawMetadata
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix: prefix,
		// Non-recursive listing returns common prefixes as directory
		// placeholders.
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", p, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" {
			continue
		}
		if strings.HasSuffix(name, "/") {
			metas = append(metas, RawMetadata{
				Name: strings.TrimSuffix(name, "/"),
				Kind: KindDirectory,
			})
			continue
		}
		metas = append(metas, RawMetadata{
			Name:       name,
			Kind:       KindFile,
			Size:       obj.Size,
			ModifiedAt: obj.LastModified,
			Hidden:     strings.HasPrefix(name, "."),
		})
	}
	return metas, nil
}

func (b *S3Backend) Metadata(ctx context.Context, p string) (RawMetadata, error) {
	info, err := b.client.StatObject(ctx, b.bucket, b.key(p), minio.StatObjectOptions{})
	if err != nil {
		return RawMetadata{}, fmt.Errorf("failed to stat object %s: %w", p, err)
	}
	name := path.Base(p)
	return RawMetadata{
		Name:       name,
		Kind:       KindFile,
		Size:       info.Size,
		ModifiedAt: info.LastModified,
		Hidden:     strings.HasPrefix(name, "."),
	}, nil
}

func (b *S3Backend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key(p), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("failed to check existence of %s: %w", p, err)
}

func (b *S3Backend) Delete(ctx context.Context, p string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, b.key(p), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", p, err)
	}
	return nil
}

func (b *S3Backend) CreateDirectory(ctx context.Context, p string) error {
	// Object stores have no directories; write a zero-byte placeholder so
	// the prefix shows up in listings.
	key := b.key(p) + "/"
	_, err := b.client.PutObject(ctx, b.bucket, key,
		bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to create directory marker %s: %w", p, err)
	}
	return nil
}

func (b *S3Backend) IsLocal() bool { return false }

func (b *S3Backend) BackendType() BackendType { return BackendS3 }
