// Package objstore wraps an S3-compatible bucket for cache entries and
// handoff artifacts.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("objstore: object not found")

type Config struct {
	Endpoint  string
	Region    string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("objstore: endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("objstore: access and secret keys are required")
	}
	return nil
}

func NewClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// Bucket is a key prefix inside one bucket.
type Bucket struct {
	client *minio.Client
	name   string
	prefix string
}

// OpenBucket returns a Bucket, creating the bucket when it does not exist.
func OpenBucket(ctx context.Context, client *minio.Client, name, prefix, region string) (*Bucket, error) {
	if client == nil {
		return nil, errors.New("objstore: client is nil")
	}
	exists, err := client.BucketExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("objstore: bucket %s exists: %w", name, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("objstore: make bucket %s: %w", name, err)
		}
	}
	return &Bucket{client: client, name: name, prefix: strings.Trim(prefix, "/")}, nil
}

func (b *Bucket) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.name, b.objectKey(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("objstore: stat %s: %w", key, err)
}

func (b *Bucket) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	info, err := b.client.StatObject(ctx, b.name, b.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("objstore: stat %s: %w", key, err)
	}
	obj, err := b.client.GetObject(ctx, b.name, b.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("objstore: get %s: %w", key, err)
	}
	return obj, info.Size, nil
}

func (b *Bucket) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := b.client.PutObject(ctx, b.name, b.objectKey(key), r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", key, err)
	}
	return nil
}

// List returns keys (without the bucket prefix) that start with keyPrefix.
func (b *Bucket) List(ctx context.Context, keyPrefix string) ([]string, error) {
	full := b.objectKey(keyPrefix)
	if strings.HasSuffix(keyPrefix, "/") && !strings.HasSuffix(full, "/") {
		full += "/"
	}
	var out []string
	for obj := range b.client.ListObjects(ctx, b.name, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("objstore: list %s: %w", keyPrefix, obj.Err)
		}
		key := obj.Key
		if b.prefix != "" {
			key = strings.TrimPrefix(key, b.prefix+"/")
		}
		out = append(out, key)
	}
	return out, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
