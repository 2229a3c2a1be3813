// Package storage keeps profile avatars in an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrUnsupportedType = errors.New("avatar must be a JPEG, PNG, WebP or GIF image")
	ErrTooLarge        = errors.New("avatar is too large")
)

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// ObjectStore is the subset of *minio.Client used here.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base avatars are served from. Defaults to the endpoint.
	PublicURL string
	MaxBytes  int64
}

type Avatars struct {
	objects   ObjectStore
	bucket    string
	publicURL string
	maxBytes  int64
	newName   func() string
}

// NewMinioAvatars connects to MinIO and makes sure the bucket exists and is
// publicly readable.
func NewMinioAvatars(ctx context.Context, opts Options) (*Avatars, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	if err := client.SetBucketPolicy(ctx, opts.Bucket, publicReadPolicy(opts.Bucket)); err != nil {
		return nil, fmt.Errorf("set bucket policy: %w", err)
	}

	if opts.PublicURL == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		opts.PublicURL = scheme + "://" + opts.Endpoint
	}
	return NewAvatars(client, opts), nil
}

func NewAvatars(objects ObjectStore, opts Options) *Avatars {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Avatars{
		objects:   objects,
		bucket:    opts.Bucket,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		maxBytes:  maxBytes,
		newName:   uuid.NewString,
	}
}

func (a *Avatars) MaxBytes() int64 {
	return a.maxBytes
}

// ObjectKey places every avatar under its owner's prefix.
func ObjectKey(userID, name, ext string) string {
	return userID + "/" + name + "." + ext
}

func (a *Avatars) PublicURL(key string) string {
	return a.publicURL + "/" + a.bucket + "/" + key
}

// Upload stores an image for userID and returns its public URL. The content
// type is sniffed from the data, not taken from the client.
func (a *Avatars) Upload(ctx context.Context, userID string, r io.Reader, size int64) (string, error) {
	if size > a.maxBytes {
		return "", ErrTooLarge
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read avatar: %w", err)
	}
	head = head[:n]

	contentType := http.DetectContentType(head)
	ext, ok := extensions[contentType]
	if !ok {
		return "", ErrUnsupportedType
	}

	body := io.MultiReader(bytes.NewReader(head), io.LimitReader(r, a.maxBytes-int64(n)+1))
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read avatar: %w", err)
	}
	if int64(len(data)) > a.maxBytes {
		return "", ErrTooLarge
	}

	key := ObjectKey(userID, a.newName(), ext)
	if _, err := a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	}); err != nil {
		return "", fmt.Errorf("put avatar: %w", err)
	}
	return a.PublicURL(key), nil
}

// Remove deletes a previously uploaded avatar given its public URL. URLs that
// do not point into this bucket are ignored.
func (a *Avatars) Remove(ctx context.Context, url string) error {
	prefix := a.publicURL + "/" + a.bucket + "/"
	if !strings.HasPrefix(url, prefix) {
		return nil
	}
	key := strings.TrimPrefix(url, prefix)
	if err := a.objects.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove avatar: %w", err)
	}
	return nil
}

func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
}
