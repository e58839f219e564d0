// Package photos moves photo bytes from the local disk to remote storage.
//
// Photo metadata syncs through the mutation queue like every other entity;
// the bytes do not. Service.UploadPending pushes the bytes of photos that
// have no remote key yet and records the key with an ordinary update, so
// the next sync cycle carries it to the server.
package photos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/steveyegge/catchlog/internal/remote"
	"github.com/steveyegge/catchlog/internal/schema"
)

// ErrNoCredential is returned when an upload needs a bearer token and none
// is available.
var ErrNoCredential = errors.New("not logged in")

// Uploader stores photo bytes and returns the remote key.
type Uploader interface {
	Upload(ctx context.Context, token string, photo *schema.PhotoMeta, body io.Reader, size int64) (string, error)
}

// Presigned asks the sync server for an upload URL and PUTs the bytes there.
type Presigned struct {
	Client *remote.Client
}

// Upload implements Uploader.
func (p *Presigned) Upload(ctx context.Context, token string, photo *schema.PhotoMeta, body io.Reader, size int64) (string, error) {
	if token == "" {
		return "", ErrNoCredential
	}
	filename := Filename(photo)
	contentType := ContentType(filename)

	presigned, err := p.Client.PresignPhoto(ctx, token, filename, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to get upload url: %w", err)
	}
	if err := p.Client.UploadToURL(ctx, presigned.UploadURL, contentType, body, size); err != nil {
		return "", fmt.Errorf("failed to upload photo: %w", err)
	}

	id := presigned.PhotoID
	if id == "" {
		id = photo.ID
	}
	return "photos/" + id + path.Ext(filename), nil
}

// S3 writes photos directly to an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 uploader. If endpoint is non-empty, path-style
// addressing is enabled (for MinIO and similar).
func NewS3(ctx context.Context, bucket, region, endpoint string) (*S3, error) {
	if bucket == "" {
		return nil, errors.New("photos bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3{
		client: s3.NewFromConfig(cfg, s3opts...),
		bucket: bucket,
		prefix: "photos/",
	}, nil
}

// Upload implements Uploader. The bearer token is not used.
func (u *S3) Upload(ctx context.Context, token string, photo *schema.PhotoMeta, body io.Reader, size int64) (string, error) {
	filename := Filename(photo)
	key := u.prefix + photo.SessionID + "/" + filename
	contentType := ContentType(filename)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return key, nil
}

// Filename is the remote object name for a photo: its id plus the local
// file extension (".jpg" when unknown).
func Filename(photo *schema.PhotoMeta) string {
	ext := strings.ToLower(filepath.Ext(photo.LocalURI))
	if ext == "" {
		ext = ".jpg"
	}
	return photo.ID + ext
}

// ContentType guesses the MIME type from the file name.
func ContentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "image/jpeg"
}
