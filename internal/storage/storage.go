package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UploadOptions conveys upload destination metadata.
type UploadOptions struct {
	Bucket           string
	KeyPrefix        string
	ContentType      string
	ProgressCallback func(done, total int64)
}

// Service mirrors published artifacts to remote object storage.
type Service interface {
	UploadFile(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	DeleteObject(ctx context.Context, location string) error
	PresignURL(ctx context.Context, location string, expires time.Duration) (string, error)
}

// Location is a parsed s3://bucket/key URI.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}

// ParseLocation splits a location produced by UploadFile.
func ParseLocation(raw string) (Location, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "s3://")
	if !ok {
		return Location{}, fmt.Errorf("location %q is not an s3 uri", raw)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return Location{}, fmt.Errorf("location %q needs a bucket and key", raw)
	}
	return Location{Bucket: bucket, Key: key}, nil
}
