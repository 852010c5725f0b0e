// Package blob is the key → blob staging area used between pipeline stages.
//
// Keys are slash-separated and always begin with the request id, e.g.
// "{request_id}/split_chunks/0003.mp4". Two backends are provided: FSStore
// for a local directory tree (and in-memory tests), and S3Store for an S3
// bucket.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("blob: object not found")

// Store is a durable key → blob mapping.
type Store interface {
	// Put stores the body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	// Download writes the object stored under key into w.
	// It returns ErrNotFound (possibly wrapped) for a missing key.
	Download(ctx context.Context, key string, w io.WriterAt) error
}

// Presigner is implemented by stores that can hand out time-limited URLs.
type Presigner interface {
	PresignGet(key string, ttl time.Duration) (string, error)
}

const (
	ContentTypeJSON = "application/json"
	ContentTypeMP4  = "video/mp4"
	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypePNG  = "image/png"
)

// PutJSON marshals v with indentation and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, bytes.NewReader(data), ContentTypeJSON)
}

// GetJSON downloads key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := Get(ctx, s, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Get downloads key into memory.
func Get(ctx context.Context, s Store, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	if err := s.Download(ctx, key, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UploadFile stores the local file at path under key.
func UploadFile(ctx context.Context, s Store, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f, contentType)
}

// DownloadFile writes the object under key to a new local file at path.
// A partially written file is removed on failure.
func DownloadFile(ctx context.Context, s Store, key, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := s.Download(ctx, key, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
