// Package gcs uploads catalog exports to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config selects the bucket and object layout.
type Config struct {
	Bucket string
	// Prefix is joined in front of every object path.
	Prefix string
	// CacheControl is set on uploaded objects when non-empty.
	CacheControl string
	// Overwrite replaces existing objects. When false, an object that is
	// already present is left alone; export keys are content addressed, so
	// an existing object already holds the same bytes.
	Overwrite bool
}

// BlobStore writes export files to one bucket.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	prefix       string
	cacheControl string
	overwrite    bool
}

// New validates cfg. The caller owns client and closes it.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs blob store: storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs blob store: bucket is required")
	}
	return &BlobStore{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       strings.Trim(cfg.Prefix, "/"),
		cacheControl: cfg.CacheControl,
		overwrite:    cfg.Overwrite,
	}, nil
}

// PutObject uploads r and returns the gs:// URI of the object.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, contentType string, r io.Reader) (string, error) {
	name, err := objectName(s.prefix, objectPath)
	if err != nil {
		return "", err
	}
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, name)

	obj := s.client.Bucket(s.bucket).Object(name)
	if !s.overwrite {
		// The precondition makes the upload idempotent, so retrying it is safe.
		obj = obj.If(storage.Conditions{DoesNotExist: true}).Retryer(storage.WithPolicy(storage.RetryAlways))
	}
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = s.cacheControl
	w.Metadata = map[string]string{"source": "catalogcrawler"}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs upload %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		if !s.overwrite && alreadyExists(err) {
			return uri, nil
		}
		return "", fmt.Errorf("gcs upload %s: %w", uri, err)
	}
	return uri, nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func objectName(prefix, objectPath string) (string, error) {
	objectPath = strings.TrimLeft(strings.TrimSpace(objectPath), "/")
	if objectPath == "" {
		return "", errors.New("gcs blob store: object path is required")
	}
	if prefix == "" {
		return objectPath, nil
	}
	return path.Join(prefix, objectPath), nil
}
