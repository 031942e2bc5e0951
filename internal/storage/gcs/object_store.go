// Package gcs provides an ObjectStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/ingestion-runtime/internal/ingest"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// ObjectStore reads and writes objects in a configured GCS bucket, using
// object generations for conditional writes.
type ObjectStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed object store.
func New(client *storage.Client, cfg Config) (*ObjectStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// NewClient builds a storage client. JSON reads are used so object
// generations come back on every read.
func NewClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, storage.WithJSONReads())
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return client, nil
}

// Read downloads an object and returns its generation.
func (s *ObjectStore) Read(ctx context.Context, name string) ([]byte, int64, error) {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, 0, mapErr("open", name, err)
	}
	defer r.Close() //nolint:errcheck // read-only handle
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read object %s: %w", name, err)
	}
	return data, r.Attrs.Generation, nil
}

// Write uploads data, conditioned on ifGeneration.
func (s *ObjectStore) Write(ctx context.Context, name, contentType string, data []byte, ifGeneration int64) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("object name is required")
	}
	obj := s.client.Bucket(s.bucket).Object(name)
	switch {
	case ifGeneration == 0:
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	case ifGeneration > 0:
		obj = obj.If(storage.Conditions{GenerationMatch: ifGeneration})
	}

	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("%w (close writer: %v)", mapErr("write", name, err), closeErr)
		}
		return mapErr("write", name, err)
	}
	if err := writer.Close(); err != nil {
		return mapErr("close writer", name, err)
	}
	return nil
}

// List returns object names under prefix.
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	query := &storage.Query{Prefix: prefix}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("select attrs: %w", err)
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects %q: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Copy performs a server-side copy of src to dst within the bucket.
func (s *ObjectStore) Copy(ctx context.Context, src, dst string) error {
	bkt := s.client.Bucket(s.bucket)
	if _, err := bkt.Object(dst).CopierFrom(bkt.Object(src)).Run(ctx); err != nil {
		return mapErr("copy", src, err)
	}
	return nil
}

// Delete removes each named object, attempting all of them.
func (s *ObjectStore) Delete(ctx context.Context, names ...string) error {
	bkt := s.client.Bucket(s.bucket)
	var errs []error
	for _, name := range names {
		if err := bkt.Object(name).Delete(ctx); err != nil {
			errs = append(errs, mapErr("delete", name, err))
		}
	}
	return errors.Join(errs...)
}

func mapErr(op, name string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s %s: %w", op, name, ingest.ErrNotFound)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%s %s: %w", op, name, ingest.ErrPreconditionFailed)
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, name, ingest.ErrNotFound)
		}
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}
