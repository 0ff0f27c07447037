package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// New opens a client with Application Default Credentials and verifies the
// bucket is reachable.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	bkt := client.Bucket(cfg.Bucket)
	if _, err := bkt.Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", cfg.Bucket, err)
	}
	return newBackend(bucketObjects{bkt: bkt}, cfg.Prefix, logger, client.Close), nil
}

// NewWithClient builds a backend on a caller-owned client.
func NewWithClient(client *storage.Client, cfg Config, logger *zap.Logger) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return newBackend(bucketObjects{bkt: client.Bucket(cfg.Bucket)}, cfg.Prefix, logger, nil), nil
}

type bucketObjects struct {
	bkt *storage.BucketHandle
}

func (o bucketObjects) create(ctx context.Context, name, contentType string, data []byte, ifAbsent bool) error {
	obj := o.bkt.Object(name)
	if ifAbsent {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		closeErr := w.Close()
		if closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return errPreconditionFailed
		}
		return fmt.Errorf("close writer for %s: %w", name, err)
	}
	return nil
}

func (o bucketObjects) read(ctx context.Context, name string) ([]byte, error) {
	r, err := o.bkt.Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", name, err)
	}
	return data, nil
}

func (o bucketObjects) exists(ctx context.Context, name string) (bool, error) {
	_, err := o.bkt.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (o bucketObjects) list(ctx context.Context, prefix string) ([]string, error) {
	it := o.bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
}

func (o bucketObjects) delete(ctx context.Context, name string) error {
	err := o.bkt.Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}
