package geojson

import (
	"context"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSOpener reads objects from Google Cloud Storage. The client is created on first
// use so runs against local files never need Application Default Credentials.
type GCSOpener struct {
	opts []option.ClientOption

	once   sync.Once
	client *storage.Client
	err    error
}

// NewGCSOpener returns an opener that builds its client with opts.
func NewGCSOpener(opts ...option.ClientOption) *GCSOpener {
	return &GCSOpener{opts: opts}
}

// NewGCSOpenerWithClient wraps an existing client.
func NewGCSOpenerWithClient(client *storage.Client) *GCSOpener {
	g := &GCSOpener{client: client}
	g.once.Do(func() {})
	return g
}

// Open returns a reader for gs://bucket/object.
func (g *GCSOpener) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	g.once.Do(func() {
		g.client, g.err = storage.NewClient(ctx, g.opts...)
	})
	if g.err != nil {
		return nil, fmt.Errorf("create storage client: %w", g.err)
	}
	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return r, nil
}

// Close releases the underlying client if one was created.
func (g *GCSOpener) Close() error {
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
