// Package geojson loads the area-of-interest geometry a workflow runs against.
// Locations are either local file paths or gs://bucket/object URIs.
package geojson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// MaxDocumentBytes bounds how much of a geometry document is read.
const MaxDocumentBytes = 64 << 20

// ErrInvalidDocument is returned when the loaded content is not JSON.
var ErrInvalidDocument = errors.New("geojson: document is not valid JSON")

// ObjectOpener reads objects from blob storage.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// Loader reads geometry documents. Content is passed through verbatim; only JSON
// well-formedness is checked.
type Loader struct {
	objects ObjectOpener
}

// NewLoader constructs a Loader. objects may be nil, in which case gs:// locations fail.
func NewLoader(objects ObjectOpener) *Loader {
	return &Loader{objects: objects}
}

// Load returns the document at location.
func (l *Loader) Load(ctx context.Context, location string) (json.RawMessage, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("geojson: location is required")
	}

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(location, "gs://") {
		data, err = l.loadObject(ctx, location)
	} else {
		data, err = loadFile(location)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, location)
	}
	return json.RawMessage(data), nil
}

func loadFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("geojson: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("geojson: %s is a directory", path)
	}
	if info.Size() > MaxDocumentBytes {
		return nil, fmt.Errorf("geojson: %s exceeds %d bytes", path, MaxDocumentBytes)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is the operator-supplied input file
	if err != nil {
		return nil, fmt.Errorf("geojson: read %s: %w", path, err)
	}
	return data, nil
}

func (l *Loader) loadObject(ctx context.Context, location string) ([]byte, error) {
	bucket, object, err := ParseObjectURI(location)
	if err != nil {
		return nil, err
	}
	if l.objects == nil {
		return nil, fmt.Errorf("geojson: no object store configured for %s", location)
	}
	r, err := l.objects.Open(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("geojson: open %s: %w", location, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("geojson: read %s: %w", location, err)
	}
	if len(data) > MaxDocumentBytes {
		return nil, fmt.Errorf("geojson: %s exceeds %d bytes", location, MaxDocumentBytes)
	}
	return data, nil
}

// ParseObjectURI splits gs://bucket/object into its parts.
func ParseObjectURI(location string) (bucket, object string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("geojson: parse %q: %w", location, err)
	}
	if u.Scheme != "gs" {
		return "", "", fmt.Errorf("geojson: %q is not a gs:// uri", location)
	}
	bucket = u.Host
	object = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("geojson: %q must name a bucket and an object", location)
	}
	return bucket, object, nil
}
