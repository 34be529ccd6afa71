// Package blobref resolves object-storage references (gs://bucket/key
// URIs) to and from bytes, used by the Gemini-style batch provider to
// stage request files and fetch output artifacts referenced by URI rather
// than returned inline (spec.md §6: "output artifacts are referenced by
// URI and fetched through blobref.Fetcher").
package blobref

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Fetcher reads and writes object-storage blobs addressed by a gs://
// URI.
type Fetcher interface {
	Put(ctx context.Context, uri string, data []byte) error
	Get(ctx context.Context, uri string) ([]byte, error)
	// List returns every object URI under a gs:// prefix, used to
	// discover a batch job's sharded output files.
	List(ctx context.Context, prefix string) ([]string, error)
}

// GCSFetcher implements Fetcher against Google Cloud Storage.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher builds a GCSFetcher using application-default credentials.
func NewGCSFetcher(ctx context.Context) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCSFetcher{client: client}, nil
}

func splitURI(uri string) (bucket, object string, err error) {
	const prefix = "gs://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed gs:// uri: %q", uri)
	}
	return parts[0], parts[1], nil
}

// Put implements Fetcher.
func (f *GCSFetcher) Put(ctx context.Context, uri string, data []byte) error {
	bucket, object, err := splitURI(uri)
	if err != nil {
		return err
	}
	w := f.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing writer for %s: %w", uri, err)
	}
	return nil
}

// Get implements Fetcher.
func (f *GCSFetcher) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", uri, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	return data, nil
}

// List implements Fetcher.
func (f *GCSFetcher) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, objPrefix, err := splitURI(prefix)
	if err != nil {
		return nil, err
	}
	it := f.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: objPrefix})
	var out []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		out = append(out, fmt.Sprintf("gs://%s/%s", bucket, attrs.Name))
	}
	return out, nil
}
