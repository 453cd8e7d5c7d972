package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ErrObjectExists is returned by SaveToGCSAtomically when the object exists.
var ErrObjectExists = errors.New("object already exists")

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content io.Reader) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return ErrObjectExists
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// Publisher uploads converted Markdown files to a bucket.
type Publisher struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewPublisher creates a Publisher writing under gs://bucket/prefix.
func NewPublisher(client *storage.Client, bucket, prefix string) *Publisher {
	return &Publisher{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Publish uploads the local file at localPath as object name relPath and
// returns its gs:// URI. Existing objects are left in place.
func (p *Publisher) Publish(ctx context.Context, localPath, relPath string) (string, error) {
	objectName := path.Join(p.prefix, relPath)
	uri := fmt.Sprintf("gs://%s/%s", p.bucket, objectName)

	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			f, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer f.Close()

			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()
			return SaveToGCSAtomically(writeCtx, p.client.Bucket(p.bucket), objectName, f)
		}()
		if err == nil {
			return uri, nil
		}
		if errors.Is(err, ErrObjectExists) {
			slog.Info("Object already published, skipping.", "gcsObject", uri)
			return uri, nil
		}

		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"gcsObject", uri,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("upload for %s failed after all retries: %w", uri, lastErr)
}

// Download streams gs://bucket/object to destPath.
func Download(ctx context.Context, client *storage.Client, bucket, object, destPath string) error {
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	localFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create local file at %s: %w", destPath, err)
	}
	if _, err := io.Copy(localFile, reader); err != nil {
		localFile.Close()
		return fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return localFile.Close()
}

// ListObjects returns the names of objects under prefix.
func ListObjects(ctx context.Context, client *storage.Client, bucket, prefix string) ([]string, error) {
	it := client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}
