package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/markforge/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// StatusStore writes Document status records into a collection.
type StatusStore struct {
	client     *firestore.Client
	collection string
}

// NewStatusStore creates a StatusStore for collection.
func NewStatusStore(client *firestore.Client, collection string) *StatusStore {
	if collection == "" {
		collection = "documents"
	}
	return &StatusStore{client: client, collection: collection}
}

// Put replaces the status document identified by docID.
func (s *StatusStore) Put(ctx context.Context, docID string, rec models.StatusRecord) error {
	if _, err := s.client.Collection(s.collection).Doc(docID).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to write status %s: %w", docID, err)
	}
	return nil
}
