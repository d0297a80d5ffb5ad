package token

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStorage keeps the record in a single Firestore document.
type FirestoreStorage struct {
	client *firestore.Client
	doc    *firestore.DocumentRef
}

// NewFirestoreStorage connects to project and stores the record at
// collection/document.
func NewFirestoreStorage(ctx context.Context, project, collection, document string, opts ...option.ClientOption) (*FirestoreStorage, error) {
	client, err := firestore.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return &FirestoreStorage{
		client: client,
		doc:    client.Collection(collection).Doc(document),
	}, nil
}

// Close releases the Firestore client.
func (f *FirestoreStorage) Close() error {
	return f.client.Close()
}

// Read fetches the token document.
func (f *FirestoreStorage) Read(ctx context.Context) (*Record, error) {
	snap, err := f.doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, classifyFirestoreError("read", err)
	}

	var rec Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode token document: %w", err)
	}
	return &rec, nil
}

// Write replaces the token document.
func (f *FirestoreStorage) Write(ctx context.Context, rec *Record) error {
	if _, err := f.doc.Set(ctx, rec); err != nil {
		return classifyFirestoreError("write", err)
	}
	return nil
}

// Delete removes the token document.
func (f *FirestoreStorage) Delete(ctx context.Context) error {
	if _, err := f.doc.Delete(ctx); err != nil {
		return classifyFirestoreError("delete", err)
	}
	return nil
}

// Probe verifies the document can be read with the current credentials.
func (f *FirestoreStorage) Probe(ctx context.Context) error {
	_, err := f.doc.Get(ctx)
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return classifyFirestoreError("probe", err)
}

func classifyFirestoreError(op string, err error) error {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("firestore %s: %w: %v", op, ErrStorageUnavailable, err)
	default:
		return fmt.Errorf("firestore %s: %w", op, err)
	}
}
