// Package store is the client side of the document store: one-shot reads,
// change subscriptions and single-document writes. Two implementations
// exist, Postgres for production and Memory for development and tests.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dimitrije/taskflow-api/internal/query"
)

const (
	Users       = "users"
	Projects    = "projects"
	Members     = "project_members"
	Invitations = "project_invitations"
	Tasks       = "tasks"
)

type Document struct {
	ID        string
	Resource  string
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the document fields into v.
func (d Document) Decode(v any) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", d.Resource, d.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Resource, d.ID, err)
	}
	return nil
}

type Snapshot struct {
	Resource string
	Docs     []Document
	ReadAt   time.Time
}

// signature identifies the content of a snapshot well enough to skip
// emitting a re-read that changed nothing.
func (s Snapshot) signature() string {
	parts := make([]string, len(s.Docs))
	for i, d := range s.Docs {
		parts[i] = d.ID + "@" + d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return strings.Join(parts, ",")
}

// DecodeAll decodes every document of the snapshot.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Patch maps field names to new values. Values keep their Go types
// (time.Time, uuid.UUID, bool, nil...).
type Patch map[string]any

type WriteAck struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Listener receives every snapshot of a subscription, or the error that
// ended it. After an error no further calls are made.
type Listener func(Snapshot, error)

type Subscription interface {
	Close()
}

type Store interface {
	// Read runs d once.
	Read(ctx context.Context, d query.Descriptor) (Snapshot, error)
	// Get reads one document; a missing id is an apperr.ErrNotFound.
	Get(ctx context.Context, resource, id string) (Document, error)
	// Subscribe calls fn with the current result of d and again after
	// every change that alters it.
	Subscribe(ctx context.Context, d query.Descriptor, fn Listener) (Subscription, error)
	// Write creates a document when id is empty and partially updates it
	// otherwise.
	Write(ctx context.Context, resource, id string, patch Patch) (WriteAck, error)
	// Set creates or replaces the document with the given id. Repeating
	// the same Set has no further effect.
	Set(ctx context.Context, resource, id string, fields Patch) (WriteAck, error)
	// Delete removes the document if it exists. Deleting a missing id
	// succeeds.
	Delete(ctx context.Context, resource, id string) error
}

func sortDocs(docs []Document, order *query.Order) {
	sort.SliceStable(docs, func(i, j int) bool {
		if order != nil {
			c, ok := query.Compare(docs[i].Fields[order.Field], docs[j].Fields[order.Field])
			if ok && c != 0 {
				if order.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return docs[i].ID < docs[j].ID
	})
}
