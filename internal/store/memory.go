package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/hub"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/retry"
	"github.com/google/uuid"
)

// Memory keeps documents in process. Field values are stored in their
// JSON-decoded form so reads behave like the Postgres store.
type Memory struct {
	mu    sync.RWMutex
	docs  map[string]map[string]Document
	feed  *hub.Hub
	now   func() time.Time
	retry retry.Policy
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now for created_at/updated_at stamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(feed *hub.Hub, opts ...MemoryOption) *Memory {
	m := &Memory{
		docs:  make(map[string]map[string]Document),
		feed:  feed,
		now:   time.Now,
		retry: retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Read(ctx context.Context, d query.Descriptor) (Snapshot, error) {
	if err := d.Validate(); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, apperr.Transient(err)
	}

	m.mu.RLock()
	docs := make([]Document, 0)
	for _, doc := range m.docs[d.Resource] {
		if d.Matches(doc.Fields) {
			docs = append(docs, cloneDoc(doc))
		}
	}
	m.mu.RUnlock()

	sortDocs(docs, d.OrderBy)
	return Snapshot{Resource: d.Resource, Docs: docs, ReadAt: m.now()}, nil
}

func (m *Memory) Get(ctx context.Context, resource, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, apperr.Transient(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[resource][id]
	if !ok {
		return Document{}, apperr.NotFound(fmt.Errorf("%s/%s", resource, id))
	}
	return cloneDoc(doc), nil
}

func (m *Memory) Subscribe(ctx context.Context, d query.Descriptor, fn Listener) (Subscription, error) {
	return subscribe(ctx, m.feed, m.retry, d, m.Read, fn)
}

func (m *Memory) Write(ctx context.Context, resource, id string, patch Patch) (WriteAck, error) {
	if err := ctx.Err(); err != nil {
		return WriteAck{}, apperr.Transient(err)
	}
	fields, err := normalizeFields(patch)
	if err != nil {
		return WriteAck{}, err
	}

	m.mu.Lock()
	now := m.now().UTC()
	kind := hub.ChangeUpdated
	var doc Document
	if id == "" {
		kind = hub.ChangeCreated
		doc = Document{ID: uuid.NewString(), Resource: resource, Fields: fields, CreatedAt: now}
	} else {
		existing, ok := m.docs[resource][id]
		if !ok {
			m.mu.Unlock()
			return WriteAck{}, apperr.NotFound(fmt.Errorf("%s/%s", resource, id))
		}
		doc = cloneDoc(existing)
		for k, v := range fields {
			doc.Fields[k] = v
		}
	}
	if err := m.checkUnique(doc); err != nil {
		m.mu.Unlock()
		return WriteAck{}, err
	}
	doc.UpdatedAt = now
	m.put(doc)
	m.mu.Unlock()

	m.publish(resource, doc.ID, kind, now)
	return WriteAck{ID: doc.ID, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt}, nil
}

func (m *Memory) Set(ctx context.Context, resource, id string, fields Patch) (WriteAck, error) {
	if err := ctx.Err(); err != nil {
		return WriteAck{}, apperr.Transient(err)
	}
	if id == "" {
		return WriteAck{}, apperr.Invalid("id", "is required for set")
	}
	normalized, err := normalizeFields(fields)
	if err != nil {
		return WriteAck{}, err
	}

	m.mu.Lock()
	now := m.now().UTC()
	kind := hub.ChangeCreated
	doc := Document{ID: id, Resource: resource, Fields: normalized, CreatedAt: now, UpdatedAt: now}
	if existing, ok := m.docs[resource][id]; ok {
		kind = hub.ChangeUpdated
		doc.CreatedAt = existing.CreatedAt
	}
	if err := m.checkUnique(doc); err != nil {
		m.mu.Unlock()
		return WriteAck{}, err
	}
	m.put(doc)
	m.mu.Unlock()

	m.publish(resource, id, kind, now)
	return WriteAck{ID: id, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt}, nil
}

func (m *Memory) Delete(ctx context.Context, resource, id string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient(err)
	}

	m.mu.Lock()
	_, ok := m.docs[resource][id]
	delete(m.docs[resource], id)
	m.mu.Unlock()

	if ok {
		m.publish(resource, id, hub.ChangeDeleted, m.now())
	}
	return nil
}

// Count returns the number of documents of resource matching d, or all of
// them when d has no filters.
func (m *Memory) Count(d query.Descriptor) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, doc := range m.docs[d.Resource] {
		if d.Matches(doc.Fields) {
			n++
		}
	}
	return n
}

// uniqueKey mirrors a unique index of the Postgres schema. applies, when
// set, limits it to some rows the way a partial index does.
type uniqueKey struct {
	name    string
	fields  []string
	applies func(fields map[string]any) bool
}

var uniqueKeys = map[string][]uniqueKey{
	Users:       {{name: "users_email_key", fields: []string{"email"}}},
	Members:     {{name: "project_members_project_id_user_id_key", fields: []string{"project_id", "user_id"}}},
	Invitations: {{name: "idx_project_invitations_open", fields: []string{"project_id", "invitee_id"}, applies: openInvitation}},
}

func openInvitation(fields map[string]any) bool {
	return fields["status"] != "rejected"
}

// checkUnique rejects doc when another document of its resource holds the
// same values for a unique key. Null values never conflict. Callers hold
// m.mu.
func (m *Memory) checkUnique(doc Document) error {
	for _, key := range uniqueKeys[doc.Resource] {
		if key.applies != nil && !key.applies(doc.Fields) {
			continue
		}
		if !hasValues(doc.Fields, key.fields) {
			continue
		}
		for id, other := range m.docs[doc.Resource] {
			if id == doc.ID || (key.applies != nil && !key.applies(other.Fields)) {
				continue
			}
			if sameValues(doc.Fields, other.Fields, key.fields) {
				return apperr.Duplicate(fmt.Errorf("%s: %s already exists", doc.Resource, key.name))
			}
		}
	}
	return nil
}

func hasValues(fields map[string]any, names []string) bool {
	for _, n := range names {
		if fields[n] == nil {
			return false
		}
	}
	return true
}

func sameValues(a, b map[string]any, names []string) bool {
	for _, n := range names {
		if fmt.Sprint(a[n]) != fmt.Sprint(b[n]) {
			return false
		}
	}
	return true
}

// put stores doc and mirrors its bookkeeping fields. Callers hold m.mu.
func (m *Memory) put(doc Document) {
	doc.Fields["id"] = doc.ID
	doc.Fields["created_at"] = doc.CreatedAt.Format(time.RFC3339Nano)
	doc.Fields["updated_at"] = doc.UpdatedAt.Format(time.RFC3339Nano)

	byID, ok := m.docs[doc.Resource]
	if !ok {
		byID = make(map[string]Document)
		m.docs[doc.Resource] = byID
	}
	byID[doc.ID] = doc
}

func (m *Memory) publish(resource, id string, kind hub.ChangeKind, at time.Time) {
	if m.feed == nil {
		return
	}
	m.feed.Publish(hub.Change{Resource: resource, ID: id, Kind: kind, At: at})
}

func normalizeFields(p Patch) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, apperr.Invalid("patch", err.Error())
	}
	fields := make(map[string]any, len(p))
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apperr.Invalid("patch", err.Error())
	}
	delete(fields, "id")
	delete(fields, "created_at")
	delete(fields, "updated_at")
	return fields, nil
}

func cloneDoc(d Document) Document {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	d.Fields = fields
	return d
}
