package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/database"
	"github.com/dimitrije/taskflow-api/internal/hub"
	"github.com/dimitrije/taskflow-api/internal/metrics"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/retry"
	"github.com/google/uuid"
)

// Postgres maps each resource onto its own table. Documents are read with
// row_to_json so the field names are the column names.
//
// Change notifications come from the in-process feed, so a subscription
// only sees writes made through this instance.
// TODO: fan changes out across instances with LISTEN/NOTIFY on a
// dedicated connection.
type Postgres struct {
	db    *database.DB
	feed  *hub.Hub
	retry retry.Policy
}

func NewPostgres(db *database.DB, feed *hub.Hub) *Postgres {
	return &Postgres{db: db, feed: feed, retry: retry.DefaultPolicy}
}

func (p *Postgres) Read(ctx context.Context, d query.Descriptor) (snap Snapshot, err error) {
	defer func() { observe("postgres", "read", err) }()

	if err := d.Validate(); err != nil {
		return Snapshot{}, err
	}
	sql, args, err := selectSQL(d)
	if err != nil {
		return Snapshot{}, err
	}

	rows, err := p.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return Snapshot{}, classify(err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(d.Resource, rows)
		if err != nil {
			return Snapshot{}, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, classify(err)
	}

	return Snapshot{Resource: d.Resource, Docs: docs, ReadAt: time.Now()}, nil
}

func (p *Postgres) Get(ctx context.Context, resource, id string) (doc Document, err error) {
	defer func() { observe("postgres", "get", err) }()

	t, err := lookupTable(resource)
	if err != nil {
		return Document{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return Document{}, apperr.NotFound(fmt.Errorf("%s/%s", resource, id))
	}

	row := p.db.Pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT t.id::text, t.created_at, t.updated_at, row_to_json(t) FROM %s t WHERE t.id = $1::uuid`,
		t.name), id)
	doc, err = scanDocument(resource, row)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (p *Postgres) Subscribe(ctx context.Context, d query.Descriptor, fn Listener) (Subscription, error) {
	return subscribe(ctx, p.feed, p.retry, d, p.Read, fn)
}

func (p *Postgres) Write(ctx context.Context, resource, id string, patch Patch) (ack WriteAck, err error) {
	defer func() { observe("postgres", "write", err) }()

	t, err := lookupTable(resource)
	if err != nil {
		return WriteAck{}, err
	}
	cols, args, err := bindPatch(t, patch)
	if err != nil {
		return WriteAck{}, err
	}

	kind := hub.ChangeUpdated
	var sql string
	if id == "" {
		kind = hub.ChangeCreated
		sql = insertSQL(t, cols) + returning
	} else {
		if _, err := uuid.Parse(id); err != nil {
			return WriteAck{}, apperr.NotFound(fmt.Errorf("%s/%s", resource, id))
		}
		sets := make([]string, 0, len(cols)+1)
		for i, c := range cols {
			sets = append(sets, fmt.Sprintf("%s = %s", c, t.columns[c].placeholder(i+2)))
		}
		sets = append(sets, "updated_at = NOW()")
		sql = fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1::uuid`, t.name, strings.Join(sets, ", ")) + returning
		args = append([]any{id}, args...)
	}

	if err := p.db.Pool.QueryRow(ctx, sql, args...).Scan(&ack.ID, &ack.CreatedAt, &ack.UpdatedAt); err != nil {
		return WriteAck{}, classify(err)
	}

	p.publish(resource, ack.ID, kind, ack.UpdatedAt)
	return ack, nil
}

func (p *Postgres) Set(ctx context.Context, resource, id string, fields Patch) (ack WriteAck, err error) {
	defer func() { observe("postgres", "set", err) }()

	t, err := lookupTable(resource)
	if err != nil {
		return WriteAck{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return WriteAck{}, apperr.Invalid("id", "must be a uuid")
	}
	cols, args, err := bindPatch(t, fields)
	if err != nil {
		return WriteAck{}, err
	}

	updates := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	updates = append(updates, "updated_at = NOW()")

	sql := insertSQL(t, append([]string{"id"}, cols...)) +
		" ON CONFLICT (id) DO UPDATE SET " + strings.Join(updates, ", ") + returning
	args = append([]any{id}, args...)

	if err := p.db.Pool.QueryRow(ctx, sql, args...).Scan(&ack.ID, &ack.CreatedAt, &ack.UpdatedAt); err != nil {
		return WriteAck{}, classify(err)
	}

	// A fresh row gets both stamps from the same NOW().
	kind := hub.ChangeUpdated
	if ack.CreatedAt.Equal(ack.UpdatedAt) {
		kind = hub.ChangeCreated
	}
	p.publish(resource, ack.ID, kind, ack.UpdatedAt)
	return ack, nil
}

func (p *Postgres) Delete(ctx context.Context, resource, id string) (err error) {
	defer func() { observe("postgres", "delete", err) }()

	t, err := lookupTable(resource)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}

	tag, err := p.db.Pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1::uuid`, t.name), id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() > 0 {
		p.publish(resource, id, hub.ChangeDeleted, time.Now())
	}
	return nil
}

func (p *Postgres) publish(resource, id string, kind hub.ChangeKind, at time.Time) {
	if p.feed == nil {
		return
	}
	p.feed.Publish(hub.Change{Resource: resource, ID: id, Kind: kind, At: at})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(resource string, row scanner) (Document, error) {
	var (
		doc Document
		raw []byte
	)
	if err := row.Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt, &raw); err != nil {
		return Document{}, classify(err)
	}
	if err := json.Unmarshal(raw, &doc.Fields); err != nil {
		return Document{}, fmt.Errorf("decode %s/%s: %w", resource, doc.ID, err)
	}
	doc.Resource = resource
	return doc, nil
}

// selectSQL renders d as a SELECT over the resource table.
func selectSQL(d query.Descriptor) (string, []any, error) {
	t, err := lookupTable(d.Resource)
	if err != nil {
		return "", nil, err
	}

	var (
		where []string
		args  []any
	)
	for _, f := range d.Filters {
		typ, err := t.column(f.Field)
		if err != nil {
			return "", nil, err
		}
		col := "t." + f.Field

		if f.Op == query.In {
			list, err := typ.convertList(f.Field, f.Values())
			if err != nil {
				return "", nil, err
			}
			args = append(args, list)
			where = append(where, fmt.Sprintf("%s = ANY(%s)", col, typ.arrayPlaceholder(len(args))))
			continue
		}

		v, err := typ.convert(f.Field, f.Value)
		if err != nil {
			return "", nil, err
		}
		if v == nil {
			switch f.Op {
			case query.Eq:
				where = append(where, col+" IS NULL")
				continue
			case query.Ne:
				where = append(where, col+" IS NOT NULL")
				continue
			default:
				return "", nil, apperr.Invalid(f.Field, "null only compares with == and !=")
			}
		}
		args = append(args, v)
		op := string(f.Op)
		if f.Op == query.Eq {
			op = "="
		} else if f.Op == query.Ne {
			op = "<>"
		}
		where = append(where, fmt.Sprintf("%s %s %s", col, op, typ.placeholder(len(args))))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT t.id::text, t.created_at, t.updated_at, row_to_json(t) FROM %s t", t.name)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if d.OrderBy != nil {
		if _, err := t.column(d.OrderBy.Field); err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if d.OrderBy.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY t.%s %s, t.id", d.OrderBy.Field, dir)
	} else {
		b.WriteString(" ORDER BY t.id")
	}
	return b.String(), args, nil
}

// bindPatch validates patch against t and returns its columns, sorted, with
// the converted arguments in the same order.
func bindPatch(t table, patch Patch) ([]string, []any, error) {
	cols := make([]string, 0, len(patch))
	for field := range patch {
		if _, ok := bookkeeping[field]; ok {
			continue
		}
		if _, err := t.column(field); err != nil {
			return nil, nil, err
		}
		cols = append(cols, field)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	for _, c := range cols {
		v, err := t.columns[c].convert(c, patch[c])
		if err != nil {
			return nil, nil, err
		}
		args = append(args, v)
	}
	return cols, args, nil
}

const returning = " RETURNING id::text, created_at, updated_at"

func insertSQL(t table, cols []string) string {
	if len(cols) == 0 {
		return fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES`, t.name)
	}
	holders := make([]string, len(cols))
	for i, c := range cols {
		holders[i] = t.columns[c].placeholder(i + 1)
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		t.name, strings.Join(cols, ", "), strings.Join(holders, ", "))
}

func observe(driver, op string, err error) {
	metrics.StoreOp(driver, op, apperr.Kind(err))
}
