package store

import (
	"fmt"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/google/uuid"
)

type columnType int

const (
	colText columnType = iota
	colUUID
	colTime
	colBool
)

type table struct {
	name    string
	columns map[string]columnType
}

var bookkeeping = map[string]columnType{
	"id":         colUUID,
	"created_at": colTime,
	"updated_at": colTime,
}

func newTable(name string, columns map[string]columnType) table {
	for col, typ := range bookkeeping {
		columns[col] = typ
	}
	return table{name: name, columns: columns}
}

// tables lists the resources reachable through the store. Anything not
// here (credentials, refresh tokens) is invisible to readers.
var tables = map[string]table{
	Users: newTable("users", map[string]columnType{
		"email":        colText,
		"display_name": colText,
		"avatar_url":   colText,
	}),
	Projects: newTable("projects", map[string]columnType{
		"title":       colText,
		"description": colText,
		"owner_id":    colUUID,
		"kind":        colText,
		"status":      colText,
		"start_date":  colTime,
		"end_date":    colTime,
	}),
	Members: newTable("project_members", map[string]columnType{
		"project_id": colUUID,
		"user_id":    colUUID,
		"email":      colText,
		"role":       colText,
		"status":     colText,
	}),
	Invitations: newTable("project_invitations", map[string]columnType{
		"project_id":    colUUID,
		"invitee_id":    colUUID,
		"invitee_email": colText,
		"inviter_id":    colUUID,
		"status":        colText,
		"responded_at":  colTime,
	}),
	Tasks: newTable("tasks", map[string]columnType{
		"project_id":     colUUID,
		"title":          colText,
		"description":    colText,
		"priority":       colText,
		"due_date":       colTime,
		"completed":      colBool,
		"completed_at":   colTime,
		"assignee_email": colText,
		"created_by":     colUUID,
	}),
}

func lookupTable(resource string) (table, error) {
	t, ok := tables[resource]
	if !ok {
		return table{}, apperr.Invalid("resource", fmt.Sprintf("unknown resource %q", resource))
	}
	return t, nil
}

func (t table) column(field string) (columnType, error) {
	typ, ok := t.columns[field]
	if !ok {
		return 0, apperr.Invalid(field, fmt.Sprintf("unknown field of %s", t.name))
	}
	return typ, nil
}

// placeholder returns the SQL parameter reference for column type typ.
// UUIDs travel as text and are cast on the server.
func (typ columnType) placeholder(n int) string {
	if typ == colUUID {
		return fmt.Sprintf("$%d::uuid", n)
	}
	return fmt.Sprintf("$%d", n)
}

func (typ columnType) arrayPlaceholder(n int) string {
	switch typ {
	case colUUID:
		return fmt.Sprintf("$%d::uuid[]", n)
	case colTime:
		return fmt.Sprintf("$%d::timestamptz[]", n)
	case colBool:
		return fmt.Sprintf("$%d::boolean[]", n)
	default:
		return fmt.Sprintf("$%d::text[]", n)
	}
}

// convert turns a Go or JSON-decoded value into the argument pgx expects
// for a column of type typ.
func (typ columnType) convert(field string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case colUUID:
		switch x := v.(type) {
		case uuid.UUID:
			return x.String(), nil
		case *uuid.UUID:
			if x == nil {
				return nil, nil
			}
			return x.String(), nil
		case string:
			if _, err := uuid.Parse(x); err != nil {
				return nil, apperr.Invalid(field, "must be a uuid")
			}
			return x, nil
		}
	case colTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case *time.Time:
			if x == nil {
				return nil, nil
			}
			return x.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, apperr.Invalid(field, "must be an RFC 3339 timestamp")
			}
			return t.UTC(), nil
		}
	case colBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case *bool:
			if x == nil {
				return nil, nil
			}
			return *x, nil
		}
	default:
		switch x := v.(type) {
		case string:
			return x, nil
		case *string:
			if x == nil {
				return nil, nil
			}
			return *x, nil
		case fmt.Stringer:
			return x.String(), nil
		}
	}
	return nil, apperr.Invalid(field, fmt.Sprintf("unsupported value %T", v))
}

// convertList converts the elements of an "in" filter into a typed slice.
func (typ columnType) convertList(field string, values []any) (any, error) {
	switch typ {
	case colTime:
		out := make([]time.Time, 0, len(values))
		for _, v := range values {
			c, err := typ.convert(field, v)
			if err != nil {
				return nil, err
			}
			if c != nil {
				out = append(out, c.(time.Time))
			}
		}
		return out, nil
	case colBool:
		out := make([]bool, 0, len(values))
		for _, v := range values {
			c, err := typ.convert(field, v)
			if err != nil {
				return nil, err
			}
			if c != nil {
				out = append(out, c.(bool))
			}
		}
		return out, nil
	default:
		out := make([]string, 0, len(values))
		for _, v := range values {
			c, err := typ.convert(field, v)
			if err != nil {
				return nil, err
			}
			if c != nil {
				out = append(out, c.(string))
			}
		}
		return out, nil
	}
}
