// Package query describes what to read or subscribe to in the document
// store. A Descriptor is an immutable value; its Key is used to share one
// store subscription between every consumer asking for the same data.
package query

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Op string

const (
	Eq  Op = "=="
	Ne  Op = "!="
	Lt  Op = "<"
	Lte Op = "<="
	Gt  Op = ">"
	Gte Op = ">="
	In  Op = "in"
)

func (o Op) valid() bool {
	switch o {
	case Eq, Ne, Lt, Lte, Gt, Gte, In:
		return true
	}
	return false
}

type Filter struct {
	Field string
	Op    Op
	Value any
}

func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

type Order struct {
	Field      string
	Descending bool
}

type Descriptor struct {
	Resource string
	Filters  []Filter
	OrderBy  *Order
}

// New builds a descriptor and panics if it is malformed. Descriptors are
// constructed from code, not user input, so a bad one is a programming error.
func New(resource string, filters ...Filter) Descriptor {
	d := Descriptor{Resource: resource, Filters: append([]Filter(nil), filters...)}
	if err := d.Validate(); err != nil {
		panic(err)
	}
	return d
}

// Ordered returns a copy of d ordered by field.
func (d Descriptor) Ordered(field string, descending bool) Descriptor {
	out := d.clone()
	out.OrderBy = &Order{Field: field, Descending: descending}
	return out
}

func (d Descriptor) Validate() error {
	if d.Resource == "" {
		return fmt.Errorf("query: descriptor has no resource")
	}
	for _, f := range d.Filters {
		if f.Field == "" {
			return fmt.Errorf("query: filter on %s has no field", d.Resource)
		}
		if !f.Op.valid() {
			return fmt.Errorf("query: unknown operator %q on %s.%s", f.Op, d.Resource, f.Field)
		}
		if f.Op == In {
			if _, ok := listValues(f.Value); !ok {
				return fmt.Errorf("query: %s.%s in requires a slice value", d.Resource, f.Field)
			}
		}
	}
	if d.OrderBy != nil && d.OrderBy.Field == "" {
		return fmt.Errorf("query: order on %s has no field", d.Resource)
	}
	return nil
}

// Key returns the canonical encoding of d. Filters are conjunctive, so
// their order does not change the key.
func (d Descriptor) Key() string {
	parts := make([]string, len(d.Filters))
	for i, f := range d.Filters {
		parts[i] = fmt.Sprintf("%s %s %s", f.Field, f.Op, encodeValue(f.Value))
	}
	sort.Strings(parts)

	var b strings.Builder
	b.WriteString(d.Resource)
	b.WriteString("?")
	b.WriteString(strings.Join(parts, "&"))
	if d.OrderBy != nil {
		dir := "asc"
		if d.OrderBy.Descending {
			dir = "desc"
		}
		fmt.Fprintf(&b, "#%s:%s", d.OrderBy.Field, dir)
	}
	return b.String()
}

func (d Descriptor) Equal(other Descriptor) bool {
	return d.Key() == other.Key()
}

func (d Descriptor) String() string {
	return d.Key()
}

func (d Descriptor) clone() Descriptor {
	out := Descriptor{Resource: d.Resource, Filters: append([]Filter(nil), d.Filters...)}
	if d.OrderBy != nil {
		o := *d.OrderBy
		out.OrderBy = &o
	}
	return out
}

func encodeValue(v any) string {
	if values, ok := listValues(v); ok {
		enc := make([]string, len(values))
		for i, item := range values {
			enc[i] = encodeValue(item)
		}
		sort.Strings(enc)
		return "[" + strings.Join(enc, ",") + "]"
	}
	switch n := normalize(v).(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", n)
	case time.Time:
		return "t:" + n.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%T:%v", n, n)
	}
}
