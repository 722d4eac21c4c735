package query

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Matches reports whether a document with the given fields satisfies every
// filter of d. Field values are expected in their JSON-decoded form.
func (d Descriptor) Matches(fields map[string]any) bool {
	for _, f := range d.Filters {
		if !f.matches(fields[f.Field]) {
			return false
		}
	}
	return true
}

func (f Filter) matches(actual any) bool {
	switch f.Op {
	case Eq:
		return equal(actual, f.Value)
	case Ne:
		return !equal(actual, f.Value)
	case In:
		values, _ := listValues(f.Value)
		for _, v := range values {
			if equal(actual, v) {
				return true
			}
		}
		return false
	}

	c, ok := Compare(actual, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case Lt:
		return c < 0
	case Lte:
		return c <= 0
	case Gt:
		return c > 0
	case Gte:
		return c >= 0
	}
	return false
}

func equal(actual, want any) bool {
	a, w := normalize(actual), normalize(want)
	if a == nil || w == nil {
		return a == nil && w == nil
	}
	c, ok := Compare(actual, want)
	return ok && c == 0
}

// Compare orders a stored value against a filter value. The second result
// is false when the two cannot be compared.
func Compare(actual, want any) (int, bool) {
	a, w := normalize(actual), normalize(want)

	if wt, ok := w.(time.Time); ok {
		at, ok := asTime(a)
		if !ok {
			return 0, false
		}
		return at.Compare(wt), true
	}

	switch wv := w.(type) {
	case string:
		av, ok := a.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, wv), true
	case float64:
		av, ok := a.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < wv:
			return -1, true
		case av > wv:
			return 1, true
		}
		return 0, true
	case bool:
		av, ok := a.(bool)
		if !ok {
			return 0, false
		}
		if av == wv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// normalize maps Go values onto the small set of types produced by JSON
// decoding so stored and requested values compare the same way.
func normalize(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case string, bool, float64, time.Time:
		return n
	case *time.Time:
		if n == nil {
			return nil
		}
		return *n
	case *string:
		if n == nil {
			return nil
		}
		return *n
	case fmt.Stringer:
		return n.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.String:
		return rv.String()
	}
	return v
}

func listValues(v any) ([]any, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	// uuid.UUID is a byte array and must stay a scalar.
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Values returns the list operand of an In filter.
func (f Filter) Values() []any {
	values, _ := listValues(f.Value)
	return values
}

// Normalized returns the filter value in its comparable form.
func (f Filter) Normalized() any {
	return normalize(f.Value)
}
