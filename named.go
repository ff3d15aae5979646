package ygggo_odbc

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// parseNamed converts SQL with :name placeholders to positional ? and returns ordered names.
// Very simple parser: scans runes, recognizes :identifier sequences outside quotes.
func parseNamed(query string) (bound string, names []string) {
	var b strings.Builder
	b.Grow(len(query))
	inSingle, inDouble := false, false
	for i := 0; i < len(query); {
		ch := query[i]
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == ':' && !inSingle && !inDouble:
			// "::" is a cast, not a placeholder
			if i+1 < len(query) && query[i+1] == ':' {
				b.WriteString("::")
				i += 2
				continue
			}
			j := i + 1
			for j < len(query) && isIdentByte(query[j]) {
				j++
			}
			if j > i+1 {
				names = append(names, query[i+1:j])
				b.WriteByte('?')
				i = j
				continue
			}
		}
		b.WriteByte(ch)
		i++
	}
	return b.String(), names
}

func isIdentByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// namedField is one flattened struct field or map entry.
type namedField struct {
	name   string
	value  any
	output bool
}

// namedFields flattens a struct (using `db` tags, ",out" marks an output
// parameter) in field order, or a map[string]any in key order.
func namedFields(v any) ([]namedField, error) {
	if m, ok := v.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]namedField, 0, len(keys))
		for _, k := range keys {
			out = append(out, namedField{name: k, value: m[k]})
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer { rv = rv.Elem() }
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct or map, got %T", v)
	}
	rt := rv.Type()
	out := make([]namedField, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		tag := f.Tag.Get("db")
		if tag == "-" { continue }
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" { name = strings.ToLower(f.Name) }
		out = append(out, namedField{name: name, value: rv.Field(i).Interface(), output: opts == "out"})
	}
	return out, nil
}

// bindNamed rewrites :name placeholders to positional ones and orders arg's values to match.
func bindNamed(query string, arg any) (string, []any, error) {
	bound, names := parseNamed(query)
	fields, err := namedFields(arg)
	if err != nil { return "", nil, err }
	byName := make(map[string]any, len(fields))
	for _, f := range fields {
		byName[f.name] = f.value
	}
	args := make([]any, len(names))
	for i, n := range names {
		v, ok := byName[n]
		if !ok { return "", nil, fmt.Errorf("missing value for :%s", n) }
		args[i] = v
	}
	return bound, args, nil
}

// QueryNamed runs a query with :name placeholders bound from a struct or map.
func (c *Conn) QueryNamed(ctx context.Context, query string, arg any) (*Results, error) {
	bound, args, err := bindNamed(query, arg)
	if err != nil { return nil, err }
	return c.Query(ctx, bound, args...)
}
