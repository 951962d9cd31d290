// Package header normalizes header sets for outbound requests and inbound responses.
package header

import (
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"
)

// Header is a normalized header set. Names are lower-case; every value is
// either a string or a []string.
type Header map[string]any

// Normalize drops absent values and lower-cases names. Single values stay
// scalar and multi-value headers stay ordered sequences. Names are visited
// in sorted order, so when two spellings collide the already lower-cased
// one wins. Normalizing a normalized set returns an equal set.
func Normalize(in map[string]any) Header {
	out := make(Header, len(in))

	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, ok := normalizeValue(in[name])
		if !ok {
			continue
		}
		out[strings.ToLower(name)] = v
	}
	return out
}

func normalizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		return val, true
	case *string:
		if val == nil {
			return nil, false
		}
		return *val, true
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out, true
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := normalizeValue(e); ok {
				switch s := s.(type) {
				case string:
					out = append(out, s)
				case []string:
					out = append(out, s...)
				}
			}
		}
		return out, true
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
			if rv.IsNil() {
				return nil, false
			}
		}
		return fmt.Sprint(v), true
	}
}

// FromHTTP converts a net/http header map. Single values become scalars.
func FromHTTP(h http.Header) Header {
	out := make(Header, len(h))
	for name, values := range h {
		switch len(values) {
		case 0:
			continue
		case 1:
			out[strings.ToLower(name)] = values[0]
		default:
			vs := make([]string, len(values))
			copy(vs, values)
			out[strings.ToLower(name)] = vs
		}
	}
	return out
}

// Values returns every value for name as a slice.
func (h Header) Values(name string) []string {
	switch v := h[strings.ToLower(name)].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	default:
		return nil
	}
}

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	if vs := h.Values(name); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// WriteTo copies h into dst, replacing values already present in dst.
func (h Header) WriteTo(dst http.Header) {
	for name := range h {
		dst.Del(name)
		for _, v := range h.Values(name) {
			dst.Add(name, v)
		}
	}
}
