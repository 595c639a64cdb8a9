package fetchx

import (
	"dqx0.com/go/fetch/fetchx/internal/http1"
)

// Header holds request/response headers with case-insensitive names and
// stable ordering: names keep first-insertion order, values per name
// keep arrival order. The zero value is ready to use.
type Header struct {
	keys []string
	m    map[string][]string
}

func (h *Header) lazyInit() {
	if h.m == nil {
		h.m = make(map[string][]string)
	}
}

// Get returns the first value for key, or "".
func (h *Header) Get(key string) string {
	if h == nil || h.m == nil {
		return ""
	}
	if vv := h.m[http1.CanonicalKey(key)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Values returns all values for key in arrival order.
func (h *Header) Values(key string) []string {
	if h == nil || h.m == nil {
		return nil
	}
	return h.m[http1.CanonicalKey(key)]
}

// Set replaces all values for key. A new key keeps its insertion slot.
func (h *Header) Set(key, value string) {
	h.lazyInit()
	k := http1.CanonicalKey(key)
	if _, ok := h.m[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.m[k] = []string{value}
}

// Add appends value to key, creating the key at the end of the order.
func (h *Header) Add(key, value string) {
	h.lazyInit()
	k := http1.CanonicalKey(key)
	if _, ok := h.m[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.m[k] = append(h.m[k], value)
}

// Del removes key entirely.
func (h *Header) Del(key string) {
	if h == nil || h.m == nil {
		return
	}
	k := http1.CanonicalKey(key)
	if _, ok := h.m[k]; !ok {
		return
	}
	delete(h.m, k)
	for i, name := range h.keys {
		if name == k {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the canonical names in insertion order.
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Len returns the number of distinct header names.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	var out Header
	if h == nil {
		return out
	}
	for _, k := range h.keys {
		for _, v := range h.m[k] {
			out.Add(k, v)
		}
	}
	return out
}

// fields flattens to wire order: names in insertion order, one field
// per value.
func (h *Header) fields() []http1.Field {
	if h == nil {
		return nil
	}
	var out []http1.Field
	for _, k := range h.keys {
		for _, v := range h.m[k] {
			out = append(out, http1.Field{Name: k, Value: v})
		}
	}
	return out
}

func headerFromFields(fields []http1.Field) Header {
	var h Header
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}
