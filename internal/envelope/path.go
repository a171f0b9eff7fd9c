package envelope

import "strings"

// Get resolves a dot-delimited path against a nested map. Any non-map
// intermediate on the path yields a miss.
func Get(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	cur := any(m)
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes a value at a dot-delimited path, creating intermediate maps as
// needed. Writing through a non-map intermediate is a no-op and returns false.
func Set(m map[string]any, path string, value any) bool {
	if m == nil || path == "" {
		return false
	}
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok {
			child := map[string]any{}
			cur[p] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return false
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return true
}

// Delete removes the value at a dot-delimited path. Missing paths and non-map
// intermediates are no-ops.
func Delete(m map[string]any, path string) bool {
	if m == nil || path == "" {
		return false
	}
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}
