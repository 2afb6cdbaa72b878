package httpproto

import "strings"

// SplitTarget splits a request target ("/path?a=1&b=2") into path and query.
func SplitTarget(target string) (path, query string) {
	path = target
	if i := strings.IndexByte(target, '?'); i >= 0 {
		path = target[:i]
		query = target[i+1:]
	}
	return
}

// ParseQuery turns "a=1&b=2" into a flat map. No percent-decoding is
// performed — handler params in this protocol are plain tokens (numbers,
// short names, single-segment file names) that never need it.
func ParseQuery(q string) map[string]string {
	m := make(map[string]string)
	if q == "" {
		return m
	}
	for _, kv := range strings.Split(q, "&") {
		if kv == "" {
			continue
		}
		p := strings.SplitN(kv, "=", 2)
		v := ""
		if len(p) == 2 {
			v = p[1]
		}
		m[p[0]] = v
	}
	return m
}
