package cache

import (
	"net/http"
	"net/url"
	"strings"
)

// BuildKey returns the cache key for a request: METHOD|path, followed by
// ?query when there is one. The query is canonicalised by sorting keys, so
// ?b=2&a=1 and ?a=1&b=2 share an entry. The values of a repeated key keep
// their order since backends may read them as a list. A query that does not
// parse is used verbatim.
func BuildKey(method, path, rawQuery string) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(rawQuery) + 2)
	b.WriteString(method)
	b.WriteByte('|')
	b.WriteString(path)
	if q := canonicalQuery(rawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

// KeyFor is BuildKey applied to r.
func KeyFor(r *http.Request) string {
	return BuildKey(r.Method, r.URL.Path, r.URL.RawQuery)
}

func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	return values.Encode() // sorts by key, keeps value order
}
