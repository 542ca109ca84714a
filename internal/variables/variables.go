// Package variables expands $name placeholders in header values and
// resolves the client address of a request.
package variables

import (
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/gatekeeper/internal/middleware/realip"
)

// varPattern matches $variable_name
var varPattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// Context carries the per-request values variables resolve against.
type Context struct {
	Request   *http.Request
	RequestID string
	Route     string
	ClientIP  string
	ClientID  string // empty until authenticated
}

// HasVariables returns true if the template contains variables
func HasVariables(template string) bool {
	return varPattern.MatchString(template)
}

// Expand replaces every known $variable in template. Unknown names are left
// as written.
func Expand(template string, ctx *Context) string {
	if !HasVariables(template) {
		return template
	}
	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		if v, ok := Get(match[1:], ctx); ok {
			return v
		}
		return match
	})
}

// Get returns the value of a single variable.
func Get(name string, ctx *Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if prefix, suffix, ok := parseDynamic(name); ok {
		return getDynamic(prefix, suffix, ctx)
	}

	switch name {
	case "request_id":
		return ctx.RequestID, true
	case "route":
		return ctx.Route, true
	case "client_ip":
		return ctx.ClientIP, true
	case "client_id":
		return ctx.ClientID, true
	case "time_unix":
		return strconv.FormatInt(time.Now().Unix(), 10), true
	case "time_iso8601":
		return time.Now().Format(time.RFC3339), true
	}

	r := ctx.Request
	if r == nil {
		return "", false
	}
	switch name {
	case "request_method":
		return r.Method, true
	case "request_path":
		return r.URL.Path, true
	case "query_string":
		return r.URL.RawQuery, true
	case "host":
		return r.Host, true
	case "scheme":
		if r.TLS != nil {
			return "https", true
		}
		return "http", true
	}
	return "", false
}

// parseDynamic splits http_x_foo into ("http", "x_foo") and arg_page into
// ("arg", "page").
func parseDynamic(name string) (prefix, suffix string, ok bool) {
	for _, p := range [...]string{"http_", "arg_", "cookie_"} {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			return p[:len(p)-1], name[len(p):], true
		}
	}
	return "", "", false
}

func getDynamic(prefix, suffix string, ctx *Context) (string, bool) {
	r := ctx.Request
	if r == nil {
		return "", false
	}
	switch prefix {
	case "http":
		return r.Header.Get(headerName(suffix)), true
	case "arg":
		return r.URL.Query().Get(suffix), true
	case "cookie":
		if c, err := r.Cookie(suffix); err == nil {
			return c.Value, true
		}
		return "", true
	}
	return "", false
}

// headerName converts x_custom_header to X-Custom-Header
func headerName(name string) string {
	return http.CanonicalHeaderKey(strings.ReplaceAll(name, "_", "-"))
}

// ExtractClientIP returns the client address resolved by the trusted-proxy
// resolver for this request, or the connection's remote host when none was
// resolved. Forwarding headers are never read here.
func ExtractClientIP(r *http.Request) string {
	if ip := realip.FromContext(r.Context()); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
