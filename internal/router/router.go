package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/wudi/gatekeeper/internal/config"
)

// Route is a compiled route. It is immutable once the Router holding it has
// been built.
type Route struct {
	Path         string
	Destinations []*url.URL
	StripPrefix  bool
	Config       config.RouteConfig

	segments  []string // normalized path segments
	configIdx int      // position in the configuration file
}

// Destination returns the backend selected for a request. The first
// configured destination is always used, for HTTP and WebSocket alike.
func (route *Route) Destination() *url.URL {
	return route.Destinations[0]
}

// ForwardPath returns the path sent to the backend for reqPath: the
// remainder after the route prefix when StripPrefix is set, otherwise
// reqPath unchanged. The remainder is "" when nothing follows the prefix.
func (route *Route) ForwardPath(reqPath string) string {
	if !route.StripPrefix {
		return reqPath
	}
	prefix := strings.TrimSuffix(route.Path, "/")
	if strings.HasPrefix(reqPath, prefix) {
		return reqPath[len(prefix):]
	}

	// Request path is not byte-for-byte prefixed (repeated slashes); fall
	// back to the matched segments.
	rest := splitPath(reqPath)[len(route.segments):]
	if len(rest) == 0 {
		return ""
	}
	out := "/" + strings.Join(rest, "/")
	if strings.HasSuffix(reqPath, "/") {
		out += "/"
	}
	return out
}

// Router resolves request paths to routes by longest segment prefix.
type Router struct {
	routes []*Route // longest prefix first
	byPath map[string]*Route
}

// New compiles routes into a Router. Destination URLs are parsed once here.
func New(routes []config.RouteConfig) (*Router, error) {
	rt := &Router{
		routes: make([]*Route, 0, len(routes)),
		byPath: make(map[string]*Route, len(routes)),
	}
	seen := make(map[string]string, len(routes))

	for i, rc := range routes {
		if rc.Path == "" || !strings.HasPrefix(rc.Path, "/") {
			return nil, fmt.Errorf("route %d: invalid path %q", i, rc.Path)
		}
		segments := splitPath(rc.Path)
		norm := "/" + strings.Join(segments, "/")
		if prev, dup := seen[norm]; dup {
			return nil, fmt.Errorf("route %q duplicates %q", rc.Path, prev)
		}
		seen[norm] = rc.Path

		dests := rc.AllDestinations()
		if len(dests) == 0 {
			return nil, fmt.Errorf("route %q: no destinations", rc.Path)
		}
		route := &Route{
			Path:        rc.Path,
			StripPrefix: rc.ShouldStripPrefix(),
			Config:      rc,
			segments:    segments,
			configIdx:   i,
		}
		for _, d := range dests {
			u, err := url.Parse(d)
			if err != nil || u.Host == "" {
				return nil, fmt.Errorf("route %q: invalid destination %q", rc.Path, d)
			}
			route.Destinations = append(route.Destinations, u)
		}

		rt.routes = append(rt.routes, route)
		rt.byPath[rc.Path] = route
	}

	sort.SliceStable(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].segments) > len(rt.routes[j].segments)
	})
	return rt, nil
}

// Match returns the most specific route whose path is a prefix of reqPath
// on whole segments: /api matches /api and /api/users but not /apix. Empty
// segments from repeated slashes are ignored.
func (rt *Router) Match(reqPath string) (*Route, bool) {
	reqSegments := splitPath(reqPath)
	for _, route := range rt.routes {
		if pathHasPrefix(reqSegments, route.segments) {
			return route, true
		}
	}
	return nil, false
}

// Get returns the route configured with exactly this path.
func (rt *Router) Get(path string) (*Route, bool) {
	r, ok := rt.byPath[path]
	return r, ok
}

// Routes returns all routes in configuration order.
func (rt *Router) Routes() []*Route {
	out := make([]*Route, len(rt.routes))
	copy(out, rt.routes)
	sort.Slice(out, func(i, j int) bool { return out[i].configIdx < out[j].configIdx })
	return out
}

// Len returns the number of routes.
func (rt *Router) Len() int {
	return len(rt.routes)
}

// splitPath splits a URL path into non-empty segments, so repeated
// slashes do not change which route matches.
func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}
