package httptrigger

import (
	"fmt"
	"strings"
)

// Route is one registered route table entry.
type Route struct {
	// Pattern is the route as declared: literal segments, ":name" named
	// parameters, and an optional trailing "*" or "*name" wildcard.
	Pattern string

	// TriggerID and ComponentID identify the binding.
	TriggerID   string
	ComponentID string

	// Executor selects how the component handles requests ("http" or
	// "wagi").
	Executor string

	order int
}

// Match is the outcome of a route lookup.
type Match struct {
	Route *Route

	// Params holds named-parameter captures by name.
	Params map[string]string

	// Trailing is the path text the wildcard consumed, with a leading slash,
	// or empty.
	Trailing string
}

// ComponentRoute is the pattern with any trailing wildcard removed.
func (m *Match) ComponentRoute() string {
	pattern := m.Route.Pattern
	if idx := strings.LastIndex(pattern, "/*"); idx >= 0 {
		if idx == 0 {
			return "/"
		}
		return pattern[:idx]
	}
	return pattern
}

// Router is a prefix trie over route patterns. Lookup prefers literal
// segments over named parameters over wildcards, so the most specific
// declared route wins; equal patterns resolve to the first declared.
type Router struct {
	root   *node
	routes []*Route
}

type node struct {
	literals map[string]*node

	param     *node
	paramName string

	wildcard     *Route
	wildcardName string

	leaf *Route
}

func newNode() *node {
	return &node{literals: make(map[string]*node)}
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{root: newNode()}
}

// Add registers a route. Patterns must start with "/"; a wildcard may only
// be the final segment. The first of two identical patterns wins.
func (r *Router) Add(route Route) error {
	if !strings.HasPrefix(route.Pattern, "/") {
		return fmt.Errorf("route %q must start with /", route.Pattern)
	}
	if route.Executor == "" {
		route.Executor = "http"
	}
	route.order = len(r.routes)
	stored := route
	r.routes = append(r.routes, &stored)

	segments := splitPath(route.Pattern)
	current := r.root
	for i, segment := range segments {
		switch {
		case strings.HasPrefix(segment, "*"):
			if i != len(segments)-1 {
				return fmt.Errorf("route %q: wildcard must be the last segment", route.Pattern)
			}
			if current.wildcard == nil {
				current.wildcard = &stored
				current.wildcardName = strings.TrimPrefix(segment, "*")
			}
			return nil
		case strings.HasPrefix(segment, ":"):
			name := segment[1:]
			if name == "" {
				return fmt.Errorf("route %q: empty parameter name", route.Pattern)
			}
			if current.param == nil {
				current.param = newNode()
				current.paramName = name
			}
			current = current.param
		default:
			child, ok := current.literals[segment]
			if !ok {
				child = newNode()
				current.literals[segment] = child
			}
			current = child
		}
	}
	if current.leaf == nil {
		current.leaf = &stored
	}
	return nil
}

// Routes returns the registered routes in declaration order.
func (r *Router) Routes() []*Route {
	return r.routes
}

// Lookup resolves a request path to its route, or nil when nothing matches.
func (r *Router) Lookup(path string) *Match {
	segments := splitPath(path)
	m := &matcher{}
	if !m.walk(r.root, segments, nil) {
		return nil
	}
	params := make(map[string]string, len(m.params))
	for _, p := range m.params {
		params[p.name] = p.value
	}
	return &Match{Route: m.route, Params: params, Trailing: m.trailing}
}

type capture struct {
	name  string
	value string
}

type matcher struct {
	route    *Route
	params   []capture
	trailing string
}

// walk descends the trie, preferring literal children, then the parameter
// child, then a wildcard, backtracking when a branch dead-ends.
func (m *matcher) walk(n *node, segments []string, params []capture) bool {
	if len(segments) == 0 {
		if n.leaf != nil {
			m.route, m.params, m.trailing = n.leaf, params, ""
			return true
		}
		// A wildcard also matches its own base path with nothing trailing.
		if n.wildcard != nil {
			m.route, m.params, m.trailing = n.wildcard, params, ""
			return true
		}
		return false
	}

	head, rest := segments[0], segments[1:]
	if child, ok := n.literals[head]; ok {
		if m.walk(child, rest, params) {
			return true
		}
	}
	if n.param != nil {
		if m.walk(n.param, rest, append(params, capture{name: n.paramName, value: head})) {
			return true
		}
	}
	if n.wildcard != nil {
		m.route = n.wildcard
		m.params = params
		m.trailing = "/" + strings.Join(segments, "/")
		if n.wildcardName != "" {
			m.params = append(params, capture{name: n.wildcardName, value: strings.Join(segments, "/")})
		}
		return true
	}
	return false
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
