package httptrigger

import "testing"

func buildRouter(t *testing.T, patterns ...string) *Router {
	t.Helper()
	r := NewRouter()
	for i, p := range patterns {
		if err := r.Add(Route{Pattern: p, ComponentID: componentFor(i), TriggerID: p}); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func componentFor(i int) string {
	return string(rune('a' + i))
}

func TestLiteralBeatsParameter(t *testing.T) {
	r := buildRouter(t, "/api/:id", "/api/users")

	m := r.Lookup("/api/users")
	if m == nil || m.Route.ComponentID != "b" {
		t.Fatalf("literal route lost: %+v", m)
	}

	m = r.Lookup("/api/42")
	if m == nil || m.Route.ComponentID != "a" {
		t.Fatalf("parameter route lost: %+v", m)
	}
	if m.Params["id"] != "42" {
		t.Errorf("id capture = %q", m.Params["id"])
	}
}

func TestWildcardCapturesTrailing(t *testing.T) {
	r := buildRouter(t, "/static/*")

	m := r.Lookup("/static/css/site.css")
	if m == nil {
		t.Fatal("no match")
	}
	if m.Trailing != "/css/site.css" {
		t.Errorf("trailing = %q", m.Trailing)
	}

	// The wildcard's own base path matches with nothing trailing.
	m = r.Lookup("/static")
	if m == nil {
		t.Fatal("base path did not match")
	}
	if m.Trailing != "" {
		t.Errorf("trailing = %q", m.Trailing)
	}
}

func TestNamedWildcard(t *testing.T) {
	r := buildRouter(t, "/files/*path")
	m := r.Lookup("/files/a/b.txt")
	if m == nil {
		t.Fatal("no match")
	}
	if m.Params["path"] != "a/b.txt" {
		t.Errorf("path capture = %q", m.Params["path"])
	}
}

func TestMoreSpecificPrefixWins(t *testing.T) {
	r := buildRouter(t, "/*", "/api/*")

	m := r.Lookup("/api/users")
	if m == nil || m.Route.ComponentID != "b" {
		t.Fatalf("longest prefix lost: %+v", m)
	}
	m = r.Lookup("/other")
	if m == nil || m.Route.ComponentID != "a" {
		t.Fatalf("fallback lost: %+v", m)
	}
}

func TestDeclarationOrderBreaksTies(t *testing.T) {
	r := buildRouter(t, "/dup", "/dup")
	m := r.Lookup("/dup")
	if m == nil || m.Route.ComponentID != "a" {
		t.Fatalf("first declared did not win: %+v", m)
	}
}

func TestNoRouteReturnsNil(t *testing.T) {
	r := buildRouter(t, "/api/users")
	if m := r.Lookup("/api/users/42"); m != nil {
		t.Fatalf("unexpected match %+v", m)
	}
	if m := r.Lookup("/"); m != nil {
		t.Fatalf("unexpected match %+v", m)
	}
}

func TestBacktrackingAcrossBranches(t *testing.T) {
	// /a/b only exists under the parameter branch; the literal branch /a
	// dead-ends and the matcher must back out of it.
	r := buildRouter(t, "/a/c", "/:x/b")
	m := r.Lookup("/a/b")
	if m == nil || m.Route.ComponentID != "b" {
		t.Fatalf("backtracking failed: %+v", m)
	}
	if m.Params["x"] != "a" {
		t.Errorf("x capture = %q", m.Params["x"])
	}
}

func TestComponentRoute(t *testing.T) {
	for pattern, want := range map[string]string{
		"/api/*":    "/api",
		"/*":        "/",
		"/api/:id":  "/api/:id",
		"/exact":    "/exact",
		"/files/*p": "/files",
	} {
		m := &Match{Route: &Route{Pattern: pattern}}
		if got := m.ComponentRoute(); got != want {
			t.Errorf("ComponentRoute(%q) = %q, want %q", pattern, got, want)
		}
	}
}

func TestLookupDeterministic(t *testing.T) {
	r := buildRouter(t, "/api/:id", "/api/users", "/api/*")
	for i := 0; i < 50; i++ {
		m := r.Lookup("/api/users")
		if m.Route.ComponentID != "b" {
			t.Fatalf("iteration %d chose %q", i, m.Route.ComponentID)
		}
	}
}

func TestRejectsMalformedPatterns(t *testing.T) {
	r := NewRouter()
	if err := r.Add(Route{Pattern: "no-slash"}); err == nil {
		t.Error("pattern without leading slash accepted")
	}
	if err := r.Add(Route{Pattern: "/a/*/b"}); err == nil {
		t.Error("interior wildcard accepted")
	}
	if err := r.Add(Route{Pattern: "/a/:"}); err == nil {
		t.Error("empty parameter name accepted")
	}
}

func TestRootRoutes(t *testing.T) {
	r := buildRouter(t, "/")
	if m := r.Lookup("/"); m == nil || m.Route.Pattern != "/" {
		t.Fatalf("root literal did not match: %+v", m)
	}
}
