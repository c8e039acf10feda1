package proxy

import "testing"

func TestMatchLongestPrefix(t *testing.T) {
	r, err := New([]Route{
		{Name: "a", PathPrefix: "/api/"},
		{Name: "b", PathPrefix: "/api/users/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := r.Match("/api/users/me")
	if m == nil || m.Name != "b" {
		t.Fatalf("expected longest prefix route b, got %#v", m)
	}
	if r.Match("/nothing/here") != nil {
		t.Fatal("expected no match")
	}
}

func TestNewRequiresRoutes(t *testing.T) {
	if _, err := New(nil); err != ErrNoRoutes {
		t.Fatalf("expected ErrNoRoutes, got %v", err)
	}
}

func TestStripPath(t *testing.T) {
	if got := StripPath("/api/users/me", "/api"); got != "/users/me" {
		t.Fatalf("expected /users/me, got %q", got)
	}
	if got := StripPath("/api", "/api"); got != "/" {
		t.Fatalf("expected /, got %q", got)
	}
	if got := StripPath("/other/x", "/api"); got != "/other/x" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
	if got := StripPath("/x", ""); got != "/x" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
}
