package routing

import (
	"net/http/httptest"
	"testing"
)

func TestSpecificityPrefersLiteralsOverWildcards(t *testing.T) {
	if got := Specificity("api/orders/*"); got <= Specificity("api/**") {
		t.Fatalf("expected api/orders/* to score higher than api/**, got %d vs %d",
			Specificity("api/orders/*"), Specificity("api/**"))
	}
}

func TestResolveOrdersMostSpecificFirst(t *testing.T) {
	router, err := Build([]Entry{
		{ID: "catchall", Pattern: "**", Backend: Backend{Address: "http://catchall"}},
		{ID: "orders", Pattern: "api/orders/*", Backend: Backend{Address: "http://orders"}},
		{ID: "api", Pattern: "api/**", Backend: Backend{Address: "http://api"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/orders/42", nil)
	matches := router.Resolve(r)
	if len(matches) != 3 {
		t.Fatalf("expected all 3 patterns to match, got %d", len(matches))
	}
	if matches[0].ID != "orders" {
		t.Fatalf("expected 'orders' to be the most specific match, got %s", matches[0].ID)
	}
	if matches[len(matches)-1].ID != "catchall" {
		t.Fatalf("expected 'catchall' to be the least specific match, got %s", matches[len(matches)-1].ID)
	}
}

func TestResolveFiltersByMethodAndDomain(t *testing.T) {
	router, err := Build([]Entry{
		{ID: "post-only", Pattern: "**", Methods: []string{"POST"}, Domain: "api.example.com", Backend: Backend{Address: "http://x"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	get := httptest.NewRequest("GET", "/anything", nil)
	get.Host = "api.example.com"
	if len(router.Resolve(get)) != 0 {
		t.Fatalf("GET should not match a POST-only route")
	}

	post := httptest.NewRequest("POST", "/anything", nil)
	post.Host = "other.example.com"
	if len(router.Resolve(post)) != 0 {
		t.Fatalf("wrong domain should not match")
	}

	post.Host = "api.example.com:443"
	if len(router.Resolve(post)) != 1 {
		t.Fatalf("expected domain match ignoring port")
	}
}

func TestResolveTieBreaksByID(t *testing.T) {
	router, err := Build([]Entry{
		{ID: "b", Pattern: "x", Backend: Backend{Address: "http://b"}},
		{ID: "a", Pattern: "x", Backend: Backend{Address: "http://a"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := httptest.NewRequest("GET", "/x", nil)
	matches := router.Resolve(r)
	if len(matches) != 2 || matches[0].ID != "a" {
		t.Fatalf("expected tie broken by ID ascending, got %+v", matches)
	}
}
