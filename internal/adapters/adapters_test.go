package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/tools"
)

var loopbackPolicy = policy.Policy{AllowDomains: []string{"127.0.0.1"}, AllowLoopback: true, AllowCapabilities: []string{"tools.*"}}

func TestBraveSearch_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("q") != "go orchestration" || r.URL.Query().Get("count") != "2" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"A","url":"https://a.example","description":"first"},
			{"title":"B","url":"https://b.example","description":"second"},
			{"title":"C","url":"https://c.example","description":"third"}]}}`))
	}))
	defer srv.Close()

	b := NewBraveSearch("key", loopbackPolicy).WithEndpoint(srv.URL)
	results, err := b.Search(context.Background(), "go orchestration", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[1].Snippet != "second" {
		t.Fatalf("results = %+v", results)
	}
}

func TestBraveSearch_PolicyDenied(t *testing.T) {
	b := NewBraveSearch("key", policy.Policy{})
	if _, err := b.Search(context.Background(), "x", 5); err == nil {
		t.Fatal("expected policy denial")
	}
	if NewBraveSearch("", loopbackPolicy).Available() {
		t.Fatal("provider without key must be unavailable")
	}
}

func TestParseHTMLResults(t *testing.T) {
	html := `<a class="result__a" href="/l/?uddg=https%3A%2F%2Freal.com%2Fpage">Real <b>Title</b></a>
		<a class="result__snippet">Snippet one</a>
		<a class="result__a" href="https://other.com">Other</a>
		<a class="result__snippet">Snippet two</a>`
	results := parseHTMLResults(html, 5)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].URL != "https://real.com/page" || results[0].Title != "Real Title" {
		t.Fatalf("first = %+v", results[0])
	}
	if len(parseHTMLResults(html, 1)) != 1 {
		t.Fatal("limit not applied")
	}
}

type stubProvider struct {
	name      string
	available bool
	err       error
	calls     int
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) Available() bool { return s.available }
func (s *stubProvider) Search(context.Context, string, int) ([]tools.SearchResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []tools.SearchResult{{Title: s.name}}, nil
}

func TestSearchChain(t *testing.T) {
	first := &stubProvider{name: "first", available: true, err: errors.New("down")}
	offline := &stubProvider{name: "offline"}
	last := &stubProvider{name: "last", available: true}

	chain := NewSearchChain("", nil, first, offline, last)
	results, err := chain.Search(context.Background(), "q", 5)
	if err != nil || results[0].Title != "last" {
		t.Fatalf("results = %+v, err = %v", results, err)
	}
	if offline.calls != 0 {
		t.Fatal("unavailable provider was called")
	}

	preferred := NewSearchChain("last", nil, first, offline, last)
	if preferred.Providers()[0].Name() != "last" {
		t.Fatalf("preferred order = %s", preferred.Providers()[0].Name())
	}

	if _, err := NewSearchChain("", nil, offline).Search(context.Background(), "q", 5); !errors.Is(err, ErrNoSearchProvider) {
		t.Fatalf("err = %v", err)
	}
}

func TestKnowledge_SearchKnowledge(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "k.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.AddKnowledge(ctx, &persistence.KnowledgeDoc{ScopeID: "ws1", Title: "Brand voice", Content: "Friendly and direct tone."}); err != nil {
		t.Fatalf("add: %v", err)
	}
	hits, err := NewKnowledge(store).SearchKnowledge(ctx, "ws1", "what tone should we use", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "Brand voice" {
		t.Fatalf("hits = %+v", hits)
	}
}
