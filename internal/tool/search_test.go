package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const ddgFixture = `{
  "Heading": "Go",
  "Abstract": "Go is a programming language.",
  "AbstractURL": "https://go.dev",
  "Answer": "",
  "RelatedTopics": [
    {"Text": "Gopher", "FirstURL": "https://go.dev/gopher"},
    {"Name": "Group", "Topics": [
      {"Text": "Goroutine", "FirstURL": "https://go.dev/goroutine"},
      {"Text": "Channel", "FirstURL": "https://go.dev/channel"}
    ]},
    {"Text": "", "FirstURL": ""}
  ]
}`

func newSearchServer(t *testing.T, gotQuery *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotQuery != nil {
			*gotQuery = r.URL.Query().Get("q")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(ddgFixture))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSearch(t *testing.T) {
	var q string
	srv := newSearchServer(t, &q)
	s := newSearcher(srv.URL, srv.Client())

	out, err := s.search(context.Background(), map[string]any{"query": "golang"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if q != "golang" {
		t.Fatalf("server saw query %q", q)
	}
	if out["heading"] != "Go" || out["abstract_url"] != "https://go.dev" {
		t.Fatalf("unexpected payload: %v", out)
	}
	if out["count"] != 3 {
		t.Fatalf("expected 3 flattened results, got %v", out["count"])
	}
}

func TestWebSearch_MaxResults(t *testing.T) {
	srv := newSearchServer(t, nil)
	s := newSearcher(srv.URL, srv.Client())

	out, err := s.search(context.Background(), map[string]any{"query": "go", "max_results": 2.0})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if out["count"] != 2 {
		t.Fatalf("expected 2 results, got %v", out["count"])
	}
}

func TestWebSearch_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newSearcher(srv.URL, srv.Client())
	if _, err := s.search(context.Background(), map[string]any{"query": "go"}); err == nil {
		t.Fatal("expected error on HTTP 502")
	}
}

func TestClampResults(t *testing.T) {
	for in, want := range map[int]int{-3: 1, 0: 1, 1: 1, 7: 7, 20: 20, 99: 20} {
		if got := clampResults(in); got != want {
			t.Errorf("clampResults(%d) = %d, want %d", in, got, want)
		}
	}
}
