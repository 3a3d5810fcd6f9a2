package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

const rangeFixture = `{
	"status": "success",
	"data": {
		"result": [
			{
				"metric": {"__name__": "cpu_usage", "instance": "edge-01"},
				"values": [[1717243200, "41.5"], [1717243215, "42.0"], [1717243230, "not-a-number"]]
			},
			{
				"metric": {"instance": "edge-02"},
				"values": [[1717243200, "7.25"]]
			}
		]
	}
}`

func TestFetchParsesRangeResponse(t *testing.T) {
	var gotPath string
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("query")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(rangeFixture))
	}))
	defer server.Close()

	fetcher := NewVictoria(VictoriaOptions{BaseURL: server.URL}, testLogger())

	from := time.Unix(1717243200, 0).UTC()
	samples, err := fetcher.Fetch(context.Background(), `{__name__=~".+"}`, from, from.Add(time.Minute), 15*time.Second)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if gotPath != "/api/v1/query_range" {
		t.Fatalf("request path = %s", gotPath)
	}
	if gotQuery != `{__name__=~".+"}` {
		t.Fatalf("request query = %s", gotQuery)
	}

	// Two parseable cpu_usage rows, one skipped row, one unnamed series row.
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
	first := samples[0]
	if first.Entity != "cpu_usage" || first.Value != 41.5 || !first.Timestamp.Equal(from) {
		t.Fatalf("first sample = %+v", first)
	}
	if samples[2].Entity != "unknown" {
		t.Fatalf("unnamed series entity = %s, want unknown", samples[2].Entity)
	}
}

func TestFetchRejectsEmptyQuery(t *testing.T) {
	fetcher := NewVictoria(VictoriaOptions{BaseURL: "http://localhost:0"}, testLogger())
	if _, err := fetcher.Fetch(context.Background(), "", time.Now(), time.Now(), 15*time.Second); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestFetchReportsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer server.Close()

	fetcher := NewVictoria(VictoriaOptions{BaseURL: server.URL}, testLogger())
	if _, err := fetcher.Fetch(context.Background(), "cpu_usage", time.Now(), time.Now(), 15*time.Second); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestFetchReportsBackendFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "error", "error": "cannot parse query"}`))
	}))
	defer server.Close()

	fetcher := NewVictoria(VictoriaOptions{BaseURL: server.URL}, testLogger())
	if _, err := fetcher.Fetch(context.Background(), "cpu_usage{", time.Now(), time.Now(), 15*time.Second); err == nil {
		t.Fatal("expected error for backend failure status")
	}
}

func TestGroupByEntityPreservesFirstSeenOrder(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Entity: "b", Timestamp: base, Value: 1},
		{Entity: "a", Timestamp: base, Value: 2},
		{Entity: "b", Timestamp: base.Add(15 * time.Second), Value: 3},
		{Entity: "c", Timestamp: base, Value: 4},
	}

	order, groups := GroupByEntity(samples)
	if len(order) != 3 || order[0] != "b" || order[1] != "a" || order[2] != "c" {
		t.Fatalf("order = %v", order)
	}
	if len(groups["b"]) != 2 || groups["b"][1].Value != 3 {
		t.Fatalf("group b = %+v", groups["b"])
	}
}
