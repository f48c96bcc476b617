package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newQdrantTestServer(t *testing.T, handler http.HandlerFunc) (*QdrantIndex, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewQdrantIndex(srv.URL, "memories", "secret"), srv
}

func TestQdrantStatusUnmarshalBothForms(t *testing.T) {
	var s qdrantStatus
	if err := json.Unmarshal([]byte(`"ok"`), &s); err != nil {
		t.Fatalf("string form failed: %v", err)
	}
	if s.State != "ok" || s.Error != "" {
		t.Fatalf("unexpected status: %+v", s)
	}

	s = qdrantStatus{}
	if err := json.Unmarshal([]byte(`{"error":"collection not found"}`), &s); err != nil {
		t.Fatalf("object form failed: %v", err)
	}
	if s.State != "error" || s.Error != "collection not found" {
		t.Fatalf("unexpected status: %+v", s)
	}
}

func TestQdrantEnsureCollectionTreatsExistsAsSuccess(t *testing.T) {
	q, _ := newQdrantTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"status":{"error":"Collection memories already exists"},"result":null}`))
	})
	if err := q.EnsureCollection(context.Background(), 8); err != nil {
		t.Fatalf("already-exists must be success: %v", err)
	}
}

func TestQdrantUpsertSendsAPIKeyAndWait(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	q, _ := newQdrantTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"status":"ok","result":{}}`))
	})

	id, err := q.Upsert(context.Background(), "", []float32{0.1, 0.2}, map[string]any{
		"core":   map[string]any{"user_id": "u1"},
		"entity": map[string]any{"statement": "x"},
	})
	if err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id for empty input id")
	}
	if gotPath != "/collections/memories/points?wait=true" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotKey != "secret" {
		t.Fatalf("api key header missing, got %q", gotKey)
	}
	points, ok := gotBody["points"].([]any)
	if !ok || len(points) != 1 {
		t.Fatalf("unexpected request body: %#v", gotBody)
	}
}

func TestQdrantSearchBuildsFilterAndParsesHits(t *testing.T) {
	var gotBody map[string]any
	q, _ := newQdrantTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"status":"ok","result":[
			{"id":"p1","score":0.91,"payload":{"core":{"hrid":"NOTE_AAA000"}}},
			{"id":7,"score":0.42,"payload":{"core":{"hrid":"NOTE_AAA001"}}}
		]}`))
	})

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	points, err := q.Search(context.Background(), []float32{1}, 5, Filters{
		UserID:     "u1",
		MemoryType: "Note",
		Since:      since,
		Equals:     map[string]string{"entity.status": "OPEN"},
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(points))
	}
	if points[0].ID != "p1" || points[0].Score != 0.91 {
		t.Fatalf("unexpected first hit: %+v", points[0])
	}
	// Integer point ids must normalize to their decimal string.
	if points[1].ID != "7" {
		t.Fatalf("integer id not normalized: %q", points[1].ID)
	}

	filter, ok := gotBody["filter"].(map[string]any)
	if !ok {
		t.Fatalf("expected filter in request: %#v", gotBody)
	}
	must, _ := filter["must"].([]any)
	if len(must) != 4 {
		t.Fatalf("expected 4 must clauses (user, type, since, equals), got %#v", must)
	}
	keys := map[string]bool{}
	for _, clause := range must {
		m := clause.(map[string]any)
		keys[m["key"].(string)] = true
	}
	for _, want := range []string{"core.user_id", "core.memory_type", "core.created_at", "entity.status"} {
		if !keys[want] {
			t.Fatalf("missing filter key %s in %#v", want, keys)
		}
	}
}

func TestQdrantGetAbsentPointIsNilNil(t *testing.T) {
	q, _ := newQdrantTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","result":{"points":[]}}`))
	})
	p, err := q.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil point for absent id, got %+v", p)
	}
}

func TestQdrantServerErrorSurfacesAsStoreError(t *testing.T) {
	q, _ := newQdrantTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":{"error":"backend down"}}`))
	})
	_, err := q.Search(context.Background(), []float32{1}, 3, Filters{UserID: "u1"})
	if err == nil {
		t.Fatal("expected error from 500 response")
	}
}

func TestQdrantLastIssuedHRIDScrollsPages(t *testing.T) {
	page := 0
	q, _ := newQdrantTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		page++
		switch page {
		case 1:
			_, _ = w.Write([]byte(`{"status":"ok","result":{
				"points":[
					{"id":"a","payload":{"core":{"hrid":"NOTE_AAA003"}}},
					{"id":"b","payload":{"core":{"hrid":"NOTE_AAA010"}}}
				],
				"next_page_offset":"cursor-1"
			}}`))
		default:
			_, _ = w.Write([]byte(`{"status":"ok","result":{
				"points":[
					{"id":"c","payload":{"core":{"hrid":"NOTE_AAA007"}}},
					{"id":"d","payload":{"core":{"hrid":"garbage"}}}
				],
				"next_page_offset":null
			}}`))
		}
	})

	last, err := q.LastIssuedHRID(context.Background(), "note")
	if err != nil {
		t.Fatalf("LastIssuedHRID returned error: %v", err)
	}
	if last != "NOTE_AAA010" {
		t.Fatalf("expected NOTE_AAA010, got %s", last)
	}
	if page != 2 {
		t.Fatalf("expected 2 scroll pages, got %d", page)
	}
}
