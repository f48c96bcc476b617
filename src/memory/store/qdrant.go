package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memglab/memg/src/memory/hrid"
	"github.com/memglab/memg/src/memory/model"
)

type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceDot    Distance = "Dot"
	DistanceEuclid Distance = "Euclid"
)

// qdrantStatus supports both `status: "ok"` and `status: {"error":"..."}`.
type qdrantStatus struct {
	State string
	Error string
}

func (s *qdrantStatus) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Error != "" {
		s.State = "error"
		s.Error = obj.Error
	}
	return nil
}

type qdrantEnvelope[T any] struct {
	Status qdrantStatus `json:"status"`
	Time   float64      `json:"time"`
	Result T            `json:"result"`
}

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

type qdrantScrollResult struct {
	Points []qdrantPoint   `json:"points"`
	Offset json.RawMessage `json:"next_page_offset"`
}

type qdrantGetResult struct {
	Points []qdrantPoint `json:"points"`
}

// QdrantIndex implements VectorIndex against Qdrant's REST API.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
}

var _ VectorIndex = (*QdrantIndex)(nil)

// NewQdrantIndex creates a Qdrant-backed VectorIndex.
func NewQdrantIndex(baseURL, collection, apiKey string) *QdrantIndex {
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	return &QdrantIndex{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// EnsureCollection creates the collection if needed. "already exists" from
// the server is treated as success.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dim int) error {
	if q.collection == "" {
		return &model.StoreError{Op: "ensure_collection", Reason: "qdrant collection is empty"}
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": string(DistanceCosine)},
	}
	var resp qdrantEnvelope[json.RawMessage]
	err := q.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", url.PathEscape(q.collection)), body, &resp)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		return err
	}
	if resp.Status.Error != "" && !strings.Contains(strings.ToLower(resp.Status.Error), "already exists") {
		return &model.StoreError{Op: "ensure_collection", Reason: resp.Status.Error}
	}
	return nil
}

// Upsert writes one point. A missing id gets a fresh UUID, which becomes the
// memory's canonical id.
func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) (string, error) {
	if q.collection == "" {
		return "", &model.StoreError{Op: "upsert", Reason: "qdrant collection is empty"}
	}
	id = ensurePointID(id)
	req := map[string]any{
		"points": []map[string]any{{
			"id":      id,
			"vector":  vector,
			"payload": payload,
		}},
	}
	var resp qdrantEnvelope[json.RawMessage]
	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(q.collection))
	if err := q.do(ctx, http.MethodPut, path, req, &resp); err != nil {
		return "", err
	}
	if !strings.EqualFold(resp.Status.State, "ok") && resp.Status.Error != "" {
		return "", &model.StoreError{Op: "upsert", Key: id, Reason: resp.Status.Error}
	}
	return id, nil
}

// Search runs a filtered similarity query.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, limit int, f Filters) ([]Point, error) {
	if limit <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter := buildQdrantFilter(f); filter != nil {
		req["filter"] = filter
	}
	var resp qdrantEnvelope[[]qdrantPoint]
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(q.collection))
	if err := q.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(resp.Result))
	for _, p := range resp.Result {
		out = append(out, Point{ID: qdrantID(p.ID), Score: p.Score, Payload: p.Payload})
	}
	return out, nil
}

// Find scrolls points matching the filters without a query vector.
func (q *QdrantIndex) Find(ctx context.Context, f Filters, limit int) ([]Point, error) {
	if limit <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
	}
	if filter := buildQdrantFilter(f); filter != nil {
		req["filter"] = filter
	}
	var resp qdrantEnvelope[qdrantScrollResult]
	path := fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(q.collection))
	if err := q.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		out = append(out, Point{ID: qdrantID(p.ID), Payload: p.Payload})
	}
	return out, nil
}

// Get fetches one point by id, (nil, nil) when absent.
func (q *QdrantIndex) Get(ctx context.Context, id string) (*Point, error) {
	req := map[string]any{
		"ids":          []string{id},
		"with_payload": true,
	}
	var resp qdrantEnvelope[qdrantGetResult]
	path := fmt.Sprintf("/collections/%s/points", url.PathEscape(q.collection))
	if err := q.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.Points) == 0 {
		return nil, nil
	}
	p := resp.Result.Points[0]
	return &Point{ID: qdrantID(p.ID), Payload: p.Payload}, nil
}

// Delete removes points by id.
func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	req := map[string]any{"points": ids}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(q.collection))
	return q.do(ctx, http.MethodPost, path, req, nil)
}

// LastIssuedHRID scrolls points of one memory type and returns the highest
// stored HRID. Same-type HRIDs are fixed width, so ordering is resolved via
// their packed index.
func (q *QdrantIndex) LastIssuedHRID(ctx context.Context, memoryType string) (string, error) {
	const pageSize = 256
	const maxPages = 100000 // hard stop against offset loops

	filter := buildQdrantFilter(Filters{MemoryType: strings.ToLower(memoryType)})
	var offset json.RawMessage
	prevOffset := ""
	best := ""
	var bestIdx int64

	for page := 0; page < maxPages; page++ {
		req := map[string]any{
			"limit":        pageSize,
			"with_payload": map[string]any{"include": []string{"core.hrid"}},
		}
		if filter != nil {
			req["filter"] = filter
		}
		if offset != nil {
			req["offset"] = offset
		}
		var resp qdrantEnvelope[qdrantScrollResult]
		path := fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(q.collection))
		if err := q.do(ctx, http.MethodPost, path, req, &resp); err != nil {
			return "", err
		}
		for _, p := range resp.Result.Points {
			core, _ := p.Payload["core"].(map[string]any)
			h := model.StringFromAny(core["hrid"])
			if h == "" {
				continue
			}
			idx, err := hrid.ToIndex(h)
			if err != nil {
				continue
			}
			if best == "" || idx > bestIdx {
				best, bestIdx = h, idx
			}
		}
		raw := strings.TrimSpace(string(resp.Result.Offset))
		if len(resp.Result.Points) == 0 || raw == "" || strings.EqualFold(raw, "null") || raw == prevOffset {
			return best, nil
		}
		prevOffset = raw
		offset = resp.Result.Offset
	}
	return "", fmt.Errorf("qdrant scroll: hit page limit (%d), possible offset loop", maxPages)
}

func buildQdrantFilter(f Filters) map[string]any {
	var must []map[string]any
	if f.UserID != "" {
		must = append(must, matchClause("core.user_id", f.UserID))
	}
	if f.MemoryType != "" {
		must = append(must, matchClause("core.memory_type", strings.ToLower(f.MemoryType)))
	}
	if !f.Since.IsZero() {
		must = append(must, map[string]any{
			"key":   "core.created_at",
			"range": map[string]any{"gte": f.Since.UTC().Format(time.RFC3339Nano)},
		})
	}
	for key, val := range f.Equals {
		must = append(must, matchClause(key, val))
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func matchClause(key, value string) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body, out any) error {
	u := q.baseURL + path

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return &model.StoreError{Op: "qdrant " + method + " " + path, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return &model.StoreError{
			Op:     "qdrant " + method + " " + path,
			Reason: fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))),
		}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return err
		}
	}
	return nil
}

// qdrantID normalizes integer or string point ids to a string.
func qdrantID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fmt.Sprintf("%d", n)
	}
	return strings.Trim(string(raw), `"`)
}
