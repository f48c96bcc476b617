package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memglab/memg/src/memory/hrid"
	"github.com/memglab/memg/src/memory/model"
)

// PostgresIndex implements VectorIndex on Postgres + pgvector. The full
// payload lives in a JSONB column; the fields the filters need are
// denormalized into their own columns so queries stay in SQL.
type PostgresIndex struct {
	DB *pgxpool.Pool
}

var _ VectorIndex = (*PostgresIndex)(nil)

// NewPostgresIndex connects to Postgres and returns a pgvector-backed index.
func NewPostgresIndex(ctx context.Context, connStr string) (*PostgresIndex, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, &model.StoreError{Op: "postgres_connect", Reason: "failed to connect", Err: err}
	}
	return &PostgresIndex{DB: db}, nil
}

// EnsureCollection creates the extension, table and indexes for the given
// embedding dimension. Idempotent.
func (ps *PostgresIndex) EnsureCollection(ctx context.Context, dim int) error {
	if ps == nil || ps.DB == nil {
		return ErrPostgresUnavailable
	}
	if dim <= 0 {
		return &model.StoreError{Op: "ensure_collection", Reason: "embedding dimension must be positive"}
	}
	_, err := ps.DB.Exec(ctx, fmt.Sprintf(postgresSchema, dim))
	if err != nil {
		return &model.StoreError{Op: "ensure_collection", Reason: "schema execution failed", Err: err}
	}
	return nil
}

// Upsert writes one point keyed by id and returns the id used.
func (ps *PostgresIndex) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) (string, error) {
	if ps == nil || ps.DB == nil {
		return "", ErrPostgresUnavailable
	}
	id = ensurePointID(id)
	core, _ := payload["core"].(map[string]any)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", &model.StoreError{Op: "upsert", Key: id, Reason: "payload not serializable", Err: err}
	}
	createdAt := model.TimeFromAny(core["created_at"])
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = ps.DB.Exec(ctx, `
                INSERT INTO memg_points (id, user_id, memory_type, hrid, created_at, payload, embedding)
                VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::vector)
                ON CONFLICT (id) DO UPDATE SET
                        user_id = EXCLUDED.user_id,
                        memory_type = EXCLUDED.memory_type,
                        hrid = EXCLUDED.hrid,
                        payload = EXCLUDED.payload,
                        embedding = EXCLUDED.embedding
        `, id,
		model.StringFromAny(core["user_id"]),
		model.StringFromAny(core["memory_type"]),
		model.StringFromAny(core["hrid"]),
		createdAt,
		string(payloadJSON),
		vectorText(vector),
	)
	if err != nil {
		return "", &model.StoreError{Op: "upsert", Key: id, Reason: "insert failed", Err: err}
	}
	return id, nil
}

// Search returns the top-k points by cosine similarity within the filters.
func (ps *PostgresIndex) Search(ctx context.Context, vector []float32, limit int, f Filters) ([]Point, error) {
	if ps == nil || ps.DB == nil {
		return nil, ErrPostgresUnavailable
	}
	if limit <= 0 {
		return nil, nil
	}
	where, params := postgresWhere(f)
	params = append(params, vectorText(vector))
	vecArg := len(params)
	params = append(params, limit)
	return ps.queryPoints(ctx, "search", postgresSearchSQL(where, vecArg, len(params)), params)
}

// Find scrolls points matching the filters without vector scoring.
func (ps *PostgresIndex) Find(ctx context.Context, f Filters, limit int) ([]Point, error) {
	if ps == nil || ps.DB == nil {
		return nil, ErrPostgresUnavailable
	}
	if limit <= 0 {
		return nil, nil
	}
	where, params := postgresWhere(f)
	params = append(params, limit)
	query := fmt.Sprintf(`
        SELECT id, payload::text, 0 AS score
        FROM memg_points
        %s
        ORDER BY created_at DESC
        LIMIT $%d
        `, where, len(params))
	return ps.queryPoints(ctx, "find", query, params)
}

// Get fetches one point by id. Missing points return nil, nil.
func (ps *PostgresIndex) Get(ctx context.Context, id string) (*Point, error) {
	if ps == nil || ps.DB == nil {
		return nil, ErrPostgresUnavailable
	}
	var payloadText string
	err := ps.DB.QueryRow(ctx, `SELECT payload::text FROM memg_points WHERE id = $1`, id).Scan(&payloadText)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StoreError{Op: "get", Key: id, Reason: "lookup failed", Err: err}
	}
	return &Point{ID: id, Payload: decodePayload(payloadText)}, nil
}

// Delete removes the given ids.
func (ps *PostgresIndex) Delete(ctx context.Context, ids []string) error {
	if ps == nil || ps.DB == nil {
		return ErrPostgresUnavailable
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := ps.DB.Exec(ctx, `DELETE FROM memg_points WHERE id = ANY($1)`, ids)
	if err != nil {
		return &model.StoreError{Op: "delete", Reason: "delete failed", Err: err}
	}
	return nil
}

// LastIssuedHRID returns the highest HRID recorded for a memory type.
// HRIDs of one type share a fixed width, so the lexicographic max in SQL is
// the numeric max.
func (ps *PostgresIndex) LastIssuedHRID(ctx context.Context, memoryType string) (string, error) {
	if ps == nil || ps.DB == nil {
		return "", ErrPostgresUnavailable
	}
	var last *string
	err := ps.DB.QueryRow(ctx,
		`SELECT max(hrid) FROM memg_points WHERE memory_type = $1 AND hrid <> ''`,
		strings.ToLower(memoryType),
	).Scan(&last)
	if err != nil {
		return "", &model.StoreError{Op: "last_hrid", Key: memoryType, Reason: "max lookup failed", Err: err}
	}
	if last == nil {
		return "", nil
	}
	if _, _, _, perr := hrid.Parse(*last); perr != nil {
		return "", nil
	}
	return *last, nil
}

// Close releases the connection pool.
func (ps *PostgresIndex) Close() error {
	if ps == nil || ps.DB == nil {
		return nil
	}
	ps.DB.Close()
	return nil
}

// ErrPostgresUnavailable is returned when the pool is not configured.
var ErrPostgresUnavailable = &model.StoreError{Op: "postgres", Reason: "connection pool not configured"}

func (ps *PostgresIndex) queryPoints(ctx context.Context, op, query string, params []any) ([]Point, error) {
	rows, err := ps.DB.Query(ctx, query, params...)
	if err != nil {
		return nil, &model.StoreError{Op: op, Reason: "query failed", Err: err}
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var payloadText string
		if err := rows.Scan(&p.ID, &payloadText, &p.Score); err != nil {
			return nil, &model.StoreError{Op: op, Reason: "row scan failed", Err: err}
		}
		p.Payload = decodePayload(payloadText)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreError{Op: op, Reason: "row iteration failed", Err: err}
	}
	return points, nil
}

// postgresSearchSQL builds the similarity query. pgvector's cosine distance
// spans [0,2], so 1-distance spans [-1,1]; scores are clamped at zero to keep
// the [0,1] contract.
func postgresSearchSQL(where string, vecArg, limitArg int) string {
	return fmt.Sprintf(`
        SELECT id, payload::text, GREATEST(0, 1 - (embedding <=> $%d::vector)) AS score
        FROM memg_points
        %s
        ORDER BY embedding <=> $%d::vector
        LIMIT $%d
        `, vecArg, where, vecArg, limitArg)
}

func postgresWhere(f Filters) (string, []any) {
	var clauses []string
	var params []any
	add := func(clause string, value any) {
		params = append(params, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(params)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.MemoryType != "" {
		add("memory_type = $%d", strings.ToLower(f.MemoryType))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	for key, value := range f.Equals {
		// Equals keys are dotted payload paths, e.g. "core.hrid".
		params = append(params, strings.Split(key, "."), value)
		clauses = append(clauses, fmt.Sprintf("payload #>> $%d::text[] = $%d", len(params)-1, len(params)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), params
}

func decodePayload(text string) map[string]any {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func vectorText(vector []float32) string {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memg_points (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    memory_type TEXT NOT NULL DEFAULT '',
    hrid TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ DEFAULT NOW(),
    payload JSONB,
    embedding vector(%d)
);

CREATE INDEX IF NOT EXISTS memg_points_user_idx ON memg_points (user_id);
CREATE INDEX IF NOT EXISTS memg_points_type_idx ON memg_points (memory_type);
CREATE INDEX IF NOT EXISTS memg_points_hrid_idx ON memg_points (memory_type, hrid);
CREATE INDEX IF NOT EXISTS memg_points_embedding_idx ON memg_points USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
