package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/memglab/memg/src/memory/model"
)

// Neo4jAccessMode controls whether a session is opened for read or write.
type Neo4jAccessMode string

const (
	AccessModeWrite Neo4jAccessMode = "write"
	AccessModeRead  Neo4jAccessMode = "read"
)

// Neo4jSessionConfig mirrors the minimal subset of session configuration we
// require.
type Neo4jSessionConfig struct {
	AccessMode   Neo4jAccessMode
	DatabaseName string
}

// neo4jDriver abstracts the driver capabilities used by the store. Tests
// provide lightweight fakes; the real driver lives behind the neo4j build tag.
type neo4jDriver interface {
	NewSession(ctx context.Context, config Neo4jSessionConfig) (neo4jSession, error)
	Close(ctx context.Context) error
}

type neo4jSession interface {
	Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error)
	Close(ctx context.Context) error
}

type neo4jResult interface {
	Next(ctx context.Context) bool
	Record() neo4jRecord
	Err() error
	Close(ctx context.Context) error
}

type neo4jRecord interface {
	Keys() []string
	Get(key string) (any, bool)
}

// ErrNeo4jUnavailable is returned when graph operations are attempted without
// a configured driver.
var ErrNeo4jUnavailable = errors.New("neo4j driver not configured")

// ErrHasRelationships marks a node deletion blocked by existing
// relationships. Callers must see this instead of a silent success.
var ErrHasRelationships = errors.New("node has existing relationships")

var (
	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	uuidRe  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// Neo4jGraph implements GraphStore on top of a Neo4j driver.
type Neo4jGraph struct {
	driver   neo4jDriver
	database string
	// validPredicate gates relationship types when a schema registry is
	// active; nil accepts any well-formed predicate.
	validPredicate func(string) bool
	nowFn          func() time.Time
}

var _ GraphStore = (*Neo4jGraph)(nil)

// NewNeo4jGraph wires a GraphStore over the provided driver.
func NewNeo4jGraph(driver neo4jDriver, database string) (*Neo4jGraph, error) {
	if driver == nil {
		return nil, ErrNeo4jUnavailable
	}
	return &Neo4jGraph{driver: driver, database: database, nowFn: time.Now}, nil
}

// WithPredicateRegistry installs the schema's relationship whitelist.
func (g *Neo4jGraph) WithPredicateRegistry(valid func(string) bool) *Neo4jGraph {
	g.validPredicate = valid
	return g
}

// EnsureSchema creates the memory constraints and indexes. Idempotent.
func (g *Neo4jGraph) EnsureSchema(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf("CREATE CONSTRAINT IF NOT EXISTS FOR (m:%s) REQUIRE m.id IS UNIQUE", model.NodeLabel),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS FOR (m:%s) ON (m.user_id)", model.NodeLabel),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS FOR (m:%s) ON (m.memory_type)", model.NodeLabel),
	}
	session, err := g.session(ctx, AccessModeWrite)
	if err != nil {
		return err
	}
	defer session.Close(ctx)
	for _, query := range queries {
		res, runErr := session.Run(ctx, query, nil)
		if runErr != nil {
			return &model.StoreError{Op: "ensure_schema", Reason: "schema query failed", Err: runErr}
		}
		if res != nil {
			_ = res.Close(ctx)
		}
	}
	return nil
}

// AddNode upserts a node by its id property.
func (g *Neo4jGraph) AddNode(ctx context.Context, label string, props map[string]any) error {
	if err := validLabel(label); err != nil {
		return err
	}
	id := model.StringFromAny(props["id"])
	if id == "" {
		return &model.StoreError{Op: "add_node", Reason: "node properties missing id"}
	}
	session, err := g.session(ctx, AccessModeWrite)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	query := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props, n.updated_at = $updated_at", label)
	params := map[string]any{
		"id":         id,
		"props":      props,
		"updated_at": g.now().Format(time.RFC3339Nano),
	}
	res, err := session.Run(ctx, query, params)
	if err != nil {
		return &model.StoreError{Op: "add_node", Key: id, Reason: "upsert failed", Err: err}
	}
	if res != nil {
		_ = res.Close(ctx)
	}
	return nil
}

// AddRelationship creates a directed typed relationship between two nodes.
// Undeclared predicates are rejected when a registry is active.
func (g *Neo4jGraph) AddRelationship(ctx context.Context, fromLabel, toLabel, relType, fromID, toID string, props map[string]any) error {
	if err := validLabel(fromLabel); err != nil {
		return err
	}
	if err := validLabel(toLabel); err != nil {
		return err
	}
	relType = strings.ToUpper(strings.TrimSpace(relType))
	if !identRe.MatchString(relType) {
		return &model.ValidationError{Op: "add_relationship", Field: "rel_type", Value: relType, Reason: "relationship type is not a valid identifier"}
	}
	if g.validPredicate != nil && !g.validPredicate(relType) {
		return &model.ValidationError{Op: "add_relationship", Field: "rel_type", Value: relType, Reason: "relationship predicate not declared in schema"}
	}
	if fromID == "" || toID == "" {
		return &model.StoreError{Op: "add_relationship", Reason: "from and to ids are required"}
	}
	session, err := g.session(ctx, AccessModeWrite)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	if props == nil {
		props = map[string]any{}
	}
	query := fmt.Sprintf(
		"MATCH (a:%s {id: $from_id}), (b:%s {id: $to_id}) MERGE (a)-[r:%s]->(b) SET r += $props, r.updated_at = $updated_at",
		fromLabel, toLabel, relType,
	)
	params := map[string]any{
		"from_id":    fromID,
		"to_id":      toID,
		"props":      props,
		"updated_at": g.now().Format(time.RFC3339Nano),
	}
	res, err := session.Run(ctx, query, params)
	if err != nil {
		return &model.StoreError{Op: "add_relationship", Key: fromID, Reason: "create " + relType + " failed", Err: err}
	}
	if res != nil {
		_ = res.Close(ctx)
	}
	return nil
}

// Candidates lists nodes scoped by the filters, most recently updated first.
func (g *Neo4jGraph) Candidates(ctx context.Context, label string, f Filters, limit int) ([]map[string]any, error) {
	if err := validLabel(label); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var where []string
	params := map[string]any{"limit": limit}
	if f.UserID != "" {
		where = append(where, "m.user_id = $user_id")
		params["user_id"] = f.UserID
	}
	if f.MemoryType != "" {
		where = append(where, "m.memory_type = $memory_type")
		params["memory_type"] = strings.ToLower(f.MemoryType)
	}
	if !f.Since.IsZero() {
		where = append(where, "m.created_at >= $since")
		params["since"] = f.Since.UTC().Format(time.RFC3339Nano)
	}
	query := fmt.Sprintf("MATCH (m:%s)", label)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += `
RETURN m.id AS id, m.user_id AS user_id, m.memory_type AS memory_type,
       m.hrid AS hrid, m.anchor AS anchor, m.tags AS tags,
       m.confidence AS confidence, m.is_valid AS is_valid,
       m.created_at AS created_at, m.supersedes AS supersedes,
       m.superseded_by AS superseded_by
ORDER BY coalesce(m.updated_at, m.created_at) DESC
LIMIT $limit`
	return g.Query(ctx, query, params)
}

// Query runs a parametrized read query and returns row maps.
func (g *Neo4jGraph) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session, err := g.session(ctx, AccessModeRead)
	if err != nil {
		return nil, err
	}
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, &model.StoreError{Op: "graph_query", Reason: "query failed", Err: err}
	}
	defer result.Close(ctx)

	var rows []map[string]any
	for result.Next(ctx) {
		rec := result.Record()
		if rec == nil {
			continue
		}
		row := make(map[string]any)
		for _, key := range rec.Keys() {
			if v, ok := rec.Get(key); ok {
				row[key] = v
			}
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, &model.StoreError{Op: "graph_query", Reason: "result iteration failed", Err: err}
	}
	return rows, nil
}

// Neighbors fetches nodes adjacent to one node. The label/id arguments are
// cross-checked: an id-shaped label or a non-id node id is a caller bug.
func (g *Neo4jGraph) Neighbors(ctx context.Context, label, id string, relTypes []string, direction string, limit int, neighborLabel string) ([]map[string]any, error) {
	if uuidRe.MatchString(label) {
		return nil, &model.ValidationError{
			Op: "neighbors", Field: "label", Value: label,
			Reason: "label must be a node type, not an id; pass ids as the id argument",
		}
	}
	if err := validLabel(label); err != nil {
		return nil, err
	}
	if !uuidRe.MatchString(id) {
		return nil, &model.ValidationError{Op: "neighbors", Field: "id", Value: id, Reason: "node id is not a valid identifier"}
	}
	if limit <= 0 {
		limit = 10
	}

	relPart := ""
	if len(relTypes) > 0 {
		ups := make([]string, 0, len(relTypes))
		for _, r := range relTypes {
			r = strings.ToUpper(strings.TrimSpace(r))
			if !identRe.MatchString(r) {
				return nil, &model.ValidationError{Op: "neighbors", Field: "rel_types", Value: r, Reason: "relationship type is not a valid identifier"}
			}
			ups = append(ups, r)
		}
		relPart = ":" + strings.Join(ups, "|")
	}
	neighbor := ""
	if neighborLabel != "" {
		if err := validLabel(neighborLabel); err != nil {
			return nil, err
		}
		neighbor = ":" + neighborLabel
	}

	node := fmt.Sprintf("(a:%s {id: $id})", label)
	var pattern string
	switch direction {
	case "out":
		pattern = fmt.Sprintf("%s-[r%s]->(n%s)", node, relPart, neighbor)
	case "in":
		pattern = fmt.Sprintf("%s<-[r%s]-(n%s)", node, relPart, neighbor)
	default:
		pattern = fmt.Sprintf("%s-[r%s]-(n%s)", node, relPart, neighbor)
	}
	query := fmt.Sprintf(`MATCH %s
RETURN DISTINCT n.id AS id, n.user_id AS user_id, n.memory_type AS memory_type,
       n.hrid AS hrid, n.anchor AS anchor, n.created_at AS created_at,
       type(r) AS rel_type
LIMIT $limit`, pattern)
	return g.Query(ctx, query, map[string]any{"id": id, "limit": limit})
}

// DeleteNode removes one node. A deletion blocked by relationship
// constraints surfaces ErrHasRelationships rather than a silent success.
func (g *Neo4jGraph) DeleteNode(ctx context.Context, label, id string) error {
	if err := validLabel(label); err != nil {
		return err
	}
	rows, err := g.Query(ctx, fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n.id AS id", label), map[string]any{"id": id})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// Node absent; deletion is a no-op, not a failure.
		return nil
	}

	session, err := g.session(ctx, AccessModeWrite)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	res, err := session.Run(ctx, fmt.Sprintf("MATCH (n:%s {id: $id}) DELETE n", label), map[string]any{"id": id})
	if err != nil {
		low := strings.ToLower(err.Error())
		if strings.Contains(low, "relationship") || strings.Contains(low, "constraint") {
			return &model.StoreError{
				Op:     "delete_node",
				Key:    id,
				Reason: "deletion blocked; delete relationships first",
				Err:    fmt.Errorf("%w: %v", ErrHasRelationships, err),
			}
		}
		return &model.StoreError{Op: "delete_node", Key: id, Reason: "delete failed", Err: err}
	}
	if res != nil {
		_ = res.Close(ctx)
	}
	return nil
}

// Close releases the underlying driver.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	if g.driver == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

func (g *Neo4jGraph) session(ctx context.Context, mode Neo4jAccessMode) (neo4jSession, error) {
	if g.driver == nil {
		return nil, ErrNeo4jUnavailable
	}
	session, err := g.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: mode, DatabaseName: g.database})
	if err != nil {
		return nil, &model.StoreError{Op: "neo4j_session", Reason: "open session failed", Err: err}
	}
	return session, nil
}

func (g *Neo4jGraph) now() time.Time {
	if g.nowFn == nil {
		return time.Now().UTC()
	}
	return g.nowFn().UTC()
}

func validLabel(label string) error {
	if !identRe.MatchString(label) {
		return &model.ValidationError{Op: "graph", Field: "label", Value: label, Reason: "label is not a valid identifier"}
	}
	return nil
}
