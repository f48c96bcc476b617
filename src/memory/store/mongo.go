package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/memglab/memg/src/memory/hrid"
	"github.com/memglab/memg/src/memory/model"
)

// MongoIndex implements VectorIndex on MongoDB. Similarity is computed
// client-side after a filtered fetch, so it works against any deployment,
// not only Atlas vector search.
type MongoIndex struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ VectorIndex = (*MongoIndex)(nil)

const mongoCloseTimeout = 5 * time.Second

// mongoScanCap bounds how many filtered documents a similarity search will
// score client-side.
const mongoScanCap = 2000

// NewMongoIndex connects, pings and returns a Mongo-backed index.
func NewMongoIndex(ctx context.Context, uri, database, collection string) (*MongoIndex, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	if collection == "" {
		return nil, errors.New("mongo collection name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &MongoIndex{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// EnsureCollection creates the filter indexes. The dimension is not enforced
// by Mongo; it is recorded for operators only.
func (mi *MongoIndex) EnsureCollection(ctx context.Context, dim int) error {
	if mi == nil || mi.collection == nil {
		return nil
	}
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("user_created_at"),
		},
		{
			Keys:    bson.D{{Key: "memory_type", Value: 1}, {Key: "hrid", Value: -1}},
			Options: options.Index().SetName("type_hrid"),
		},
	}
	if _, err := mi.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return &model.StoreError{Op: "ensure_collection", Reason: "index creation failed", Err: err}
	}
	return nil
}

// Upsert writes one point keyed by id.
func (mi *MongoIndex) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) (string, error) {
	if mi == nil || mi.collection == nil {
		return "", errors.New("mongo collection not configured")
	}
	id = ensurePointID(id)
	core, _ := payload["core"].(map[string]any)
	createdAt := model.TimeFromAny(core["created_at"])
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	doc := bson.M{
		"_id":         id,
		"user_id":     model.StringFromAny(core["user_id"]),
		"memory_type": model.StringFromAny(core["memory_type"]),
		"hrid":        model.StringFromAny(core["hrid"]),
		"created_at":  createdAt,
		"payload":     payload,
		"embedding":   float64Embedding(vector),
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := mi.collection.ReplaceOne(ctx, bson.M{"_id": id}, doc, opts); err != nil {
		return "", &model.StoreError{Op: "upsert", Key: id, Reason: "replace failed", Err: err}
	}
	return id, nil
}

// Search fetches the filtered candidates and ranks them by cosine similarity.
func (mi *MongoIndex) Search(ctx context.Context, vector []float32, limit int, f Filters) ([]Point, error) {
	if mi == nil || mi.collection == nil || limit <= 0 {
		return nil, nil
	}
	cursor, err := mi.collection.Find(ctx, mongoFilter(f), options.Find().SetLimit(mongoScanCap))
	if err != nil {
		return nil, &model.StoreError{Op: "search", Reason: "candidate fetch failed", Err: err}
	}
	defer cursor.Close(ctx)

	var points []Point
	for cursor.Next(ctx) {
		var doc mongoPointDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, &model.StoreError{Op: "search", Reason: "decode failed", Err: err}
		}
		p := doc.toPoint()
		p.Score = model.CosineSimilarity(vector, doc.embedding32())
		points = append(points, p)
	}
	if err := cursor.Err(); err != nil {
		return nil, &model.StoreError{Op: "search", Reason: "cursor iteration failed", Err: err}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Score > points[j].Score })
	if len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

// Find scrolls points matching the filters, newest first.
func (mi *MongoIndex) Find(ctx context.Context, f Filters, limit int) ([]Point, error) {
	if mi == nil || mi.collection == nil || limit <= 0 {
		return nil, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := mi.collection.Find(ctx, mongoFilter(f), opts)
	if err != nil {
		return nil, &model.StoreError{Op: "find", Reason: "fetch failed", Err: err}
	}
	defer cursor.Close(ctx)

	var points []Point
	for cursor.Next(ctx) {
		var doc mongoPointDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, &model.StoreError{Op: "find", Reason: "decode failed", Err: err}
		}
		points = append(points, doc.toPoint())
	}
	return points, cursor.Err()
}

// Get fetches one point by id. Missing points return nil, nil.
func (mi *MongoIndex) Get(ctx context.Context, id string) (*Point, error) {
	if mi == nil || mi.collection == nil {
		return nil, nil
	}
	var doc mongoPointDocument
	err := mi.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StoreError{Op: "get", Key: id, Reason: "lookup failed", Err: err}
	}
	p := doc.toPoint()
	return &p, nil
}

// Delete removes the given ids.
func (mi *MongoIndex) Delete(ctx context.Context, ids []string) error {
	if mi == nil || mi.collection == nil || len(ids) == 0 {
		return nil
	}
	_, err := mi.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return &model.StoreError{Op: "delete", Reason: "delete failed", Err: err}
	}
	return nil
}

// LastIssuedHRID returns the highest HRID recorded for a memory type. HRIDs
// of one type share a fixed width, so a descending index scan yields the max.
func (mi *MongoIndex) LastIssuedHRID(ctx context.Context, memoryType string) (string, error) {
	if mi == nil || mi.collection == nil {
		return "", nil
	}
	filter := bson.M{
		"memory_type": strings.ToLower(memoryType),
		"hrid":        bson.M{"$ne": ""},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "hrid", Value: -1}})
	var doc struct {
		HRID string `bson:"hrid"`
	}
	err := mi.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", &model.StoreError{Op: "last_hrid", Key: memoryType, Reason: "lookup failed", Err: err}
	}
	if _, _, _, perr := hrid.Parse(doc.HRID); perr != nil {
		return "", nil
	}
	return doc.HRID, nil
}

// Close disconnects the client.
func (mi *MongoIndex) Close(ctx context.Context) error {
	if mi == nil || mi.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, mongoCloseTimeout)
	defer cancel()
	return mi.client.Disconnect(ctx)
}

type mongoPointDocument struct {
	ID        string    `bson:"_id"`
	Payload   bson.M    `bson:"payload"`
	Embedding []float64 `bson:"embedding"`
}

func (d mongoPointDocument) toPoint() Point {
	return Point{ID: d.ID, Payload: map[string]any(d.Payload)}
}

func (d mongoPointDocument) embedding32() []float32 {
	out := make([]float32, len(d.Embedding))
	for i, v := range d.Embedding {
		out[i] = float32(v)
	}
	return out
}

func mongoFilter(f Filters) bson.M {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.MemoryType != "" {
		filter["memory_type"] = strings.ToLower(f.MemoryType)
	}
	if !f.Since.IsZero() {
		filter["created_at"] = bson.M{"$gte": f.Since.UTC()}
	}
	for key, value := range f.Equals {
		// Equals keys are dotted payload paths, e.g. "core.hrid".
		filter["payload."+key] = value
	}
	return filter
}

func float64Embedding(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
