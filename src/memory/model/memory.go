package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeLabel is the single graph label under which every memory is mirrored.
const NodeLabel = "Memory"

// anchorNodeCap bounds the denormalized anchor copied onto graph nodes.
const anchorNodeCap = 200

// Memory is the central entity: a typed payload with core metadata. The
// payload holds only fields accepted by the schema validator for the type.
type Memory struct {
	ID           string         `json:"id"`
	HRID         string         `json:"hrid,omitempty"`
	UserID       string         `json:"user_id"`
	MemoryType   string         `json:"memory_type"`
	Payload      map[string]any `json:"payload"`
	Tags         []string       `json:"tags,omitempty"`
	Confidence   float64        `json:"confidence"`
	IsValid      bool           `json:"is_valid"`
	CreatedAt    time.Time      `json:"created_at"`
	Supersedes   string         `json:"supersedes,omitempty"`
	SupersededBy string         `json:"superseded_by,omitempty"`
}

// NewMemory constructs a Memory with generated id and default metadata.
// Payload validation is the schema translator's job, not this constructor's.
func NewMemory(memoryType string, payload map[string]any, userID string) *Memory {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Memory{
		ID:         uuid.NewString(),
		UserID:     userID,
		MemoryType: strings.TrimSpace(memoryType),
		Payload:    payload,
		Confidence: 0.8,
		IsValid:    true,
		CreatedAt:  time.Now().UTC(),
	}
}

// VectorPayload renders the {core, entity} point payload. The two-sub-object
// split is a hard external contract shared with every store reader.
func (m *Memory) VectorPayload() map[string]any {
	return map[string]any{
		"core": map[string]any{
			"id":            m.ID,
			"user_id":       m.UserID,
			"memory_type":   m.MemoryType,
			"tags":          append([]string(nil), m.Tags...),
			"confidence":    m.Confidence,
			"is_valid":      m.IsValid,
			"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
			"hrid":          m.HRID,
			"supersedes":    m.Supersedes,
			"superseded_by": m.SupersededBy,
		},
		"entity": m.Payload,
	}
}

// GraphNode renders the graph-side mirror: core metadata plus a denormalized
// anchor string for cheap graph filtering. Never the full payload.
func (m *Memory) GraphNode(anchorField string) map[string]any {
	anchor := TruncateRunes(strings.TrimSpace(StringFromAny(m.Payload[anchorField])), anchorNodeCap)
	return map[string]any{
		"id":            m.ID,
		"user_id":       m.UserID,
		"memory_type":   m.MemoryType,
		"tags":          strings.Join(m.Tags, ","),
		"confidence":    m.Confidence,
		"is_valid":      m.IsValid,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"hrid":          m.HRID,
		"supersedes":    m.Supersedes,
		"superseded_by": m.SupersededBy,
		"anchor":        anchor,
	}
}

// MergeTags unions extra tags into the memory, dropping duplicates and blanks.
func (m *Memory) MergeTags(extra []string) {
	if len(extra) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(m.Tags)+len(extra))
	merged := make([]string, 0, len(m.Tags)+len(extra))
	for _, t := range append(append([]string(nil), m.Tags...), extra...) {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		merged = append(merged, t)
	}
	m.Tags = merged
}

// FromVectorPayload rebuilds a Memory from a stored {core, entity} payload.
func FromVectorPayload(id string, payload map[string]any) Memory {
	core, _ := payload["core"].(map[string]any)
	entity, _ := payload["entity"].(map[string]any)
	if entity == nil {
		entity = map[string]any{}
	}
	mem := Memory{
		ID:           id,
		HRID:         StringFromAny(core["hrid"]),
		UserID:       StringFromAny(core["user_id"]),
		MemoryType:   StringFromAny(core["memory_type"]),
		Payload:      entity,
		Tags:         StringsFromAny(core["tags"]),
		Confidence:   FloatFromAny(core["confidence"], 0.8),
		IsValid:      BoolFromAny(core["is_valid"], true),
		CreatedAt:    TimeFromAny(core["created_at"]),
		Supersedes:   StringFromAny(core["supersedes"]),
		SupersededBy: StringFromAny(core["superseded_by"]),
	}
	if mem.ID == "" {
		mem.ID = StringFromAny(core["id"])
	}
	return mem
}

// FromGraphRow rebuilds a Memory from a graph query row. Graph nodes carry
// core metadata plus the denormalized anchor only, so the payload is at most
// {anchorField: anchor}.
func FromGraphRow(row map[string]any, anchorField string) Memory {
	payload := map[string]any{}
	if anchorField != "" {
		if anchor := strings.TrimSpace(StringFromAny(row["anchor"])); anchor != "" {
			payload[anchorField] = anchor
		}
	}
	mem := Memory{
		ID:           StringFromAny(row["id"]),
		HRID:         StringFromAny(row["hrid"]),
		UserID:       StringFromAny(row["user_id"]),
		MemoryType:   StringFromAny(row["memory_type"]),
		Payload:      payload,
		Confidence:   FloatFromAny(row["confidence"], 0.8),
		IsValid:      BoolFromAny(row["is_valid"], true),
		CreatedAt:    TimeFromAny(row["created_at"]),
		Supersedes:   StringFromAny(row["supersedes"]),
		SupersededBy: StringFromAny(row["superseded_by"]),
	}
	if raw := StringFromAny(row["tags"]); raw != "" {
		mem.Tags = strings.Split(raw, ",")
	}
	return mem
}
