// Package schema loads the declarative entity registry and is the single
// source of truth for "what is a valid Memory of type T": field validation,
// anchor-text resolution, and per-type validator closures.
package schema

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/memglab/memg/src/memory/model"
)

// FieldSpec describes one payload field of an entity type.
type FieldSpec struct {
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Default     any      `yaml:"default"`
	Choices     []string `yaml:"choices"`
	MaxLength   int      `yaml:"max_length"`
	// System marks fields managed by the core; they are stripped from caller
	// payloads rather than validated.
	System bool `yaml:"system"`
}

// EntitySpec is one declared entity type. Anchor has no default: a
// silently-wrong anchor silently corrupts all future search for the type.
type EntitySpec struct {
	Name        string
	Description string               `yaml:"description"`
	Anchor      string               `yaml:"anchor"`
	Fields      map[string]FieldSpec `yaml:"fields"`
}

type registryFile struct {
	Entities  map[string]EntitySpec `yaml:"entities"`
	Relations []string              `yaml:"relations"`
}

// ValidatorFunc validates and cleans a payload for one entity type. It has
// identical accept/reject behavior to Translator.ValidateAndClean.
type ValidatorFunc func(payload map[string]any) (map[string]any, error)

// Keys a caller might mistakenly include in a payload; they belong to the
// core Memory record and are stripped, never stored in the entity payload.
var systemReservedKeys = []string{"id", "user_id", "created_at", "updated_at", "vector"}

// Translator holds a loaded entity registry. Immutable after Load; safe for
// concurrent use.
type Translator struct {
	path       string
	entities   map[string]EntitySpec
	relations  map[string]struct{}
	relOrder   []string
	validators map[string]ValidatorFunc
}

// Load reads and validates a YAML entity registry. Missing anchors fail here,
// at load time, not on first use.
func Load(path string) (*Translator, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &model.SchemaError{Op: "load", Reason: "schema path is empty"}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &model.SchemaError{Op: "load", Reason: fmt.Sprintf("open schema: %v", err)}
	}
	defer f.Close()

	// Limit read to 1 MiB for safety.
	data, err := io.ReadAll(io.LimitReader(f, 1<<20))
	if err != nil {
		return nil, &model.SchemaError{Op: "load", Reason: fmt.Sprintf("read schema: %v", err)}
	}
	return Parse(data, path)
}

// Parse builds a Translator from raw YAML bytes.
func Parse(data []byte, path string) (*Translator, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &model.SchemaError{Op: "load", Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if len(file.Entities) == 0 {
		return nil, &model.SchemaError{Op: "load", Reason: "schema declares no entities"}
	}

	t := &Translator{
		path:       path,
		entities:   make(map[string]EntitySpec, len(file.Entities)),
		relations:  make(map[string]struct{}, len(file.Relations)),
		validators: make(map[string]ValidatorFunc, len(file.Entities)),
	}
	for name, spec := range file.Entities {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, &model.SchemaError{Op: "load", Reason: "entity with empty name"}
		}
		if strings.TrimSpace(spec.Anchor) == "" {
			return nil, &model.SchemaError{
				Op:         "load",
				EntityType: key,
				Reason:     "missing required anchor declaration",
			}
		}
		spec.Name = key
		spec.Anchor = strings.TrimSpace(spec.Anchor)
		t.entities[key] = spec
		t.validators[key] = t.buildValidator(spec)
	}
	for _, rel := range file.Relations {
		rel = strings.ToUpper(strings.TrimSpace(rel))
		if rel == "" {
			continue
		}
		if _, ok := t.relations[rel]; !ok {
			t.relations[rel] = struct{}{}
			t.relOrder = append(t.relOrder, rel)
		}
	}
	return t, nil
}

// EntitySpec returns the declared spec for an entity type.
func (t *Translator) EntitySpec(entityType string) (EntitySpec, error) {
	key := strings.ToLower(strings.TrimSpace(entityType))
	if key == "" {
		return EntitySpec{}, &model.SchemaError{Op: "entity_spec", Reason: "empty entity type"}
	}
	spec, ok := t.entities[key]
	if !ok {
		return EntitySpec{}, &model.SchemaError{
			Op:         "entity_spec",
			EntityType: entityType,
			Reason:     fmt.Sprintf("unknown entity type; declared types: %s", strings.Join(t.Types(), ", ")),
		}
	}
	return spec, nil
}

// AnchorField returns the payload key whose string value becomes the
// embedding text for the given type.
func (t *Translator) AnchorField(entityType string) (string, error) {
	spec, err := t.EntitySpec(entityType)
	if err != nil {
		return "", err
	}
	return spec.Anchor, nil
}

// Types lists the declared entity type names, sorted.
func (t *Translator) Types() []string {
	out := make([]string, 0, len(t.entities))
	for name := range t.entities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validator returns the prebuilt validator closure for an entity type.
func (t *Translator) Validator(entityType string) (ValidatorFunc, error) {
	key := strings.ToLower(strings.TrimSpace(entityType))
	fn, ok := t.validators[key]
	if !ok {
		return nil, &model.SchemaError{Op: "validator", EntityType: entityType, Reason: "unknown entity type"}
	}
	return fn, nil
}

// ValidateAndClean checks required fields, enforces enum choices and length
// caps, strips system-reserved keys, applies declared defaults, and leaves
// every other caller-supplied key untouched (open-world payload).
func (t *Translator) ValidateAndClean(entityType string, payload map[string]any) (map[string]any, error) {
	fn, err := t.Validator(entityType)
	if err != nil {
		return nil, err
	}
	return fn(payload)
}

func (t *Translator) buildValidator(spec EntitySpec) ValidatorFunc {
	return func(payload map[string]any) (map[string]any, error) {
		if payload == nil {
			return nil, &model.ValidationError{Op: "validate", Reason: "payload is required"}
		}

		cleaned := make(map[string]any, len(payload))
		for k, v := range payload {
			cleaned[k] = v
		}
		for _, key := range systemReservedKeys {
			delete(cleaned, key)
		}
		for name, field := range spec.Fields {
			if field.System {
				delete(cleaned, name)
			}
		}

		var missing []string
		for name, field := range spec.Fields {
			if !field.Required || field.System {
				continue
			}
			if isEmptyValue(cleaned[name]) {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, &model.ValidationError{
				Op:     "validate",
				Field:  strings.Join(missing, ", "),
				Reason: fmt.Sprintf("missing required fields for type %q", spec.Name),
			}
		}

		for name, field := range spec.Fields {
			val, present := cleaned[name]
			if !present || isEmptyValue(val) {
				if field.Default != nil {
					cleaned[name] = field.Default
				}
				continue
			}
			if len(field.Choices) > 0 {
				s := model.StringFromAny(val)
				if !contains(field.Choices, s) {
					return nil, &model.ValidationError{
						Op:      "validate",
						Field:   name,
						Value:   s,
						Allowed: append([]string(nil), field.Choices...),
						Reason:  fmt.Sprintf("value not in declared choices for type %q", spec.Name),
					}
				}
			}
			if field.MaxLength > 0 {
				// Length limits count runes, not bytes.
				if s, ok := val.(string); ok && utf8.RuneCountInString(s) > field.MaxLength {
					return nil, &model.ValidationError{
						Op:     "validate",
						Field:  name,
						Reason: fmt.Sprintf("exceeds max_length %d for type %q", field.MaxLength, spec.Name),
					}
				}
			}
		}
		return cleaned, nil
	}
}

// BuildAnchorText resolves the anchor field for the memory's type and returns
// its trimmed payload value. Empty anchors are a hard failure: callers must
// never embed empty strings.
func (t *Translator) BuildAnchorText(mem *model.Memory) (string, error) {
	if mem == nil || strings.TrimSpace(mem.MemoryType) == "" {
		return "", &model.SchemaError{Op: "build_anchor_text", Reason: "memory missing memory_type"}
	}
	anchorField, err := t.AnchorField(mem.MemoryType)
	if err != nil {
		return "", err
	}
	anchor, _ := mem.Payload[anchorField].(string)
	anchor = strings.TrimSpace(anchor)
	if anchor == "" {
		return "", &model.SchemaError{
			Op:         "build_anchor_text",
			EntityType: mem.MemoryType,
			Reason:     fmt.Sprintf("anchor field %q is missing or empty", anchorField),
		}
	}
	return anchor, nil
}

// NewMemory validates a payload against the registry and constructs a Memory.
// The anchor field must be present; refusing here keeps un-embeddable
// memories out of the pipeline entirely.
func (t *Translator) NewMemory(entityType string, payload map[string]any, userID string) (*model.Memory, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &model.ValidationError{Op: "new_memory", Field: "user_id", Reason: "user id is required"}
	}
	anchorField, err := t.AnchorField(entityType)
	if err != nil {
		return nil, err
	}
	anchor, _ := payload[anchorField].(string)
	if strings.TrimSpace(anchor) == "" {
		return nil, &model.ValidationError{
			Op:     "new_memory",
			Field:  anchorField,
			Reason: fmt.Sprintf("missing or empty anchor field for type %q", strings.ToLower(entityType)),
		}
	}
	cleaned, err := t.ValidateAndClean(entityType, payload)
	if err != nil {
		return nil, err
	}
	return model.NewMemory(strings.ToLower(strings.TrimSpace(entityType)), cleaned, userID), nil
}

// RelationNames lists declared relationship predicates in declaration order.
func (t *Translator) RelationNames() []string {
	return append([]string(nil), t.relOrder...)
}

// ValidRelation reports whether a predicate is declared. When the registry
// declares no relations, every well-formed predicate is accepted.
func (t *Translator) ValidRelation(name string) bool {
	if len(t.relations) == 0 {
		return true
	}
	_, ok := t.relations[strings.ToUpper(strings.TrimSpace(name))]
	return ok
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
