// Package schemacheck provides adaptive schema-drift detection for the
// change-log HTTP endpoint's JSON array response, adapted from
// payload/validator.go's snapshot-and-diff mechanism. The Scratch change-log
// endpoint is unversioned and undocumented; a silent field rename or type
// change would otherwise corrupt verb/timestamp decoding without any visible
// error.
//
// # Thread safety
//
// Validator is safe for concurrent use: a sync.RWMutex protects the baseline
// snapshot.
package schemacheck

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MismatchKind classifies the type of schema difference detected.
type MismatchKind string

const (
	MismatchKindMissing MismatchKind = "MISSING_FIELD"
	MismatchKindAdded MismatchKind = "ADDED_FIELD"
	MismatchKindTypeChange MismatchKind = "TYPE_CHANGE"
)

// Mismatch describes a single structural difference between the baseline
// record schema and a record in a current response batch.
type Mismatch struct {
	Kind MismatchKind
	Field string
	BaselineType string
	CurrentType string
}

// String renders a Mismatch for stderr logging.
func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchKindMissing:
		return fmt.Sprintf("schema mismatch [%s] field %q missing (was %s)", m.Kind, m.Field, m.BaselineType)
	case MismatchKindAdded:
		return fmt.Sprintf("schema mismatch [%s] field %q added (type %s)", m.Kind, m.Field, m.CurrentType)
	case MismatchKindTypeChange:
		return fmt.Sprintf("schema mismatch [%s] field %q type changed %s -> %s", m.Kind, m.Field, m.BaselineType, m.CurrentType)
	default:
		return fmt.Sprintf("schema mismatch [%s] field %q", m.Kind, m.Field)
	}
}

// recordSchema maps field names to their JSON type names.
type recordSchema map[string]string

// Validator learns the field schema of change-log records from the first
// non-empty batch and flags drift in every later batch.
type Validator struct {
	mu sync.RWMutex
	baseline recordSchema
}

// New creates a Validator with no baseline. The first non-empty batch passed
// to Validate establishes the reference schema.
func New() *Validator {
	return &Validator{}
}

// HasBaseline reports whether a baseline schema has been established.
func (v *Validator) HasBaseline() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.baseline != nil
}

// Validate parses raw as a JSON array of objects and compares every
// element's field schema against the baseline, returning the union of all
// mismatches found. If no baseline is set yet, the first element's schema
// becomes the baseline and only the remaining elements of that batch are
// compared against it.
func (v *Validator) Validate(raw []byte) ([]Mismatch, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("schemacheck: decode array: %w", err)
	}
	if len(elements) == 0 {
		return nil, nil
	}

	v.mu.Lock()
	if v.baseline == nil {
		s, err := extractSchema(elements[0])
		if err != nil {
			v.mu.Unlock()
			return nil, err
		}
		v.baseline = s
		elements = elements[1:]
	}
	baseline := v.baseline
	v.mu.Unlock()

	var all []Mismatch
	for _, el := range elements {
		current, err := extractSchema(el)
		if err != nil {
			return nil, err
		}
		all = append(all, diffSchemas(baseline, current)...)
	}
	return dedupe(all), nil
}

func extractSchema(data []byte) (recordSchema, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("schemacheck: unmarshal record: %w", err)
	}
	s := make(recordSchema, len(raw))
	for k, v := range raw {
		s[k] = jsonType(v)
	}
	return s, nil
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

func diffSchemas(baseline, current recordSchema) []Mismatch {
	var mismatches []Mismatch
	for field, bType := range baseline {
		cType, ok := current[field]
		if !ok {
			mismatches = append(mismatches, Mismatch{Kind: MismatchKindMissing, Field: field, BaselineType: bType})
			continue
		}
		if cType != bType {
			mismatches = append(mismatches, Mismatch{Kind: MismatchKindTypeChange, Field: field, BaselineType: bType, CurrentType: cType})
		}
	}
	for field, cType := range current {
		if _, ok := baseline[field]; !ok {
			mismatches = append(mismatches, Mismatch{Kind: MismatchKindAdded, Field: field, CurrentType: cType})
		}
	}
	sort.Slice(mismatches, func(i, j int) bool {
		if mismatches[i].Field != mismatches[j].Field {
			return mismatches[i].Field < mismatches[j].Field
		}
		return string(mismatches[i].Kind) < string(mismatches[j].Kind)
	})
	return mismatches
}

func dedupe(mismatches []Mismatch) []Mismatch {
	seen := make(map[Mismatch]bool, len(mismatches))
	out := make([]Mismatch, 0, len(mismatches))
	for _, m := range mismatches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
