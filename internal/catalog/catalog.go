// Package catalog models a point-in-time snapshot of the target system's
// schema/table/field tree and resolves loosely-specified table and field
// references against it. The snapshot is fetched once per run and held
// read-only apart from reconciler bookkeeping.
package catalog

import (
	"errors"
	"strings"

	"github.com/metabridge-labs/metabridge/internal/format"
)

// ErrNotFound is returned when a reference does not resolve. Ambiguous
// unqualified names deliberately fail closed with the same error: guessing
// between schemas is worse than skipping.
var ErrNotFound = errors.New("not found in catalog")

// Field is one column of a catalog table.
type Field struct {
	ID          int
	Name        string
	DisplayName string
	Description string

	VisibilityType string
	// SemanticType uses SemanticTypeKey as its attribute name on the wire;
	// older targets call it "special_type".
	SemanticType    string
	SemanticTypeKey string

	FKTargetFieldID  int // 0 means none
	HasFieldValues   string
	CoercionStrategy string
	Settings         map[string]any

	// Raw keeps the attributes we do not model, for passthrough diffing.
	Raw map[string]any
}

// Table is one relation of the catalog snapshot.
type Table struct {
	ID     int
	Name   string
	Schema string

	DisplayName      string
	Description      string
	PointsOfInterest string
	Caveats          string
	VisibilityType   string

	Raw map[string]any

	fields map[string]*Field
}

// NewTable wires fields into the table's lookup index.
func NewTable(t Table, fields []*Field) *Table {
	t.fields = make(map[string]*Field, len(fields))
	for _, f := range fields {
		t.fields[format.Normalize(f.Name)] = f
	}
	return &t
}

// Key returns the qualified key the table is addressed by. Schemas that
// already carry a catalog prefix (multi-catalog connections expose
// "db.schema") yield three-segment keys.
func (t *Table) Key() string {
	return format.Normalize(t.Schema) + "." + format.Normalize(t.Name)
}

// Field resolves a field by name within the table. Case-insensitive, no
// fallback heuristics.
func (t *Table) Field(name string) (*Field, error) {
	if f, ok := t.fields[format.Normalize(name)]; ok {
		return f, nil
	}
	return nil, ErrNotFound
}

// Fields returns the table's field index keyed by normalized name.
func (t *Table) Fields() map[string]*Field {
	return t.fields
}

// TableRef is a possibly partially-qualified reference to a table.
type TableRef struct {
	Database string
	Schema   string
	Name     string
}

// ParseTableRef splits a dotted reference into its segments.
func ParseTableRef(s string) TableRef {
	segments := strings.Split(s, ".")
	switch len(segments) {
	case 1:
		return TableRef{Name: segments[0]}
	case 2:
		return TableRef{Schema: segments[0], Name: segments[1]}
	default:
		return TableRef{
			Database: segments[0],
			Schema:   strings.Join(segments[1:len(segments)-1], "."),
			Name:     segments[len(segments)-1],
		}
	}
}

// Snapshot is the resolved table tree of one run.
type Snapshot struct {
	tables map[string]*Table
	byName map[string][]string
	byID   map[int]*Table

	multiCatalog bool
}

// NewSnapshot indexes tables for resolution. multiCatalog enables the
// catalog-qualified fallback strategy; it reflects the run's execution
// context (more than one database in play), not a property of any single
// reference.
func NewSnapshot(tables []*Table, multiCatalog bool) *Snapshot {
	s := &Snapshot{
		tables:       make(map[string]*Table, len(tables)),
		byName:       map[string][]string{},
		byID:         make(map[int]*Table, len(tables)),
		multiCatalog: multiCatalog,
	}
	for _, t := range tables {
		key := t.Key()
		s.tables[key] = t
		name := format.Normalize(t.Name)
		s.byName[name] = append(s.byName[name], key)
		s.byID[t.ID] = t
	}
	return s
}

// MultiCatalog reports whether the catalog-qualified fallback is enabled.
func (s *Snapshot) MultiCatalog() bool {
	return s.multiCatalog
}

// strategy produces one candidate key for a reference, or "" when it does
// not apply. Strategies are tried in order; first hit wins.
type strategy func(ref TableRef) string

func directKey(ref TableRef) string {
	if ref.Schema == "" {
		return ""
	}
	return format.Normalize(ref.Schema) + "." + format.Normalize(ref.Name)
}

func (s *Snapshot) catalogKey(ref TableRef) string {
	if !s.multiCatalog || ref.Database == "" || ref.Schema == "" {
		return ""
	}
	return format.Normalize(ref.Database) + "." + format.Normalize(ref.Schema) + "." + format.Normalize(ref.Name)
}

// ResolveTable resolves a table reference to a snapshot table. The direct
// schema-qualified key is always tried first; the catalog-qualified key is a
// fallback layered on top for multi-catalog runs. Unqualified references
// resolve only when the name is unique across schemas.
func (s *Snapshot) ResolveTable(ref TableRef) (*Table, error) {
	if ref.Name == "" {
		return nil, ErrNotFound
	}

	if ref.Schema == "" {
		keys := s.byName[format.Normalize(ref.Name)]
		if len(keys) != 1 {
			return nil, ErrNotFound
		}
		return s.tables[keys[0]], nil
	}

	for _, strat := range []strategy{directKey, s.catalogKey} {
		key := strat(ref)
		if key == "" {
			continue
		}
		if t, ok := s.tables[key]; ok {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

// ResolveField resolves (table reference, field name) in one step.
func (s *Snapshot) ResolveField(ref TableRef, field string) (*Field, error) {
	t, err := s.ResolveTable(ref)
	if err != nil {
		return nil, err
	}
	return t.Field(field)
}

// TableByID maps a target-side table id back to its snapshot table. Used by
// the exposure extractor to walk dependencies in reverse.
func (s *Snapshot) TableByID(id int) (*Table, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// Tables returns the snapshot's table index keyed by qualified name.
func (s *Snapshot) Tables() map[string]*Table {
	return s.tables
}
