// Package manifest reads dbt projects into a model graph that the exporter
// and the exposure extractor understand. Two readers exist: Reader parses a
// compiled manifest.json artifact, FolderReader traverses raw schema YAML
// files without a compiler's help.
package manifest

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/metabridge-labs/metabridge/internal/format"
)

// MetaNamespace is the dbt meta key prefix recognized by the readers,
// e.g. "metabase.semantic_type".
const MetaNamespace = "metabase"

// DefaultSchema is assumed when a model or catalog table carries no schema
// (the only schema in BigQuery-style single-dataset databases).
const DefaultSchema = "PUBLIC"

// Group distinguishes dbt models from dbt sources.
type Group string

const (
	GroupNodes   Group = "nodes"
	GroupSources Group = "sources"
)

// Recognized metabase.* meta keys. Anything else under the namespace is kept
// verbatim in the MetaMap and passed through to the target as-is.
const (
	MetaDisplayName      = "display_name"
	MetaVisibilityType   = "visibility_type"
	MetaSemanticType     = "semantic_type"
	MetaHasFieldValues   = "has_field_values"
	MetaCoercionStrategy = "coercion_strategy"
	MetaNumberStyle      = "number_style"
	MetaPointsOfInterest = "points_of_interest"
	MetaCaveats          = "caveats"
	MetaFKTargetTable    = "fk_target_table"
	MetaFKTargetField    = "fk_target_field"
)

// MetaMap holds metabase.* meta values keyed without the namespace prefix.
// A key present with a nil value means "explicitly null": the exporter clears
// the corresponding attribute in the target instead of leaving it alone.
type MetaMap map[string]any

// Has reports whether the key was declared at all (including explicit null).
func (m MetaMap) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// IsNull reports whether the key was declared as an explicit null.
func (m MetaMap) IsNull(key string) bool {
	v, ok := m[key]
	return ok && v == nil
}

// String returns the value coerced to a string, or "" when absent or null.
func (m MetaMap) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

// scanMeta extracts namespaced keys from a dbt meta mapping.
func scanMeta(meta map[string]any) MetaMap {
	if len(meta) == 0 {
		return nil
	}
	prefix := MetaNamespace + "."
	out := MetaMap{}
	for key, value := range meta {
		if rest, ok := strings.CutPrefix(key, prefix); ok && rest != "" {
			out[rest] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TestSpec is one declared test or constraint on a column.
type TestSpec struct {
	Kind   string   // not_null, unique, relationships, accepted_values
	To     string   // relationships: ref()/source() expression or resolved table
	Field  string   // relationships: target field name
	Values []string // accepted_values
}

// Column belongs to exactly one Model.
type Column struct {
	Name        string
	Description string
	Meta        MetaMap
	Tests       []TestSpec

	// Effective foreign key target, already reconciled between explicit meta
	// overrides and relationships tests (overrides win). Both are normalized
	// upper-case; FKTargetTable is "SCHEMA.TABLE" or "DB.SCHEMA.TABLE".
	FKTargetTable string
	FKTargetField string
}

// SemanticType returns the effective semantic type annotation: "type/FK" when
// a foreign key target is set, otherwise whatever the meta declares.
func (c *Column) SemanticType() string {
	if c.FKTargetTable != "" && c.FKTargetField != "" {
		return "type/FK"
	}
	return c.Meta.String(MetaSemanticType)
}

// Model is a named relation defined by the dbt project.
type Model struct {
	Database string
	Schema   string
	Group    Group

	// Name is the physical relation name (alias or identifier when present).
	Name string
	// DBTName is the declarative name when it differs from Name, i.e. the
	// model was aliased. refs always use the declarative name.
	DBTName string

	Description string
	UniqueID    string
	Source      string // source group name, sources only
	Tags        []string
	Meta        MetaMap

	Columns []*Column
}

// Ref returns the dbt reference expression addressing this model.
func (m *Model) Ref() string {
	name := m.Name
	if m.DBTName != "" {
		name = m.DBTName
	}
	switch m.Group {
	case GroupNodes:
		return fmt.Sprintf("ref('%s')", name)
	case GroupSources:
		return fmt.Sprintf("source('%s', '%s')", m.Source, name)
	}
	return ""
}

// QualifiedName returns the lower-cased "database.schema.name" path under
// which the model materializes. Used to match catalog tables back to models.
func (m *Model) QualifiedName() string {
	schema := m.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	return strings.ToLower(m.Database + "." + schema + "." + m.Name)
}

// FormatDescription renders the table description pushed to the target,
// optionally appending dbt tags and a docs link.
func (m *Model) FormatDescription(appendTags bool, docsURL string) string {
	var sections []string

	if m.Description != "" {
		sections = append(sections, m.Description)
	}
	if appendTags && len(m.Tags) > 0 {
		sections = append(sections, "Tags: "+strings.Join(m.Tags, ", "))
	}
	if docsURL != "" {
		sections = append(sections, fmt.Sprintf("dbt docs: %s/#!/model/%s",
			strings.TrimRight(docsURL, "/"), m.UniqueID))
	}

	return strings.Join(sections, "\n\n")
}

// setColumnFK applies the effective foreign key to a column: explicit meta
// overrides always win over the inferred relationship test target. A bare
// table name is qualified with the current schema. Returns false when only
// one side of the target was declared (half a foreign key is no foreign key).
func setColumnFK(column *Column, table, field, schema string) bool {
	if t := column.Meta.String(MetaFKTargetTable); t != "" {
		table = t
	}
	if f := column.Meta.String(MetaFKTargetField); f != "" {
		field = f
	}

	if table == "" || field == "" {
		return table == "" && field == ""
	}

	segments := strings.Split(table, ".")
	if len(segments) == 1 && schema != "" {
		segments = append([]string{schema}, segments...)
	}
	for i, s := range segments {
		segments[i] = format.Normalize(s)
	}

	column.FKTargetTable = strings.Join(segments, ".")
	column.FKTargetField = format.Normalize(field)
	return true
}
