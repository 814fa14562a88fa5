package manifest

import (
	"fmt"
	"log/slog"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/metabridge-labs/metabridge/internal/format"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReadOptions narrows the model graph before it is handed downstream.
type ReadOptions struct {
	Database *Filter
	Schema   *Filter
	Model    *Filter
	Tag      *Filter

	SkipSources bool
}

func (o ReadOptions) selects(m *Model) bool {
	if o.SkipSources && m.Group == GroupSources {
		return false
	}
	if !o.Database.Match(m.Database) || !o.Schema.Match(m.Schema) || !o.Model.Match(m.Name) {
		return false
	}
	return o.Tag.MatchAny(m.Tags)
}

// Reader parses a compiled dbt manifest.json artifact. The compiled manifest
// carries fully-resolved schema/database per node and materialized
// relationship tests, so no local ref() emulation is needed.
type Reader struct {
	path   string
	logger *slog.Logger
}

// NewReader returns a Reader for the manifest at path.
func NewReader(path string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{path: path, logger: logger}
}

// manifestFile covers the subset of the dbt manifest schema we consume.
type manifestFile struct {
	Nodes    map[string]*manifestNode `json:"nodes"`
	Sources  map[string]*manifestNode `json:"sources"`
	ChildMap map[string][]string      `json:"child_map"`
}

type manifestNode struct {
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
	Database     string `json:"database"`
	Schema       string `json:"schema"`
	Alias        string `json:"alias"`
	Identifier   string `json:"identifier"`
	Description  string `json:"description"`
	UniqueID     string `json:"unique_id"`
	SourceName   string `json:"source_name"`

	Config struct {
		Materialized string `json:"materialized"`
	} `json:"config"`

	Columns map[string]*manifestColumn `json:"columns"`
	Meta    map[string]any             `json:"meta"`
	Tags    []string                   `json:"tags"`

	// Test node attributes.
	TestMetadata *testMetadata `json:"test_metadata"`
	ColumnName   string        `json:"column_name"`
	DependsOn    struct {
		Nodes   []string `json:"nodes"`
		Sources []string `json:"sources"`
	} `json:"depends_on"`
}

type manifestColumn struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Meta        map[string]any `json:"meta"`
}

type testMetadata struct {
	Name   string `json:"name"`
	Kwargs struct {
		Field string `json:"field"`
		To    string `json:"to"`
	} `json:"kwargs"`
}

// physicalName returns the name the relation materializes under.
func (n *manifestNode) physicalName() string {
	if n.Alias != "" {
		return n.Alias
	}
	if n.Identifier != "" {
		return n.Identifier
	}
	return n.Name
}

// Read parses the manifest and returns the selected models.
// A missing or unreadable artifact is fatal.
func (r *Reader) Read(opts ReadOptions) ([]*Model, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", r.path, err)
	}

	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", r.path, err)
	}

	var models []*Model

	for _, node := range mf.Nodes {
		if node.ResourceType != "model" {
			continue
		}
		if node.Config.Materialized == "ephemeral" {
			r.logger.Debug("skipping ephemeral model", "model", node.Name)
			continue
		}
		models = append(models, r.readModel(&mf, node, GroupNodes, ""))
	}

	for _, node := range mf.Sources {
		if node.ResourceType != "source" {
			continue
		}
		models = append(models, r.readModel(&mf, node, GroupSources, node.SourceName))
	}

	selected := models[:0]
	for _, m := range models {
		if opts.selects(m) {
			selected = append(selected, m)
		} else {
			r.logger.Debug("model dropped by filter", "model", m.Name, "schema", m.Schema)
		}
	}

	return selected, nil
}

func (r *Reader) readModel(mf *manifestFile, node *manifestNode, group Group, source string) *Model {
	relationships := r.readRelationships(mf, group, node.UniqueID)

	model := &Model{
		Database:    format.Normalize(node.Database),
		Schema:      format.Normalize(node.Schema),
		Group:       group,
		Name:        node.physicalName(),
		Description: node.Description,
		UniqueID:    node.UniqueID,
		Source:      source,
		Tags:        node.Tags,
		Meta:        scanMeta(node.Meta),
	}
	if model.Name != node.Name {
		model.DBTName = node.Name
	}

	for _, col := range node.Columns {
		model.Columns = append(model.Columns, r.readColumn(col, model.Schema, relationships[col.Name]))
	}

	return model
}

func (r *Reader) readColumn(col *manifestColumn, schema string, rel *fkTarget) *Column {
	column := &Column{
		Name:        format.Normalize(col.Name),
		Description: col.Description,
		Meta:        scanMeta(col.Meta),
	}
	if rel != nil {
		column.Tests = append(column.Tests, TestSpec{
			Kind:  "relationships",
			To:    rel.table,
			Field: rel.field,
		})
	}

	var table, field string
	if rel != nil {
		table, field = rel.table, rel.field
	}
	if !setColumnFK(column, table, field, schema) {
		r.logger.Warn("foreign key requires both table and field", "column", column.Name)
	}

	return column
}

type fkTarget struct {
	table string
	field string
}

// readRelationships collects relationship tests declared against the model's
// columns. The test's depends_on nodes are preferred over its raw to= ref()
// expression because aliased targets only resolve through the node graph.
func (r *Reader) readRelationships(mf *manifestFile, group Group, uniqueID string) map[string]*fkTarget {
	peers := mf.Nodes
	if group == GroupSources {
		peers = mf.Sources
	}

	relationships := map[string]*fkTarget{}

	for _, childID := range mf.ChildMap[uniqueID] {
		child := peers[childID]
		if child == nil || child.ResourceType != "test" {
			continue
		}
		if child.TestMetadata == nil || child.TestMetadata.Name != "relationships" {
			continue
		}

		depends := append([]string(nil), child.DependsOn.Nodes...)
		if group == GroupSources {
			depends = append([]string(nil), child.DependsOn.Sources...)
		}
		if len(depends) > 2 || len(depends) == 0 {
			r.logger.Warn("unexpected relationship test dependency count",
				"test", childID, "count", len(depends))
			continue
		}

		// Incoming relationship tests would wrongly mark this model's primary
		// key as a foreign key; the current model is always the second node.
		if len(depends) == 2 && depends[1] != uniqueID {
			r.logger.Debug("skipping incoming relationship test", "test", childID)
			continue
		}
		if len(depends) == 2 {
			// Drop the first occurrence only so self-references survive.
			for i, id := range depends {
				if id == uniqueID {
					depends = append(depends[:i], depends[i+1:]...)
					break
				}
			}
		}
		if len(depends) != 1 {
			r.logger.Warn("unexpected relationship test after filtering",
				"test", childID, "count", len(depends))
			continue
		}

		target := peers[depends[0]]
		if target == nil || target.physicalName() == "" {
			r.logger.Debug("relationship target not in manifest", "node", depends[0])
			continue
		}

		targetSchema := target.Schema
		if targetSchema == "" {
			targetSchema = DefaultSchema
		}

		relationships[child.ColumnName] = &fkTarget{
			table: targetSchema + "." + target.physicalName(),
			field: child.TestMetadata.Kwargs.Field,
		}
	}

	return relationships
}
