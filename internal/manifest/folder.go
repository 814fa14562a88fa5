package manifest

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/metabridge-labs/metabridge/internal/format"
)

// refExpr captures the rightmost quoted argument of a ref() or source()
// expression, which is the referenced table name.
var refExpr = regexp.MustCompile(`['"]([\w\- ]+)['"]\s*\)$`)

// FolderReader traverses raw dbt schema YAML files under a project root.
// Without a compiled manifest it has to emulate reference resolution itself:
// all declared models are collected first, then ref()/source() placeholders
// are resolved against that index. Models whose physical schema differs from
// the configured one are not supported in this mode.
type FolderReader struct {
	root     string
	database string
	schema   string
	logger   *slog.Logger
}

// NewFolderReader returns a FolderReader rooted at the dbt project directory.
// schema applies to all models (folder mode has no compiler to compute
// per-model schemas); empty means DefaultSchema.
func NewFolderReader(root, database, schema string, logger *slog.Logger) *FolderReader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if schema == "" {
		schema = DefaultSchema
	}
	return &FolderReader{
		root:     root,
		database: format.Normalize(database),
		schema:   format.Normalize(schema),
		logger:   logger,
	}
}

type schemaFile struct {
	Models  []*yamlModel  `yaml:"models"`
	Sources []*yamlSource `yaml:"sources"`
}

type yamlModel struct {
	Name        string         `yaml:"name"`
	Alias       string         `yaml:"alias"`
	Identifier  string         `yaml:"identifier"`
	Description string         `yaml:"description"`
	Tags        []string       `yaml:"tags"`
	Meta        map[string]any `yaml:"meta"`
	Columns     []*yamlColumn  `yaml:"columns"`
}

type yamlSource struct {
	Name   string       `yaml:"name"`
	Schema string       `yaml:"schema"`
	Tables []*yamlModel `yaml:"tables"`
}

type yamlColumn struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Meta        map[string]any `yaml:"meta"`
	Tests       []any          `yaml:"tests"`
}

func (m *yamlModel) physicalName() string {
	if m.Alias != "" {
		return m.Alias
	}
	if m.Identifier != "" {
		return m.Identifier
	}
	return m.Name
}

// declared is one collected model or source table, pre-resolution.
type declared struct {
	node   *yamlModel
	schema string
	group  Group
	source string
}

// Read parses all schema YAML under <root>/models in two passes and returns
// the selected models plus the alias map (declarative name → physical name).
func (r *FolderReader) Read(opts ReadOptions) ([]*Model, map[string]string, error) {
	modelsDir := filepath.Join(r.root, "models")
	if _, err := os.Stat(modelsDir); err != nil {
		return nil, nil, fmt.Errorf("models directory %s: %w", modelsDir, err)
	}

	// Pass 1: collect every declaration so references resolve independently
	// of file ordering.
	var decls []*declared
	aliases := map[string]string{}

	err := filepath.WalkDir(modelsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isSchemaYAML(path) {
			return nil
		}
		return r.collectFile(path, &decls, aliases)
	})
	if err != nil {
		return nil, nil, err
	}

	index := map[string]*declared{}
	for _, d := range decls {
		index[format.Normalize(d.node.Name)] = d
	}

	// Pass 2: resolve references and build the graph.
	var models []*Model
	for _, d := range decls {
		m := r.readModel(d, index)
		if opts.selects(m) {
			models = append(models, m)
		} else {
			r.logger.Debug("model dropped by filter", "model", m.Name, "schema", m.Schema)
		}
	}

	return models, aliases, nil
}

func isSchemaYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yml" || ext == ".yaml"
}

func (r *FolderReader) collectFile(path string, decls *[]*declared, aliases map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		// yaml.v3 errors carry line context.
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for _, model := range sf.Models {
		if model.Name == "" {
			r.logger.Warn("skipping unnamed model", "file", path)
			continue
		}
		if physical := model.physicalName(); physical != model.Name {
			aliases[format.Normalize(model.Name)] = format.Normalize(physical)
		}
		*decls = append(*decls, &declared{node: model, schema: r.schema, group: GroupNodes})
	}

	for _, source := range sf.Sources {
		sourceSchema := format.Normalize(source.Schema)
		if sourceSchema == "" {
			sourceSchema = format.Normalize(source.Name)
		}
		if strings.Contains(source.Schema, "{{") {
			r.logger.Warn("cannot resolve templated source schema, using configured schema",
				"file", path, "source", source.Name)
			sourceSchema = r.schema
		}
		for _, table := range source.Tables {
			if table.Name == "" {
				r.logger.Warn("skipping unnamed source table", "file", path, "source", source.Name)
				continue
			}
			if physical := table.physicalName(); physical != table.Name {
				aliases[format.Normalize(table.Name)] = format.Normalize(physical)
			}
			*decls = append(*decls, &declared{
				node:   table,
				schema: sourceSchema,
				group:  GroupSources,
				source: source.Name,
			})
		}
	}

	return nil
}

func (r *FolderReader) readModel(d *declared, index map[string]*declared) *Model {
	model := &Model{
		Database:    r.database,
		Schema:      d.schema,
		Group:       d.group,
		Name:        d.node.physicalName(),
		Description: d.node.Description,
		Source:      d.source,
		Tags:        d.node.Tags,
		Meta:        scanMeta(d.node.Meta),
	}
	if model.Name != d.node.Name {
		model.DBTName = d.node.Name
	}

	for _, col := range d.node.Columns {
		model.Columns = append(model.Columns, r.readColumn(col, d.schema, index))
	}

	return model
}

func (r *FolderReader) readColumn(col *yamlColumn, schema string, index map[string]*declared) *Column {
	column := &Column{
		Name:        format.Normalize(col.Name),
		Description: col.Description,
		Meta:        scanMeta(col.Meta),
	}

	var fkTable, fkField string
	for _, raw := range col.Tests {
		spec, ok := parseTest(raw)
		if !ok {
			continue
		}
		column.Tests = append(column.Tests, spec)

		if spec.Kind != "relationships" || fkTable != "" {
			// First valid relationships test wins.
			continue
		}
		target, ok := r.resolveRef(spec.To, index)
		if !ok {
			r.logger.Warn("unresolvable relationship reference, dropping foreign key",
				"column", column.Name, "to", spec.To)
			continue
		}
		fkTable = target
		fkField = spec.Field
	}

	if !setColumnFK(column, fkTable, fkField, schema) {
		r.logger.Warn("foreign key requires both table and field", "column", column.Name)
	}

	return column
}

// parseTest interprets one entry of a column's tests list. Entries are either
// bare strings ("not_null") or single-key mappings with options.
func parseTest(raw any) (TestSpec, bool) {
	switch t := raw.(type) {
	case string:
		return TestSpec{Kind: t}, true

	case map[string]any:
		for kind, options := range t {
			spec := TestSpec{Kind: kind}
			opts, _ := options.(map[string]any)
			switch kind {
			case "relationships":
				spec.To, _ = opts["to"].(string)
				spec.Field, _ = opts["field"].(string)
			case "accepted_values":
				if values, ok := opts["values"].([]any); ok {
					for _, v := range values {
						spec.Values = append(spec.Values, fmt.Sprint(v))
					}
				}
			}
			return spec, true
		}
	}
	return TestSpec{}, false
}

// resolveRef maps a ref()/source() expression to the physical schema.table it
// refers to, using the first-pass declaration index.
func (r *FolderReader) resolveRef(expr string, index map[string]*declared) (string, bool) {
	matches := refExpr.FindStringSubmatch(strings.TrimSpace(expr))
	if matches == nil {
		return "", false
	}

	target, ok := index[format.Normalize(matches[1])]
	if !ok {
		return "", false
	}
	return target.schema + "." + format.Normalize(target.node.physicalName()), true
}
