// Package export reconciles the dbt model graph against the Metabase
// catalog: it diffs table and field metadata, computes the minimal update
// set, and applies it. Reapplying with no source changes produces zero
// updates.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/metabridge-labs/metabridge/internal/catalog"
	"github.com/metabridge-labs/metabridge/internal/format"
	"github.com/metabridge-labs/metabridge/internal/manifest"
	"github.com/metabridge-labs/metabridge/internal/metabase"
)

// DefaultSyncTimeout bounds the schema re-synchronization poll.
const DefaultSyncTimeout = 30 * time.Second

const syncPeriod = 5 * time.Second

// errNotSynced signals the readiness poll to keep waiting.
var errNotSynced = errors.New("models not yet visible in metabase")

// Options configures one export run.
type Options struct {
	// Database is the target Metabase database name.
	Database string

	// SyncTimeout bounds the wait for Metabase to pick up new tables after
	// triggering a schema sync. Zero skips the sync entirely.
	SyncTimeout time.Duration

	// AppendTags appends dbt tags to table descriptions.
	AppendTags bool
	// DocsURL, when set, links table descriptions to hosted dbt docs.
	DocsURL string
}

// Exporter pushes dbt model metadata into Metabase.
type Exporter struct {
	client *metabase.Client
	logger *slog.Logger
}

// New returns an Exporter over the given client.
func New(client *metabase.Client, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Exporter{client: client, logger: logger}
}

// Export reconciles the models against the target database and applies the
// resulting updates. Unresolved tables and fields are skipped with a warning
// and tallied in the summary; only precondition failures (missing database,
// sync timeout, authentication) abort the run.
func (e *Exporter) Export(ctx context.Context, models []*manifest.Model, opts Options) (*Summary, error) {
	db, err := e.client.FindDatabase(ctx, opts.Database)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.snapshotTables(ctx, db.ID, models, opts.SyncTimeout)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	updates := newUpdateSet()

	for _, model := range models {
		e.exportModel(snapshot, model, opts, updates, summary)
	}

	for _, u := range updates.ordered() {
		var err error
		switch u.kind {
		case kindTable:
			err = e.client.UpdateTable(ctx, u.id, u.body)
		case kindField:
			err = e.client.UpdateField(ctx, u.id, u.body)
		}
		if err != nil {
			return nil, fmt.Errorf("apply %s update for %s: %w", u.kind, u.label, err)
		}
		e.logger.Info("updated", "kind", u.kind, "entity", u.label, "attributes", u.attributes())
	}

	return summary, nil
}

// snapshotTables fetches the catalog tree, optionally triggering a schema
// sync first and polling until every selected model's table and fields are
// visible. Exceeding the timeout is fatal: the data cannot be trusted to
// exist yet.
func (e *Exporter) snapshotTables(ctx context.Context, databaseID int, models []*manifest.Model, syncTimeout time.Duration) (*catalog.Snapshot, error) {
	multiCatalog := multiCatalogRun(models)

	fetch := func() (*catalog.Snapshot, error) {
		tables, err := e.client.DatabaseTables(ctx, databaseID)
		if err != nil {
			return nil, err
		}
		return catalog.NewSnapshot(tables, multiCatalog), nil
	}

	if syncTimeout <= 0 {
		return fetch()
	}

	if err := e.client.SyncSchema(ctx, databaseID); err != nil {
		return nil, fmt.Errorf("trigger schema sync: %w", err)
	}

	var snapshot *catalog.Snapshot
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = syncPeriod
	poll.Multiplier = 1
	poll.RandomizationFactor = 0
	poll.MaxElapsedTime = syncTimeout

	err := backoff.Retry(func() error {
		s, err := fetch()
		if err != nil {
			return backoff.Permanent(err)
		}
		snapshot = s
		if synced(s, models, e.logger) {
			return nil
		}
		return errNotSynced
	}, backoff.WithContext(poll, ctx))

	if errors.Is(err, errNotSynced) {
		return nil, fmt.Errorf("schema sync did not settle within %s", syncTimeout)
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// synced reports whether every model's table and columns are visible.
func synced(s *catalog.Snapshot, models []*manifest.Model, logger *slog.Logger) bool {
	ok := true
	for _, model := range models {
		table, err := s.ResolveTable(modelRef(model))
		if err != nil {
			logger.Warn("table not yet in metabase", "table", model.Schema+"."+model.Name)
			ok = false
			continue
		}
		for _, column := range model.Columns {
			if _, err := table.Field(column.Name); err != nil {
				logger.Warn("field not yet in metabase",
					"table", model.Schema+"."+model.Name, "field", column.Name)
				ok = false
			}
		}
	}
	return ok
}

// multiCatalogRun reports whether the selected models span more than one
// database, which enables the catalog-qualified resolution fallback.
func multiCatalogRun(models []*manifest.Model) bool {
	seen := map[string]struct{}{}
	for _, m := range models {
		if m.Database != "" {
			seen[format.Normalize(m.Database)] = struct{}{}
		}
	}
	return len(seen) > 1
}

func modelRef(m *manifest.Model) catalog.TableRef {
	return catalog.TableRef{Database: m.Database, Schema: m.Schema, Name: m.Name}
}

func (e *Exporter) exportModel(s *catalog.Snapshot, model *manifest.Model, opts Options, updates *updateSet, summary *Summary) {
	label := format.Normalize(model.Schema) + "." + format.Normalize(model.Name)

	table, err := s.ResolveTable(modelRef(model))
	if err != nil {
		e.logger.Warn("table not in metabase, skipping", "table", label)
		summary.TablesSkipped++
		return
	}

	change := map[string]any{}

	// A display name is only reset when it no longer matches the slugified
	// physical name; otherwise clearing it would clobber the name Metabase
	// derived itself.
	displayName := model.Meta.String(manifest.MetaDisplayName)
	if table.DisplayName != displayName &&
		(displayName != "" || format.SafeName(table.DisplayName) != format.SafeName(table.Name)) {
		change["display_name"] = emptyAsNull(displayName)
	}

	diffString(change, "description", table.Description, model.FormatDescription(opts.AppendTags, opts.DocsURL))
	diffString(change, "points_of_interest", table.PointsOfInterest, model.Meta.String(manifest.MetaPointsOfInterest))
	diffString(change, "caveats", table.Caveats, model.Meta.String(manifest.MetaCaveats))
	diffString(change, "visibility_type", table.VisibilityType, model.Meta.String(manifest.MetaVisibilityType))

	passthroughMeta(change, model.Meta, table.Raw, tableMetaKeys)

	if len(change) > 0 {
		updates.queueTable(table, label, change)
		summary.TablesUpdated++
		e.logger.Info("table will be updated", "table", label, "attributes", keysOf(change))
	} else {
		summary.TablesCurrent++
		e.logger.Debug("table up to date", "table", label)
	}

	for _, column := range model.Columns {
		e.exportColumn(s, table, model, column, label, updates, summary)
	}
}

func (e *Exporter) exportColumn(s *catalog.Snapshot, table *catalog.Table, model *manifest.Model, column *manifest.Column, tableLabel string, updates *updateSet, summary *Summary) {
	label := tableLabel + "." + column.Name

	field, err := table.Field(column.Name)
	if err != nil {
		e.logger.Warn("field not in metabase, skipping", "field", label)
		summary.FieldsSkipped++
		return
	}

	fkTargetFieldID := e.resolveFK(s, model, column, label, updates, summary)

	// Preserve a relationship Metabase already knows about unless we
	// computed a replacement.
	if fkTargetFieldID == 0 && field.FKTargetFieldID != 0 {
		fkTargetFieldID = field.FKTargetFieldID
	}

	change := map[string]any{}

	displayName := column.Meta.String(manifest.MetaDisplayName)
	if field.DisplayName != displayName &&
		(displayName != "" || format.SafeName(field.DisplayName) != format.SafeName(field.Name)) {
		change["display_name"] = emptyAsNull(displayName)
	}

	diffString(change, "description", field.Description, column.Description)

	visibility := column.Meta.String(manifest.MetaVisibilityType)
	if visibility == "" {
		visibility = "normal"
	}
	diffString(change, "visibility_type", field.VisibilityType, visibility)

	if field.FKTargetFieldID != fkTargetFieldID {
		change["fk_target_field_id"] = nonZeroAsNull(fkTargetFieldID)
	}

	if v := column.Meta.String(manifest.MetaHasFieldValues); v != "" && field.HasFieldValues != v {
		change["has_field_values"] = v
	}
	if v := column.Meta.String(manifest.MetaCoercionStrategy); v != "" && field.CoercionStrategy != v {
		change["coercion_strategy"] = v
	}

	if numberStyle := column.Meta.String(manifest.MetaNumberStyle); numberStyle != "" {
		settings := cloneSettings(field.Settings)
		if settings["number_style"] != numberStyle {
			settings["number_style"] = numberStyle
			change["settings"] = settings
		}
	}

	// An explicit null clears a semantic type the target detected on its own.
	semanticType := column.SemanticType()
	if semanticType != "" && field.SemanticType != semanticType {
		change[field.SemanticTypeKey] = semanticType
	} else if column.Meta.IsNull(manifest.MetaSemanticType) && field.SemanticType != "" && semanticType == "" {
		change[field.SemanticTypeKey] = nil
	}

	passthroughMeta(change, column.Meta, field.Raw, fieldMetaKeys)

	if len(change) > 0 {
		updates.queueField(field, label, change)
		summary.FieldsUpdated++
		e.logger.Info("field will be updated", "field", label, "attributes", keysOf(change))
	} else {
		summary.FieldsCurrent++
		e.logger.Debug("field up to date", "field", label)
	}
}

// resolveFK resolves the column's effective foreign key target to a field id,
// promoting the target field to a primary key when it is not one yet.
// Returns 0 when the column has no resolvable target.
func (e *Exporter) resolveFK(s *catalog.Snapshot, model *manifest.Model, column *manifest.Column, label string, updates *updateSet, summary *Summary) int {
	if column.FKTargetTable == "" || column.FKTargetField == "" {
		return 0
	}

	ref := catalog.ParseTableRef(column.FKTargetTable)
	if ref.Database == "" {
		// The fallback key borrows the catalog from the run's context.
		ref.Database = model.Database
	}

	targetLabel := column.FKTargetTable + "." + column.FKTargetField

	target, err := s.ResolveField(ref, column.FKTargetField)
	if err != nil {
		e.logger.Warn("foreign key target not in metabase, skipping",
			"field", label, "target", targetLabel)
		summary.FieldsSkipped++
		return 0
	}

	if target.SemanticType != "type/PK" {
		e.logger.Info("marking foreign key target as primary key",
			"target", targetLabel, "for", label)
		updates.queueField(target, targetLabel, map[string]any{target.SemanticTypeKey: "type/PK"})
	}

	return target.ID
}

// tableMetaKeys and fieldMetaKeys are handled explicitly above; any other
// metabase.* key is passed through verbatim.
var tableMetaKeys = map[string]struct{}{
	manifest.MetaDisplayName:      {},
	manifest.MetaVisibilityType:   {},
	manifest.MetaPointsOfInterest: {},
	manifest.MetaCaveats:          {},
}

var fieldMetaKeys = map[string]struct{}{
	manifest.MetaDisplayName:      {},
	manifest.MetaVisibilityType:   {},
	manifest.MetaSemanticType:     {},
	manifest.MetaHasFieldValues:   {},
	manifest.MetaCoercionStrategy: {},
	manifest.MetaNumberStyle:      {},
	manifest.MetaFKTargetTable:    {},
	manifest.MetaFKTargetField:    {},
}

// passthroughMeta forwards unrecognized meta keys, diffing against the raw
// attribute the target currently reports. Values can be nested maps or
// lists, which direct interface comparison would panic on.
func passthroughMeta(change map[string]any, meta manifest.MetaMap, raw map[string]any, handled map[string]struct{}) {
	for key, value := range meta {
		if _, ok := handled[key]; ok {
			continue
		}
		if !reflect.DeepEqual(raw[key], value) {
			change[key] = value
		}
	}
}

// diffString queues a change when desired differs from current. Empty
// strings are written as nulls; the target rejects them otherwise.
func diffString(change map[string]any, key, current, desired string) {
	if current != desired {
		change[key] = emptyAsNull(desired)
	}
}

func emptyAsNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonZeroAsNull(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func cloneSettings(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings)+1)
	for k, v := range settings {
		out[k] = v
	}
	return out
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
