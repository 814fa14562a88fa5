package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabridge-labs/metabridge/internal/testutil"
)

func readTestManifest(t *testing.T, opts ReadOptions) []*Model {
	t.Helper()
	reader := NewReader(filepath.Join("testdata", "manifest.json"), testutil.NewTestLogger(t))
	models, err := reader.Read(opts)
	require.NoError(t, err)
	return models
}

func findModel(t *testing.T, models []*Model, name string) *Model {
	t.Helper()
	for _, m := range models {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("model %s not found", name)
	return nil
}

func findColumn(t *testing.T, m *Model, name string) *Column {
	t.Helper()
	for _, c := range m.Columns {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("column %s not found on %s", name, m.Name)
	return nil
}

func TestReadManifest(t *testing.T) {
	models := readTestManifest(t, ReadOptions{})

	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"orders", "customers", "payments_agg", "raw_payments_v1"}, names,
		"ephemeral models are skipped, sources are included")

	orders := findModel(t, models, "orders")
	assert.Equal(t, "DBTMETABASE", orders.Database)
	assert.Equal(t, "PUBLIC", orders.Schema)
	assert.Equal(t, GroupNodes, orders.Group)
	assert.Equal(t, "ref('orders')", orders.Ref())
	assert.Equal(t, "dbtmetabase.public.orders", orders.QualifiedName())
	assert.Equal(t, "Key facts table", orders.Meta.String(MetaPointsOfInterest))
	assert.Len(t, orders.Columns, 4)
}

func TestReadManifestRelationships(t *testing.T) {
	models := readTestManifest(t, ReadOptions{})

	customerID := findColumn(t, findModel(t, models, "orders"), "CUSTOMER_ID")
	assert.Equal(t, "PUBLIC.CUSTOMERS", customerID.FKTargetTable)
	assert.Equal(t, "ID", customerID.FKTargetField)
	assert.Equal(t, "type/FK", customerID.SemanticType())
	require.Len(t, customerID.Tests, 1)
	assert.Equal(t, "relationships", customerID.Tests[0].Kind)

	// The same test is an incoming relationship from the customers side and
	// must not mark its primary key as a foreign key.
	id := findColumn(t, findModel(t, models, "customers"), "ID")
	assert.Empty(t, id.FKTargetTable)
	assert.NotEqual(t, "type/FK", id.SemanticType())
}

func TestReadManifestMetaOverridesRelationship(t *testing.T) {
	models := readTestManifest(t, ReadOptions{})

	orderID := findColumn(t, findModel(t, models, "payments_agg"), "ORDER_ID")
	assert.Equal(t, "REPORTING.ORDER_FACTS", orderID.FKTargetTable)
	assert.Equal(t, "ORDER_ID", orderID.FKTargetField)
}

func TestReadManifestAlias(t *testing.T) {
	models := readTestManifest(t, ReadOptions{})

	payments := findModel(t, models, "payments_agg")
	assert.Equal(t, "payments", payments.DBTName)
	assert.Equal(t, "ref('payments')", payments.Ref(), "refs address the declarative name, not the alias")
}

func TestReadManifestExplicitNullMeta(t *testing.T) {
	models := readTestManifest(t, ReadOptions{})

	country := findColumn(t, findModel(t, models, "orders"), "COUNTRY")
	assert.True(t, country.Meta.IsNull(MetaSemanticType))
	assert.Empty(t, country.SemanticType())
}

func TestReadManifestSource(t *testing.T) {
	models := readTestManifest(t, ReadOptions{})

	raw := findModel(t, models, "raw_payments_v1")
	assert.Equal(t, GroupSources, raw.Group)
	assert.Equal(t, "raw_payments", raw.DBTName, "identifier differs from the declarative name")
	assert.Equal(t, "source('raw', 'raw_payments')", raw.Ref())
}

func TestReadManifestSkipSources(t *testing.T) {
	models := readTestManifest(t, ReadOptions{SkipSources: true})
	for _, m := range models {
		assert.NotEqual(t, GroupSources, m.Group)
	}
}

func TestReadManifestFilters(t *testing.T) {
	tests := []struct {
		name     string
		opts     ReadOptions
		expected []string
	}{
		{
			name:     "include by model name",
			opts:     ReadOptions{Model: NewFilter([]string{"orders"}, nil)},
			expected: []string{"orders"},
		},
		{
			name:     "exclude by schema",
			opts:     ReadOptions{Schema: NewFilter(nil, []string{"raw"})},
			expected: []string{"orders", "customers", "payments_agg"},
		},
		{
			name:     "include by tag",
			opts:     ReadOptions{Tag: NewFilter([]string{"finance"}, nil)},
			expected: []string{"orders"},
		},
		{
			name:     "exclude tag keeps untagged",
			opts:     ReadOptions{Tag: NewFilter(nil, []string{"finance"})},
			expected: []string{"customers", "payments_agg", "raw_payments_v1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models := readTestManifest(t, tt.opts)
			names := make([]string, 0, len(models))
			for _, m := range models {
				names = append(names, m.Name)
			}
			assert.ElementsMatch(t, tt.expected, names)
		})
	}
}

func TestReadManifestMissingFile(t *testing.T) {
	reader := NewReader(filepath.Join("testdata", "does-not-exist.json"), nil)
	_, err := reader.Read(ReadOptions{})
	assert.Error(t, err)
}
