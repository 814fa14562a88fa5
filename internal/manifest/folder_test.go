package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabridge-labs/metabridge/internal/testutil"
)

func TestFolderRead(t *testing.T) {
	reader := NewFolderReader(filepath.Join("testdata", "project"), "analytics", "", testutil.NewTestLogger(t))
	models, aliases, err := reader.Read(ReadOptions{})
	require.NoError(t, err)

	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"stg_customers", "orders", "customers_v1"}, names)

	orders := findModel(t, models, "orders")
	assert.Equal(t, "ANALYTICS", orders.Database)
	assert.Equal(t, "PUBLIC", orders.Schema, "schema defaults when none is configured")
	assert.Equal(t, []string{"finance"}, orders.Tags)

	assert.Equal(t, map[string]string{"RAW_CUSTOMERS": "CUSTOMERS_V1"}, aliases)
}

func TestFolderReadResolvesRefs(t *testing.T) {
	reader := NewFolderReader(filepath.Join("testdata", "project"), "analytics", "", testutil.NewTestLogger(t))
	models, _, err := reader.Read(ReadOptions{})
	require.NoError(t, err)

	customerID := findColumn(t, findModel(t, models, "orders"), "CUSTOMER_ID")
	assert.Equal(t, "PUBLIC.STG_CUSTOMERS", customerID.FKTargetTable)
	assert.Equal(t, "CUSTOMER_ID", customerID.FKTargetField)
	assert.Equal(t, "type/FK", customerID.SemanticType())
}

func TestFolderReadUnresolvableRefDropsForeignKey(t *testing.T) {
	logger, rec := testutil.NewCaptureLogger()
	reader := NewFolderReader(filepath.Join("testdata", "project"), "analytics", "", logger)
	models, _, err := reader.Read(ReadOptions{})
	require.NoError(t, err)

	ghostID := findColumn(t, findModel(t, models, "orders"), "GHOST_ID")
	assert.Empty(t, ghostID.FKTargetTable)
	assert.Empty(t, ghostID.FKTargetField)
	assert.True(t, rec.Contains("unresolvable relationship reference"))
}

func TestFolderReadAcceptedValues(t *testing.T) {
	reader := NewFolderReader(filepath.Join("testdata", "project"), "analytics", "", testutil.NewTestLogger(t))
	models, _, err := reader.Read(ReadOptions{})
	require.NoError(t, err)

	status := findColumn(t, findModel(t, models, "orders"), "STATUS")
	require.Len(t, status.Tests, 1)
	assert.Equal(t, "accepted_values", status.Tests[0].Kind)
	assert.Equal(t, []string{"placed", "shipped", "returned"}, status.Tests[0].Values)
}

func TestFolderReadSources(t *testing.T) {
	reader := NewFolderReader(filepath.Join("testdata", "project"), "analytics", "", testutil.NewTestLogger(t))
	models, _, err := reader.Read(ReadOptions{})
	require.NoError(t, err)

	raw := findModel(t, models, "customers_v1")
	assert.Equal(t, GroupSources, raw.Group)
	assert.Equal(t, "RAW", raw.Schema, "source schema overrides the configured default")
	assert.Equal(t, "raw_customers", raw.DBTName)
	assert.Equal(t, "source('raw', 'raw_customers')", raw.Ref())
}

func TestFolderReadMissingDir(t *testing.T) {
	reader := NewFolderReader(filepath.Join("testdata", "no-such-project"), "analytics", "", nil)
	_, _, err := reader.Read(ReadOptions{})
	assert.Error(t, err)
}
