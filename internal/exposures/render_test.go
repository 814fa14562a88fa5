package exposures

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/metabridge-labs/metabridge/internal/metabase"
	"github.com/metabridge-labs/metabridge/internal/testutil"
)

const testURL = "https://metabase.example.com"

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	client, err := metabase.NewClient(context.Background(), metabase.Config{
		URL:       testURL,
		SessionID: "test-session",
	}, testutil.NewTestLogger(t))
	require.NoError(t, err)
	return New(client, testutil.NewTestLogger(t))
}

func TestRenderBodyCard(t *testing.T) {
	e := newTestExtractor(t)
	rctx := testRunContext()

	b := newBuilder("card")
	b.id = 7
	b.name = "orders_overview"
	b.label = "Orders Overview"
	b.header = "Visualization: Table"
	b.description = "Orders by region"
	b.createdAt = "2024-01-01T00:00:00Z"
	b.creatorName = "Ana Lyst"
	b.creatorEmail = "ana@example.com"
	b.averageQueryTime = "0:01.250"
	b.lastUsedAt = "2024-06-01T00:00:00Z"
	b.nativeQuery = "select *\n\nfrom stg_orders"
	b.depends["warehouse.public.stg_payments"] = struct{}{}
	b.depends["warehouse.public.stg_orders"] = struct{}{}

	body := e.renderBody(rctx, b, []string{"metabase"})

	assert.Equal(t, "orders_overview", body.Name)
	assert.Equal(t, "analysis", body.Type)
	assert.Equal(t, testURL+"/card/7", body.URL)
	assert.Equal(t, "medium", body.Maturity)
	assert.Equal(t, Owner{Name: "Ana Lyst", Email: "ana@example.com"}, body.Owner)
	assert.Equal(t, []string{"ref('stg_orders')", "ref('stg_payments')"}, body.DependsOn)
	assert.Equal(t, []string{"metabase"}, body.Tags)

	assert.Contains(t, body.Description, "### Visualization: Table")
	assert.Contains(t, body.Description, "Orders by region")
	assert.Contains(t, body.Description, "```\nselect *\nfrom stg_orders\n```", "blank lines are stripped from the query block")
	assert.Contains(t, body.Description, "Metabase ID: __7__")

	require.NotNil(t, body.Meta)
	assert.Equal(t, "0:01.250", body.Meta.AverageQueryTime)
	assert.Equal(t, "2024-06-01T00:00:00Z", body.Meta.LastUsedAt)
}

func TestRenderBodyDashboardDefaults(t *testing.T) {
	e := newTestExtractor(t)

	b := newBuilder("dashboard")
	b.id = 3
	b.name = "kpis"
	b.label = "KPIs"

	body := e.renderBody(testRunContext(), b, nil)

	assert.Equal(t, "dashboard", body.Type)
	assert.Equal(t, testURL+"/dashboard/3", body.URL)
	assert.Contains(t, body.Description, "No description provided in Metabase")
	assert.Empty(t, body.DependsOn)
	assert.Nil(t, body.Meta, "no usage stats, no meta block")
}

type exposureDoc struct {
	Version   int    `yaml:"version"`
	Exposures []Body `yaml:"exposures"`
}

func readExposureFile(t *testing.T, path string) exposureDoc {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc exposureDoc
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	return doc
}

func testExposures() []Exposure {
	return []Exposure{
		{ID: 2, Type: "dashboard", Collection: "finance", Body: Body{Name: "kpis"}},
		{ID: 1, Type: "card", Collection: "analytics", Body: Body{Name: "orders_overview"}},
		{ID: 4, Type: "card", Collection: "analytics", Body: Body{Name: "churn"}},
	}
}

func TestWriteExposuresFlat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeExposures(testExposures(), dir, GroupFlat))

	doc := readExposureFile(t, filepath.Join(dir, "exposures.yml"))
	assert.Equal(t, resourceVersion, doc.Version)
	require.Len(t, doc.Exposures, 3)
	assert.Equal(t, "churn", doc.Exposures[0].Name, "bodies are sorted by name")
	assert.Equal(t, "kpis", doc.Exposures[1].Name)
	assert.Equal(t, "orders_overview", doc.Exposures[2].Name)
}

func TestWriteExposuresByCollection(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeExposures(testExposures(), dir, GroupCollection))

	finance := readExposureFile(t, filepath.Join(dir, "finance.yml"))
	require.Len(t, finance.Exposures, 1)
	assert.Equal(t, "kpis", finance.Exposures[0].Name)

	analytics := readExposureFile(t, filepath.Join(dir, "analytics.yml"))
	require.Len(t, analytics.Exposures, 2)
	assert.Equal(t, "churn", analytics.Exposures[0].Name)
}

func TestWriteExposuresByType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeExposures(testExposures(), dir, GroupType))

	doc := readExposureFile(t, filepath.Join(dir, "dashboard", "2.yml"))
	require.Len(t, doc.Exposures, 1)
	assert.Equal(t, "kpis", doc.Exposures[0].Name)

	assert.FileExists(t, filepath.Join(dir, "card", "1.yml"))
	assert.FileExists(t, filepath.Join(dir, "card", "4.yml"))
}
