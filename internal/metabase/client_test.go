package metabase

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabridge-labs/metabridge/internal/testutil"
)

const testURL = "https://metabase.example.com"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Config{
		URL:       testURL + "/",
		SessionID: "test-session",
	}, testutil.NewTestLogger(t))
	require.NoError(t, err)

	httpmock.ActivateNonDefault(c.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestNewClientRequiresAuth(t *testing.T) {
	_, err := NewClient(context.Background(), Config{URL: testURL}, nil)
	assert.ErrorContains(t, err, "credentials")
}

func TestFindDatabase(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL+"/api/database",
		httpmock.NewStringResponder(200, `{"data": [
			{"id": 1, "name": "warehouse", "details": {"dbname": "analytics"}},
			{"id": 2, "name": "events"}
		]}`))

	db, err := c.FindDatabase(context.Background(), "Warehouse")
	require.NoError(t, err)
	assert.Equal(t, 1, db.ID)
	assert.Equal(t, "analytics", db.CatalogName())

	_, err = c.FindDatabase(context.Background(), "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestDatabasesWithoutEnvelope(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL+"/api/database",
		httpmock.NewStringResponder(200, `[{"id": 7, "name": "legacy"}]`))

	dbs, err := c.Databases(context.Background())
	require.NoError(t, err)
	require.Len(t, dbs, 1)
	assert.Equal(t, 7, dbs[0].ID)
}

func TestDatabaseTables(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL+"/api/database/1/metadata",
		httpmock.NewStringResponder(200, `{
			"details": {},
			"tables": [
				{
					"id": 10,
					"name": "orders",
					"schema": "public",
					"display_name": "Orders",
					"fields": [
						{"id": 100, "name": "order_id", "semantic_type": "type/PK"},
						{"id": 101, "name": "customer_id", "fk_target_field_id": 200}
					]
				},
				{"id": 11, "name": "floating", "schema": "", "fields": []}
			]
		}`))

	tables, err := c.DatabaseTables(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	orders := tables[0]
	assert.Equal(t, "PUBLIC.ORDERS", orders.Key())
	field, err := orders.Field("order_id")
	require.NoError(t, err)
	assert.Equal(t, "type/PK", field.SemanticType)
	assert.Equal(t, "semantic_type", field.SemanticTypeKey)

	customer, err := orders.Field("customer_id")
	require.NoError(t, err)
	assert.Equal(t, 200, customer.FKTargetFieldID)

	assert.Equal(t, "PUBLIC.FLOATING", tables[1].Key(), "missing schema falls back to the default")
}

func TestDatabaseTablesLegacySemanticType(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL+"/api/database/1/metadata",
		httpmock.NewStringResponder(200, `{
			"details": {},
			"tables": [{
				"id": 10, "name": "orders", "schema": "public",
				"fields": [{"id": 100, "name": "order_id", "special_type": "type/PK"}]
			}]
		}`))

	tables, err := c.DatabaseTables(context.Background(), 1)
	require.NoError(t, err)

	field, err := tables[0].Field("order_id")
	require.NoError(t, err)
	assert.Equal(t, "special_type", field.SemanticTypeKey)
	assert.Equal(t, "type/PK", field.SemanticType)
}

func TestDatabaseTablesDatasetFallback(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL+"/api/database/1/metadata",
		httpmock.NewStringResponder(200, `{
			"details": {"dataset-id": "jaffle"},
			"tables": [{"id": 10, "name": "orders", "schema": "", "fields": []}]
		}`))

	tables, err := c.DatabaseTables(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "JAFFLE.ORDERS", tables[0].Key())
}

func TestUpdateField(t *testing.T) {
	c := newTestClient(t)

	var body map[string]any
	httpmock.RegisterResponder("PUT", testURL+"/api/field/100",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(200, `{}`), nil
		})

	err := c.UpdateField(context.Background(), 100, map[string]any{
		"description":     "Updated.",
		"semantic_type":   nil,
		"visibility_type": "normal",
	})
	require.NoError(t, err)

	assert.Equal(t, "Updated.", body["description"])
	val, present := body["semantic_type"]
	assert.True(t, present, "explicit nulls must be serialized")
	assert.Nil(t, val)
}

func TestCardNotFound(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL+"/api/card/42",
		httpmock.NewStringResponder(404, `"Not found."`))

	card, err := c.Card(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, card)
}

func TestCardErrorPropagates(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL+"/api/card/42",
		httpmock.NewStringResponder(403, `"Forbidden"`))

	_, err := c.Card(context.Background(), 42)
	assert.ErrorContains(t, err, "403")
}

func TestCollectionItems(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", testURL+"/api/collection/root/items",
		httpmock.NewStringResponder(200, `{"data": [
			{"id": 1, "model": "card", "name": "Revenue", "moderated_status": "verified"},
			{"id": 2, "model": "dashboard", "name": "KPIs"}
		]}`))

	items, err := c.CollectionItems(context.Background(), "root")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "card", items[0].Model)
	assert.Equal(t, "verified", items[0].ModeratedStatus)
}

func TestEntityURLs(t *testing.T) {
	c := newTestClient(t)
	assert.Equal(t, testURL+"/card/7", c.CardURL(7))
	assert.Equal(t, testURL+"/dashboard/8", c.DashboardURL(8))
}
