package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(multiCatalog bool) *Snapshot {
	orders := NewTable(Table{ID: 1, Name: "orders", Schema: "public"}, []*Field{
		{ID: 10, Name: "order_id", SemanticTypeKey: "semantic_type"},
		{ID: 11, Name: "customer_id", SemanticTypeKey: "semantic_type"},
	})
	customers := NewTable(Table{ID: 2, Name: "customers", Schema: "public"}, []*Field{
		{ID: 20, Name: "id", SemanticTypeKey: "semantic_type"},
	})
	// Same table name in another schema makes "orders" ambiguous unqualified.
	archive := NewTable(Table{ID: 3, Name: "orders", Schema: "archive"}, nil)
	// Multi-catalog connections expose the catalog inside the schema segment.
	remote := NewTable(Table{ID: 4, Name: "events", Schema: "warehouse.tracking"}, []*Field{
		{ID: 40, Name: "event_id", SemanticTypeKey: "semantic_type"},
	})

	return NewSnapshot([]*Table{orders, customers, archive, remote}, multiCatalog)
}

func TestResolveTableDirect(t *testing.T) {
	s := testSnapshot(false)

	table, err := s.ResolveTable(TableRef{Schema: "PUBLIC", Name: "ORDERS"})
	require.NoError(t, err)
	assert.Equal(t, 1, table.ID)

	table, err = s.ResolveTable(TableRef{Schema: "public", Name: "orders"})
	require.NoError(t, err)
	assert.Equal(t, 1, table.ID, "resolution is case-insensitive")

	table, err = s.ResolveTable(TableRef{Schema: `"public"`, Name: `"Customers"`})
	require.NoError(t, err)
	assert.Equal(t, 2, table.ID, "quoted identifiers are stripped")
}

func TestResolveTableUnqualified(t *testing.T) {
	s := testSnapshot(false)

	table, err := s.ResolveTable(TableRef{Name: "customers"})
	require.NoError(t, err)
	assert.Equal(t, 2, table.ID, "unique unqualified names resolve")

	_, err = s.ResolveTable(TableRef{Name: "orders"})
	assert.ErrorIs(t, err, ErrNotFound, "ambiguous unqualified names fail closed")
}

func TestResolveTableMultiCatalogFallback(t *testing.T) {
	ref := TableRef{Database: "warehouse", Schema: "tracking", Name: "events"}

	_, err := testSnapshot(false).ResolveTable(ref)
	assert.ErrorIs(t, err, ErrNotFound, "fallback stays off in single-catalog runs")

	table, err := testSnapshot(true).ResolveTable(ref)
	require.NoError(t, err)
	assert.Equal(t, 4, table.ID)
}

func TestResolveTableDirectBeatsFallback(t *testing.T) {
	s := testSnapshot(true)

	table, err := s.ResolveTable(TableRef{Database: "warehouse", Schema: "public", Name: "orders"})
	require.NoError(t, err)
	assert.Equal(t, 1, table.ID, "the schema-qualified key is always tried first")
}

func TestResolveField(t *testing.T) {
	s := testSnapshot(false)

	field, err := s.ResolveField(TableRef{Schema: "public", Name: "orders"}, "CUSTOMER_ID")
	require.NoError(t, err)
	assert.Equal(t, 11, field.ID)

	_, err = s.ResolveField(TableRef{Schema: "public", Name: "orders"}, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseTableRef(t *testing.T) {
	tests := []struct {
		input    string
		expected TableRef
	}{
		{input: "orders", expected: TableRef{Name: "orders"}},
		{input: "public.orders", expected: TableRef{Schema: "public", Name: "orders"}},
		{input: "db.public.orders", expected: TableRef{Database: "db", Schema: "public", Name: "orders"}},
		{input: "db.nested.schema.orders", expected: TableRef{Database: "db", Schema: "nested.schema", Name: "orders"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseTableRef(tt.input))
		})
	}
}

func TestTableByID(t *testing.T) {
	s := testSnapshot(false)

	table, ok := s.TableByID(3)
	require.True(t, ok)
	assert.Equal(t, "archive", table.Schema)

	_, ok = s.TableByID(99)
	assert.False(t, ok)
}
