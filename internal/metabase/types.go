package metabase

// Database is one connected database in the target.
type Database struct {
	ID      int            `json:"id"`
	Name    string         `json:"name"`
	Details map[string]any `json:"details"`
}

// CatalogName extracts the underlying database/catalog name from connection
// details. Different drivers use different keys.
func (d Database) CatalogName() string {
	for _, key := range []string{"dbname", "db", "project-id", "catalog"} {
		if v, ok := d.Details[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Collection is a grouping of saved questions and dashboards.
type Collection struct {
	ID              any    `json:"id"` // numeric, or "root"
	Name            string `json:"name"`
	Slug            string `json:"slug"`
	PersonalOwnerID *int   `json:"personal_owner_id"`
}

// CollectionItem is one entry of a collection listing.
type CollectionItem struct {
	ID              int    `json:"id"`
	Model           string `json:"model"` // card, dashboard
	Name            string `json:"name"`
	ModeratedStatus string `json:"moderated_status"`
}

// User identifies a card or dashboard creator.
type User struct {
	Email      string `json:"email"`
	CommonName string `json:"common_name"`
}

// Card is a saved question.
type Card struct {
	ID               int          `json:"id"`
	Name             string       `json:"name"`
	Description      string       `json:"description"`
	Display          string       `json:"display"`
	CreatedAt        string       `json:"created_at"`
	Creator          *User        `json:"creator"`
	CreatorID        int          `json:"creator_id"`
	TableID          any          `json:"table_id"`
	AverageQueryTime float64      `json:"average_query_time"` // milliseconds
	LastUsedAt       string       `json:"last_used_at"`
	DatasetQuery     DatasetQuery `json:"dataset_query"`
}

// DatasetQuery is a card's query definition.
type DatasetQuery struct {
	Type     string           `json:"type"` // query, native
	Database int              `json:"database"`
	Native   *NativeQuery     `json:"native"`
	Query    *StructuredQuery `json:"query"`
}

// NativeQuery is a hand-written SQL query.
type NativeQuery struct {
	Query string `json:"query"`
}

// StructuredQuery is a GUI-built query. source-table is a numeric table id or
// a "card__N" reference to another saved question.
type StructuredQuery struct {
	SourceTable any    `json:"source-table"`
	Joins       []Join `json:"joins"`
}

// Join is one join clause of a structured query.
type Join struct {
	SourceTable any `json:"source-table"`
}

// Dashboard is a collection of cards on a canvas.
type Dashboard struct {
	ID           int        `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	CreatedAt    string     `json:"created_at"`
	Creator      *User      `json:"creator"`
	CreatorID    int        `json:"creator_id"`
	Dashcards    []Dashcard `json:"dashcards"`
	OrderedCards []Dashcard `json:"ordered_cards"` // pre-0.48 naming
}

// Cards returns the dashboard's card placements regardless of API vintage.
func (d *Dashboard) Cards() []Dashcard {
	if len(d.Dashcards) > 0 {
		return d.Dashcards
	}
	return d.OrderedCards
}

// Dashcard is one card placement on a dashboard.
type Dashcard struct {
	Card *CardRef `json:"card"`
}

// CardRef carries just enough of an embedded card to chase it.
type CardRef struct {
	ID int `json:"id"`
}

// TableSummary is one entry of the flat table listing, with its parent
// database inlined.
type TableSummary struct {
	ID     int      `json:"id"`
	Name   string   `json:"name"`
	Schema string   `json:"schema"`
	DB     Database `json:"db"`
}
