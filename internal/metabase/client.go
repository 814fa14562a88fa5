// Package metabase is the HTTP collaborator for the target catalog API:
// authenticated JSON calls with transient-failure retries, plus typed
// wrappers for the endpoints the exporter and extractor consume.
package metabase

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"

	"github.com/metabridge-labs/metabridge/internal/catalog"
	"github.com/metabridge-labs/metabridge/internal/manifest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout bounds a single API request.
const DefaultTimeout = 15 * time.Second

const (
	retryCount   = 3
	retryWait    = 1 * time.Second
	retryWaitMax = 10 * time.Second
)

// Config carries connection parameters for a Metabase instance.
type Config struct {
	URL string

	// One of: username+password, session id, or API key.
	Username  string
	Password  string
	SessionID string
	APIKey    string

	Timeout    time.Duration
	SkipVerify bool
}

// Client talks to one Metabase instance.
type Client struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

// NewClient builds a client and establishes a session when credentials were
// given instead of a session id or API key. Authentication failure is fatal.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryWaitMax).
		AddRetryCondition(retryTransient)
	if cfg.SkipVerify {
		r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	}

	c := &Client{
		http:   r,
		url:    strings.TrimRight(cfg.URL, "/"),
		logger: logger,
	}

	switch {
	case cfg.APIKey != "":
		r.SetHeader("X-API-Key", cfg.APIKey)
	case cfg.SessionID != "":
		r.SetHeader("X-Metabase-Session", cfg.SessionID)
	case cfg.Username != "" && cfg.Password != "":
		var session struct {
			ID string `json:"id"`
		}
		err := c.call(ctx, http.MethodPost, "/api/session", nil,
			map[string]string{"username": cfg.Username, "password": cfg.Password}, &session)
		if err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		r.SetHeader("X-Metabase-Session", session.ID)
		logger.Debug("session established")
	default:
		return nil, fmt.Errorf("metabase credentials, session id or API key required")
	}

	return c, nil
}

// HTTPClient exposes the underlying transport, so tests can attach mocks.
func (c *Client) HTTPClient() *http.Client {
	return c.http.GetClient()
}

// retryTransient retries network errors and typical transient HTTP statuses.
func retryTransient(resp *resty.Response, err error) bool {
	if err != nil && (resp == nil || resp.StatusCode() == 0) {
		return true
	}
	switch resp.StatusCode() {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("metabase API status %d: %s", e.Status, e.Body)
}

// call performs one API request and decodes the JSON payload into out,
// unwrapping the "data" pagination envelope newer versions add.
func (c *Client) call(ctx context.Context, method, path string, params map[string]string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParams(params)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &apiError{Status: resp.StatusCode(), Body: strings.TrimSpace(string(resp.Body()))}
	}
	if out == nil {
		return nil
	}

	raw := resp.Body()
	var envelope struct {
		Data jsoniter.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Data != nil {
		raw = envelope.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// notFound reports whether the error is an HTTP 404.
func notFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// Databases lists all connected databases.
func (c *Client) Databases(ctx context.Context) ([]Database, error) {
	var out []Database
	if err := c.call(ctx, http.MethodGet, "/api/database", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindDatabase resolves a database by name, case-insensitively.
func (c *Client) FindDatabase(ctx context.Context, name string) (*Database, error) {
	dbs, err := c.Databases(ctx)
	if err != nil {
		return nil, err
	}
	for i := range dbs {
		if strings.EqualFold(dbs[i].Name, name) {
			return &dbs[i], nil
		}
	}
	return nil, fmt.Errorf("database %q not found in metabase", name)
}

// SyncSchema triggers a schema re-synchronization for the database.
func (c *Client) SyncSchema(ctx context.Context, databaseID int) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/api/database/%d/sync_schema", databaseID), nil, nil, nil)
}

// DatabaseTables fetches the database's full metadata tree, including hidden
// tables, as catalog tables ready for snapshot indexing.
func (c *Client) DatabaseTables(ctx context.Context, databaseID int) ([]*catalog.Table, error) {
	var meta struct {
		Details map[string]any        `json:"details"`
		Tables  []jsoniter.RawMessage `json:"tables"`
	}
	path := fmt.Sprintf("/api/database/%d/metadata", databaseID)
	if err := c.call(ctx, http.MethodGet, path, map[string]string{"include_hidden": "true"}, nil, &meta); err != nil {
		return nil, err
	}

	// BigQuery-style connections report no per-table schema; the dataset id
	// stands in for it.
	fallbackSchema := cast.ToString(meta.Details["dataset-id"])
	if fallbackSchema == "" {
		fallbackSchema = manifest.DefaultSchema
	}

	tables := make([]*catalog.Table, 0, len(meta.Tables))
	for _, rawTable := range meta.Tables {
		var raw map[string]any
		if err := json.Unmarshal(rawTable, &raw); err != nil {
			return nil, fmt.Errorf("decode table metadata: %w", err)
		}
		tables = append(tables, tableFromRaw(raw, fallbackSchema))
	}
	return tables, nil
}

// tableFromRaw converts one metadata table payload into a catalog table,
// keeping the raw attribute maps for passthrough diffing.
func tableFromRaw(raw map[string]any, fallbackSchema string) *catalog.Table {
	schema := cast.ToString(raw["schema"])
	if schema == "" {
		schema = fallbackSchema
	}

	var fields []*catalog.Field
	if rawFields, ok := raw["fields"].([]any); ok {
		for _, rf := range rawFields {
			if fr, ok := rf.(map[string]any); ok {
				fields = append(fields, fieldFromRaw(fr))
			}
		}
	}

	return catalog.NewTable(catalog.Table{
		ID:               cast.ToInt(raw["id"]),
		Name:             cast.ToString(raw["name"]),
		Schema:           schema,
		DisplayName:      cast.ToString(raw["display_name"]),
		Description:      cast.ToString(raw["description"]),
		PointsOfInterest: cast.ToString(raw["points_of_interest"]),
		Caveats:          cast.ToString(raw["caveats"]),
		VisibilityType:   cast.ToString(raw["visibility_type"]),
		Raw:              raw,
	}, fields)
}

func fieldFromRaw(raw map[string]any) *catalog.Field {
	// Older Metabase versions call the semantic type "special_type"; the
	// update body has to use whichever key the server speaks.
	semanticTypeKey := "semantic_type"
	if _, legacy := raw["special_type"]; legacy {
		semanticTypeKey = "special_type"
	}

	settings, _ := raw["settings"].(map[string]any)

	return &catalog.Field{
		ID:               cast.ToInt(raw["id"]),
		Name:             cast.ToString(raw["name"]),
		DisplayName:      cast.ToString(raw["display_name"]),
		Description:      cast.ToString(raw["description"]),
		VisibilityType:   cast.ToString(raw["visibility_type"]),
		SemanticType:     cast.ToString(raw[semanticTypeKey]),
		SemanticTypeKey:  semanticTypeKey,
		FKTargetFieldID:  cast.ToInt(raw["fk_target_field_id"]),
		HasFieldValues:   cast.ToString(raw["has_field_values"]),
		CoercionStrategy: cast.ToString(raw["coercion_strategy"]),
		Settings:         settings,
		Raw:              raw,
	}
}

// UpdateTable applies a partial table metadata update.
func (c *Client) UpdateTable(ctx context.Context, id int, body map[string]any) error {
	return c.call(ctx, http.MethodPut, fmt.Sprintf("/api/table/%d", id), nil, body, nil)
}

// UpdateField applies a partial field metadata update.
func (c *Client) UpdateField(ctx context.Context, id int, body map[string]any) error {
	return c.call(ctx, http.MethodPut, fmt.Sprintf("/api/field/%d", id), nil, body, nil)
}

// Tables lists all tables across databases, with parent database inlined.
func (c *Client) Tables(ctx context.Context) ([]TableSummary, error) {
	var out []TableSummary
	if err := c.call(ctx, http.MethodGet, "/api/table", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Collections lists all collections visible to the authenticated user.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	var out []Collection
	if err := c.call(ctx, http.MethodGet, "/api/collection", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CollectionItems lists the cards and dashboards in a collection.
func (c *Client) CollectionItems(ctx context.Context, collectionID string) ([]CollectionItem, error) {
	var out []CollectionItem
	path := fmt.Sprintf("/api/collection/%s/items", collectionID)
	params := map[string]string{"models": "card,dashboard"}
	if err := c.call(ctx, http.MethodGet, path, params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Card fetches one saved question. Returns (nil, nil) when it no longer
// exists (archived cards keep dangling references around).
func (c *Client) Card(ctx context.Context, id int) (*Card, error) {
	var out Card
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/card/%d", id), nil, nil, &out)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Dashboard fetches one dashboard, (nil, nil) on 404.
func (c *Client) Dashboard(ctx context.Context, id int) (*Dashboard, error) {
	var out Dashboard
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/dashboard/%d", id), nil, nil, &out)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// User fetches a user; deactivated users return (nil, nil) since the API
// responds 404 for them.
func (c *Client) User(ctx context.Context, id int) (*User, error) {
	var out User
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/user/%d", id), nil, nil, &out)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CardURL renders the browser URL of a saved question.
func (c *Client) CardURL(id int) string {
	return fmt.Sprintf("%s/card/%d", c.url, id)
}

// DashboardURL renders the browser URL of a dashboard.
func (c *Client) DashboardURL(id int) string {
	return fmt.Sprintf("%s/dashboard/%d", c.url, id)
}
