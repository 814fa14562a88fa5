// Package exposures walks Metabase collections and renders the cards and
// dashboards that depend on dbt models as dbt exposure YAML.
package exposures

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"

	"github.com/spf13/cast"

	"github.com/metabridge-labs/metabridge/internal/format"
	"github.com/metabridge-labs/metabridge/internal/manifest"
	"github.com/metabridge-labs/metabridge/internal/metabase"
)

// Output grouping modes.
const (
	GroupFlat       = ""           // single exposures.yml
	GroupCollection = "collection" // one file per collection slug
	GroupType       = "type"       // one file per entity, under card/ and dashboard/
)

// Options configures one extraction run.
type Options struct {
	// OutputPath is the directory exposure files are written under.
	OutputPath string
	// Grouping selects the output file layout.
	Grouping string

	// Collections filters which collections are explored.
	Collections *manifest.Filter
	// AllowPersonalCollections includes users' personal collections.
	AllowPersonalCollections bool
	// ExcludeUnverified skips cards without a verified moderation status.
	ExcludeUnverified bool

	// Tags are attached to every written exposure.
	Tags []string
}

// Extractor pulls exposures out of Metabase.
type Extractor struct {
	client *metabase.Client
	logger *slog.Logger
}

// New returns an Extractor over the given client.
func New(client *metabase.Client, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Extractor{client: client, logger: logger}
}

// runContext indexes the entities dependency resolution needs: refable
// models by qualified name, catalog names by database id, and qualified
// table names by table id.
type runContext struct {
	modelRefs     map[string]string
	databaseNames map[int]string
	tableNames    map[int]string
}

func (e *Extractor) buildContext(ctx context.Context, models []*manifest.Model) (*runContext, error) {
	rctx := &runContext{
		modelRefs:     map[string]string{},
		databaseNames: map[int]string{},
		tableNames:    map[int]string{},
	}

	for _, m := range models {
		if ref := m.Ref(); ref != "" {
			rctx.modelRefs[m.QualifiedName()] = ref
		}
	}

	databases, err := e.client.Databases(ctx)
	if err != nil {
		return nil, err
	}
	for _, db := range databases {
		rctx.databaseNames[db.ID] = db.CatalogName()
	}

	tables, err := e.client.Tables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		schema := t.Schema
		if schema == "" {
			schema = manifest.DefaultSchema
		}
		key := strings.ToLower(t.DB.CatalogName() + "." + schema + "." + t.Name)
		rctx.tableNames[t.ID] = key
	}

	return rctx, nil
}

// Extract walks collections, resolves each card and dashboard to the dbt
// models it depends on, and writes the resulting exposures under
// opts.OutputPath. The parsed exposures are returned in walk order.
func (e *Extractor) Extract(ctx context.Context, models []*manifest.Model, opts Options) ([]Exposure, error) {
	switch opts.Grouping {
	case GroupFlat, GroupCollection, GroupType:
	default:
		return nil, fmt.Errorf("unsupported grouping %q", opts.Grouping)
	}

	filter := opts.Collections
	if filter == nil {
		filter = &manifest.Filter{}
	}

	rctx, err := e.buildContext(ctx, models)
	if err != nil {
		return nil, err
	}

	collections, err := e.client.Collections(ctx)
	if err != nil {
		return nil, err
	}

	var exposures []Exposure
	counts := map[string]int{}

	for _, collection := range collections {
		if collection.PersonalOwnerID != nil && !opts.AllowPersonalCollections {
			e.logger.Debug("skipping personal collection", "collection", collection.Name)
			continue
		}
		if !filter.Match(collection.Name) {
			e.logger.Debug("skipping collection", "collection", collection.Name)
			continue
		}

		slug := collectionSlug(collection)

		e.logger.Info("exploring collection", "collection", collection.Name)
		items, err := e.client.CollectionItems(ctx, cast.ToString(collection.ID))
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			b, err := e.extractItem(ctx, rctx, item, opts)
			if err != nil {
				return nil, err
			}
			if b == nil {
				continue
			}

			b.name = dedupName(counts, format.SafeName(b.label))

			exposures = append(exposures, Exposure{
				ID:         item.ID,
				Type:       item.Model,
				Collection: slug,
				Body:       e.renderBody(rctx, b, opts.Tags),
			})
		}
	}

	if err := writeExposures(exposures, opts.OutputPath, opts.Grouping); err != nil {
		return nil, err
	}

	return exposures, nil
}

// extractItem resolves one collection item into an exposure builder, or nil
// when the item should be skipped.
func (e *Extractor) extractItem(ctx context.Context, rctx *runContext, item metabase.CollectionItem, opts Options) (*builder, error) {
	b := &builder{
		model:   item.Model,
		id:      item.ID,
		label:   "Exposure [Unresolved Name]",
		depends: map[string]struct{}{},
		visited: map[int]struct{}{},
	}

	switch item.Model {
	case "card":
		if opts.ExcludeUnverified && item.ModeratedStatus != "verified" {
			e.logger.Debug("skipping unverified card", "card", item.Name)
			return nil, nil
		}

		card, err := e.client.Card(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if card == nil {
			e.logger.Info("card not found, skipping", "id", item.ID)
			return nil, nil
		}

		display := card.Display
		if display == "" {
			display = "Unknown"
		}
		b.header = "Visualization: " + titleCase(display)

		if err := e.exposureCard(ctx, rctx, b, card); err != nil {
			return nil, err
		}

		if card.AverageQueryTime > 0 {
			seconds := card.AverageQueryTime / 1000
			b.averageQueryTime = fmt.Sprintf("%.0f:%06.3f", math.Floor(seconds/60), math.Mod(seconds, 60))
		}
		b.lastUsedAt = card.LastUsedAt

		b.label = orDefault(card.Name, b.label)
		b.description = card.Description
		b.createdAt = card.CreatedAt
		if err := e.resolveCreator(ctx, b, card.Creator, card.CreatorID); err != nil {
			return nil, err
		}

	case "dashboard":
		dashboard, err := e.client.Dashboard(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if dashboard == nil {
			e.logger.Info("dashboard not found, skipping", "id", item.ID)
			return nil, nil
		}

		cards := dashboard.Cards()
		if len(cards) == 0 {
			return nil, nil
		}

		b.header = fmt.Sprintf("Dashboard Cards: %d", len(cards))
		for _, placement := range cards {
			if placement.Card == nil || placement.Card.ID == 0 {
				continue
			}
			card, err := e.client.Card(ctx, placement.Card.ID)
			if err != nil {
				return nil, err
			}
			if card == nil {
				continue
			}
			if err := e.exposureCard(ctx, rctx, b, card); err != nil {
				return nil, err
			}
		}

		b.label = orDefault(dashboard.Name, b.label)
		b.description = dashboard.Description
		b.createdAt = dashboard.CreatedAt
		if err := e.resolveCreator(ctx, b, dashboard.Creator, dashboard.CreatorID); err != nil {
			return nil, err
		}

	default:
		e.logger.Warn("unexpected collection item", "model", item.Model)
		return nil, nil
	}

	e.logger.Info("processing exposure", "kind", b.model, "name", b.label)
	return b, nil
}

// resolveCreator fills owner attribution, chasing the creator id through the
// user API when the entity does not inline its creator.
func (e *Extractor) resolveCreator(ctx context.Context, b *builder, creator *metabase.User, creatorID int) error {
	if creator != nil {
		b.creatorName = creator.CommonName
		b.creatorEmail = creator.Email
		return nil
	}
	if creatorID == 0 {
		return nil
	}
	user, err := e.client.User(ctx, creatorID)
	if err != nil {
		return err
	}
	if user != nil {
		b.creatorName = user.CommonName
		b.creatorEmail = user.Email
	}
	return nil
}

// collectionSlug prefers the collection's own slug, URL-decoded, and falls
// back to a slugified name.
func collectionSlug(c metabase.Collection) string {
	if c.Slug != "" {
		if slug, err := url.PathUnescape(c.Slug); err == nil {
			return slug
		}
		return c.Slug
	}
	return format.SafeName(c.Name)
}

// dedupName disambiguates repeated slugs with a counter suffix, first
// occurrence unsuffixed.
func dedupName(counts map[string]int, name string) string {
	count := counts[name]
	counts[name] = count + 1
	if count > 0 {
		return fmt.Sprintf("%s_%d", name, count)
	}
	return name
}

// titleCase capitalizes each word of a chart display name.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

// builder accumulates one exposure before rendering.
type builder struct {
	model       string
	id          int
	name        string
	label       string
	header      string
	description string
	createdAt   string

	creatorName  string
	creatorEmail string

	averageQueryTime string
	lastUsedAt       string

	nativeQuery string

	depends map[string]struct{}
	visited map[int]struct{}
}
