package exposures

import (
	"context"
	"strings"

	"github.com/spf13/cast"
	"github.com/umisama/go-regexpcache"

	"github.com/metabridge-labs/metabridge/internal/manifest"
	"github.com/metabridge-labs/metabridge/internal/metabase"
)

// Table references in FROM and JOIN clauses. Quoted identifiers with spaces
// are not recognized.
const exposurePattern = "[FfJj][RrOo][OoIi][MmNn]\\s+([\\w.\"`]+)"

// Common table expression names, matched so they can be excluded from the
// dependency set.
const ctePattern = `[Ww][Ii][Tt][Hh]\s+\b(\w+)\b\s+as|[)]\s*[,]\s*\b(\w+)\b\s+as`

// exposureCard extracts model dependencies from a saved question.
func (e *Extractor) exposureCard(ctx context.Context, rctx *runContext, b *builder, card *metabase.Card) error {
	if _, seen := b.visited[card.ID]; seen {
		return nil
	}
	b.visited[card.ID] = struct{}{}

	switch card.DatasetQuery.Type {
	case "query":
		return e.exposureQuery(ctx, rctx, b, card)
	case "native":
		e.exposureNative(rctx, b, card)
	default:
		e.logger.Warn("unsupported card type", "type", card.DatasetQuery.Type)
	}
	return nil
}

// exposureQuery extracts dependencies from a GUI-built query: the source
// table, any joins, and transitively any questions the query builds on.
func (e *Extractor) exposureQuery(ctx context.Context, rctx *runContext, b *builder, card *metabase.Card) error {
	query := card.DatasetQuery.Query
	if query == nil {
		return nil
	}

	source := query.SourceTable
	if source == nil {
		source = card.TableID
	}
	if err := e.resolveQuerySource(ctx, rctx, b, source, "card"); err != nil {
		return err
	}

	for _, join := range query.Joins {
		if err := e.resolveQuerySource(ctx, rctx, b, join.SourceTable, "join"); err != nil {
			return err
		}
	}
	return nil
}

// resolveQuerySource handles one source-table value, either a numeric table
// id or a card__N reference to another saved question.
func (e *Extractor) resolveQuerySource(ctx context.Context, rctx *runContext, b *builder, source any, origin string) error {
	if ref, ok := source.(string); ok && strings.HasPrefix(ref, "card__") {
		sourceCard, err := e.client.Card(ctx, cast.ToInt(strings.TrimPrefix(ref, "card__")))
		if err != nil {
			return err
		}
		if sourceCard != nil {
			return e.exposureCard(ctx, rctx, b, sourceCard)
		}
		return nil
	}

	if id := cast.ToInt(source); id != 0 {
		if table, ok := rctx.tableNames[id]; ok {
			b.depends[table] = struct{}{}
			e.logger.Info("extracted model", "model", table, "from", origin)
		}
	}
	return nil
}

// exposureNative extracts dependencies from a hand-written SQL query by
// scanning FROM and JOIN clauses, with CTE names scrubbed out.
func (e *Extractor) exposureNative(rctx *runContext, b *builder, card *metabase.Card) {
	if card.DatasetQuery.Native == nil {
		return
	}
	query := card.DatasetQuery.Native.Query

	ctes := map[string]struct{}{}
	for _, match := range regexpcache.MustCompile(ctePattern).FindAllStringSubmatch(query, -1) {
		for _, group := range match[1:] {
			if group != "" {
				ctes[strings.ToLower(group)] = struct{}{}
			}
		}
	}

	for _, match := range regexpcache.MustCompile(exposurePattern).FindAllStringSubmatch(query, -1) {
		// BigQuery wraps qualified names in backticks.
		sqlRef := strings.Trim(match[1], "`")

		segments := strings.Split(sqlRef, ".")
		for i, s := range segments {
			segments[i] = strings.ToLower(strings.Trim(s, `"`))
		}

		// Qualified references can not point at CTEs.
		if _, cte := ctes[segments[len(segments)-1]]; cte && !strings.Contains(sqlRef, ".") {
			continue
		}

		if len(segments) < 2 {
			segments = append([]string{strings.ToLower(manifest.DefaultSchema)}, segments...)
		}
		if len(segments) < 3 {
			database := strings.ToLower(rctx.databaseNames[card.DatasetQuery.Database])
			segments = append([]string{database}, segments...)
		}

		parsed := strings.Join(segments, ".")

		// Only refable models enter the dependency set, anything else would
		// break the dbt graph.
		if _, ok := rctx.modelRefs[parsed]; !ok {
			continue
		}

		b.depends[parsed] = struct{}{}
		e.logger.Info("extracted model", "model", parsed, "from", "native query")
	}

	// Dashboards aggregate many queries, attaching one would be misleading.
	if b.model != "dashboard" {
		b.nativeQuery = query
	}
}
