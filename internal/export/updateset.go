package export

import (
	"sort"

	"github.com/spf13/cast"

	"github.com/metabridge-labs/metabridge/internal/catalog"
)

const (
	kindTable = "table"
	kindField = "field"
)

// update is one pending PUT against a catalog entity. Changes queued for the
// same entity merge into a single request.
type update struct {
	kind  string
	id    int
	label string
	body  map[string]any
}

func (u *update) attributes() []string {
	keys := keysOf(u.body)
	sort.Strings(keys)
	return keys
}

// updateSet accumulates pending updates keyed by entity kind and id,
// preserving first-queued order.
type updateSet struct {
	order []string
	byKey map[string]*update
}

func newUpdateSet() *updateSet {
	return &updateSet{byKey: map[string]*update{}}
}

func (s *updateSet) queueTable(table *catalog.Table, label string, change map[string]any) {
	s.queue(kindTable, table.ID, label, change)
	applyToTable(table, change)
}

func (s *updateSet) queueField(field *catalog.Field, label string, change map[string]any) {
	s.queue(kindField, field.ID, label, change)
	applyToField(field, change)
}

func (s *updateSet) queue(kind string, id int, label string, change map[string]any) {
	key := kind + ":" + cast.ToString(id)
	u, ok := s.byKey[key]
	if !ok {
		u = &update{kind: kind, id: id, label: label, body: map[string]any{}}
		s.byKey[key] = u
		s.order = append(s.order, key)
	}
	for k, v := range change {
		u.body[k] = v
	}
}

func (s *updateSet) ordered() []*update {
	out := make([]*update, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.byKey[key])
	}
	return out
}

// applyToTable folds a queued change back into the snapshot so later diffs
// against the same entity see the pending state and do not requeue it.
func applyToTable(t *catalog.Table, change map[string]any) {
	for key, value := range change {
		switch key {
		case "display_name":
			t.DisplayName = cast.ToString(value)
		case "description":
			t.Description = cast.ToString(value)
		case "points_of_interest":
			t.PointsOfInterest = cast.ToString(value)
		case "caveats":
			t.Caveats = cast.ToString(value)
		case "visibility_type":
			t.VisibilityType = cast.ToString(value)
		}
		if t.Raw != nil {
			t.Raw[key] = value
		}
	}
}

func applyToField(f *catalog.Field, change map[string]any) {
	for key, value := range change {
		switch key {
		case "display_name":
			f.DisplayName = cast.ToString(value)
		case "description":
			f.Description = cast.ToString(value)
		case "visibility_type":
			f.VisibilityType = cast.ToString(value)
		case "fk_target_field_id":
			f.FKTargetFieldID = cast.ToInt(value)
		case "has_field_values":
			f.HasFieldValues = cast.ToString(value)
		case "coercion_strategy":
			f.CoercionStrategy = cast.ToString(value)
		case "settings":
			if m, ok := value.(map[string]any); ok {
				f.Settings = m
			}
		case f.SemanticTypeKey:
			f.SemanticType = cast.ToString(value)
		}
		if f.Raw != nil {
			f.Raw[key] = value
		}
	}
}
