package exposures

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/metabridge-labs/metabridge/internal/format"
)

// resourceVersion is the dbt properties file version.
const resourceVersion = 2

// Exposure is one extracted card or dashboard.
type Exposure struct {
	ID         int
	Type       string // card, dashboard
	Collection string // collection slug
	Body       Body
}

// Body is the dbt exposure representation, see
// https://docs.getdbt.com/reference/exposure-properties.
type Body struct {
	Name        string   `yaml:"name"`
	Label       string   `yaml:"label"`
	Description string   `yaml:"description"`
	Type        string   `yaml:"type"`
	URL         string   `yaml:"url"`
	Maturity    string   `yaml:"maturity"`
	Owner       Owner    `yaml:"owner"`
	DependsOn   []string `yaml:"depends_on"`
	Meta        *Meta    `yaml:"meta,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Owner attributes an exposure to its Metabase creator.
type Owner struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// Meta carries usage statistics alongside the exposure.
type Meta struct {
	AverageQueryTime string `yaml:"average_query_time,omitempty"`
	LastUsedAt       string `yaml:"last_used_at,omitempty"`
}

func (e *Extractor) renderBody(rctx *runContext, b *builder, tags []string) Body {
	var dbtType, entityURL string
	switch b.model {
	case "card":
		dbtType = "analysis"
		entityURL = e.client.CardURL(b.id)
	case "dashboard":
		dbtType = "dashboard"
		entityURL = e.client.DashboardURL(b.id)
	}

	header := ""
	if b.header != "" {
		header = fmt.Sprintf("### %s\n\n", b.header)
	}

	description := strings.TrimSpace(b.description)
	if description == "" {
		description = "No description provided in Metabase"
	}

	nativeQuery := ""
	if b.nativeQuery != "" {
		var lines []string
		for _, line := range strings.Split(b.nativeQuery, "\n") {
			if strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
		nativeQuery = fmt.Sprintf("#### Query\n\n```\n%s\n```\n\n", strings.Join(lines, "\n"))
	}

	metadata := fmt.Sprintf("#### Metadata\n\nMetabase ID: __%d__\n\nCreated On: __%s__", b.id, b.createdAt)

	dependsOn := make([]string, 0, len(b.depends))
	for depend := range b.depends {
		if ref, ok := rctx.modelRefs[depend]; ok {
			dependsOn = append(dependsOn, ref)
		}
	}
	sort.Strings(dependsOn)

	body := Body{
		Name:        b.name,
		Label:       b.label,
		Description: format.SafeDescription(header + description + "\n\n" + nativeQuery + metadata),
		Type:        dbtType,
		URL:         entityURL,
		Maturity:    "medium",
		Owner:       Owner{Name: b.creatorName, Email: b.creatorEmail},
		DependsOn:   dependsOn,
		Tags:        tags,
	}

	if b.averageQueryTime != "" || b.lastUsedAt != "" {
		body.Meta = &Meta{
			AverageQueryTime: b.averageQueryTime,
			LastUsedAt:       b.lastUsedAt,
		}
	}

	return body
}

// writeExposures writes the extracted exposures under outputPath, one file
// per group. Existing files are replaced wholesale.
func writeExposures(exposures []Exposure, outputPath, grouping string) error {
	type group struct {
		segments []string
		bodies   []Body
	}

	var order []string
	groups := map[string]*group{}

	for _, exposure := range exposures {
		var segments []string
		switch grouping {
		case GroupCollection:
			segments = []string{exposure.Collection}
		case GroupType:
			segments = []string{exposure.Type, strconv.Itoa(exposure.ID)}
		default:
			segments = []string{"exposures"}
		}

		key := strings.Join(segments, "/")
		g, ok := groups[key]
		if !ok {
			g = &group{segments: segments}
			groups[key] = g
			order = append(order, key)
		}
		g.bodies = append(g.bodies, exposure.Body)
	}

	for _, key := range order {
		g := groups[key]

		path := filepath.Join(outputPath, filepath.Join(g.segments[:len(g.segments)-1]...))
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		path = filepath.Join(path, g.segments[len(g.segments)-1]+".yml")

		sort.Slice(g.bodies, func(i, j int) bool {
			return g.bodies[i].Name < g.bodies[j].Name
		})

		if err := writeExposureFile(path, g.bodies); err != nil {
			return err
		}
	}

	return nil
}

func writeExposureFile(path string, bodies []Body) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create exposure file: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()

	doc := struct {
		Version   int    `yaml:"version"`
		Exposures []Body `yaml:"exposures"`
	}{
		Version:   resourceVersion,
		Exposures: bodies,
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
