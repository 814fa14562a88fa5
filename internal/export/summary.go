package export

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary tallies the outcome of one export run.
type Summary struct {
	TablesUpdated int
	TablesCurrent int
	TablesSkipped int

	FieldsUpdated int
	FieldsCurrent int
	FieldsSkipped int
}

// Skipped reports how many entities could not be reconciled.
func (s *Summary) Skipped() int {
	return s.TablesSkipped + s.FieldsSkipped
}

// Render writes the run summary as a table.
func (s *Summary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"", "Updated", "Up to date", "Skipped"})
	t.AppendRow(table.Row{"Tables", s.TablesUpdated, s.TablesCurrent, s.TablesSkipped})
	t.AppendRow(table.Row{"Fields", s.FieldsUpdated, s.FieldsCurrent, s.FieldsSkipped})
	t.Render()
	if n := s.Skipped(); n > 0 {
		fmt.Fprintf(w, "%d entities were skipped, see warnings above\n", n)
	}
}
