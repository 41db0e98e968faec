package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	jsoniter "github.com/json-iterator/go"

	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stateStyles = map[string]lipgloss.Style{
		string(model.LoadingStateDone):      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		string(model.LoadingStateLoading):   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		string(model.LoadingStateStreaming): lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		string(model.LoadingStateError):     errStyle,
	}
)

// printer writes command results as lipgloss tables or indented JSON.
type printer struct {
	w       io.Writer
	json    bool
	maxRows int
}

func (p printer) writeJSON(v any) error {
	data, err := jsonAPI.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}

func renderState(state string) string {
	if st, ok := stateStyles[state]; ok {
		return st.Render(state)
	}
	return dimStyle.Render(state)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func (p printer) dashboards(list []dashboard.Summary) error {
	if p.json {
		return p.writeJSON(list)
	}
	t := newTable("DASHBOARD", "UID", "PANEL", "TITLE", "DATASOURCE", "STATE")
	for _, d := range list {
		for _, panel := range d.Panels {
			t.Row(d.Title, d.UID, strconv.FormatInt(panel.ID, 10), panel.Title, panel.Datasource, renderState(panel.State))
		}
	}
	_, err := fmt.Fprintln(p.w, t.Render())
	return err
}

func (p printer) panelData(data *model.PanelData) error {
	if p.json {
		return p.writeJSON(data)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("state"), renderState(string(data.State)))
	if data.Error != nil {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("error"), errStyle.Render(data.Error.Message))
	}
	if data.Timings.QueryTime > 0 {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("query"), dimStyle.Render(data.Timings.QueryTime.String()))
	}
	for _, f := range data.Series {
		b.WriteString("\n")
		b.WriteString(p.frameTable(f))
		b.WriteString("\n")
	}
	_, err := fmt.Fprint(p.w, b.String())
	return err
}

// frameTable renders up to maxRows rows of f, oldest first.
func (p printer) frameTable(f *frame.Frame) string {
	title := f.Name
	if title == "" {
		title = f.RefID
	}
	headers := make([]string, len(f.Fields))
	for i, field := range f.Fields {
		headers[i] = field.Name
		if field.Config.Unit != "" {
			headers[i] += " (" + field.Config.Unit + ")"
		}
	}
	t := newTable(headers...)

	n := f.Len()
	shown := n
	if p.maxRows > 0 && shown > p.maxRows {
		shown = p.maxRows
	}
	for row := 0; row < shown; row++ {
		cells := make([]string, len(f.Fields))
		for i, field := range f.Fields {
			cells[i] = formatValue(field.At(row))
		}
		t.Row(cells...)
	}

	out := headerStyle.Render(title) + "\n" + t.Render()
	if shown < n {
		out += "\n" + dimStyle.Render(fmt.Sprintf("%d of %d rows", shown, n))
	}
	return out
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return val
	}
	return fmt.Sprint(v)
}
