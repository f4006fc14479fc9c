package style

import (
	"regexp"
	"strings"
)

// Alignment positions cell text inside its column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
	AlignCenter
)

// Column describes one table column. Width is the content width in
// characters; longer cells are truncated with an ellipsis.
type Column struct {
	Name  string
	Width int
	Align Alignment
}

// Table renders fixed-width columnar CLI output. Cells are measured on
// their plain text so styled values line up.
type Table struct {
	columns   []Column
	rows      [][]string
	headerSep bool
	indent    string
}

// columnGap separates adjacent columns.
const columnGap = "  "

func NewTable(columns ...Column) *Table {
	return &Table{
		columns:   columns,
		headerSep: true,
		indent:    "  ",
	}
}

// SetIndent sets the prefix of every rendered line.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// SetHeaderSeparator toggles the rule between header and rows.
func (t *Table) SetHeaderSeparator(on bool) *Table {
	t.headerSep = on
	return t
}

// AddRow appends a row. Missing cells are padded empty; extra cells
// beyond the column count are dropped.
func (t *Table) AddRow(cells ...string) *Table {
	row := make([]string, len(t.columns))
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		}
	}
	t.rows = append(t.rows, row)
	return t
}

// Render returns the table as a string, one trailing newline per line.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	var b strings.Builder

	header := make([]string, len(t.columns))
	for i, col := range t.columns {
		name := truncate(col.Name, col.Width)
		header[i] = t.pad(Bold.Render(name), name, col.Width, col.Align)
	}
	b.WriteString(t.indent + strings.Join(header, columnGap) + "\n")

	if t.headerSep {
		width := len(columnGap) * (len(t.columns) - 1)
		for _, col := range t.columns {
			width += col.Width
		}
		b.WriteString(t.indent + Dim.Render(strings.Repeat("─", width)) + "\n")
	}

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, col := range t.columns {
			cell := row[i]
			plain := stripAnsi(cell)
			if len(plain) > col.Width {
				// Truncation drops styling rather than risk slicing
				// an escape sequence.
				cell = truncate(plain, col.Width)
				plain = cell
			}
			cells[i] = t.pad(cell, plain, col.Width, col.Align)
		}
		b.WriteString(t.indent + strings.Join(cells, columnGap) + "\n")
	}
	return b.String()
}

// pad aligns styled text to width, measuring on its plain form. Text
// at or over width is returned untouched.
func (t *Table) pad(styled, plain string, width int, align Alignment) string {
	gap := width - len(plain)
	if gap <= 0 {
		return styled
	}
	switch align {
	case AlignRight:
		return strings.Repeat(" ", gap) + styled
	case AlignCenter:
		left := gap / 2
		return strings.Repeat(" ", left) + styled + strings.Repeat(" ", gap-left)
	default:
		return styled + strings.Repeat(" ", gap)
	}
}

// truncate shortens plain text to width with a trailing ellipsis.
func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripAnsi removes ANSI escape sequences for width measurement.
func stripAnsi(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
