package export

import "fmt"

// Format names a supported rendering.
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ContentType returns the MIME type of the rendered document.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/csv; charset=utf-8"
	}
}

// ParseFormat defaults to CSV when raw is empty.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// Column describes one table column. Width is a relative weight used by the PDF layout.
type Column struct {
	Header string
	Width  float64
}

// Table is row-oriented tabular content; each row has one cell per column.
type Table struct {
	Title    string
	Subtitle string
	Columns  []Column
	Rows     [][]string
}

func (t Table) validate() error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table requires at least one column")
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// Render dispatches to the renderer for format.
func Render(t Table, format Format) ([]byte, error) {
	switch format {
	case FormatPDF:
		return RenderPDF(t)
	case FormatCSV:
		return RenderCSV(t)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
