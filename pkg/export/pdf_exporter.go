package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

// PDFOptions controls page layout.
type PDFOptions struct {
	Title     string
	Subtitle  string
	Landscape bool
}

// PDFExporter renders datasets into a tabular PDF, one section per group.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a PDF document. Table headers repeat after every page break and at each new group.
func (e *PDFExporter) Render(data Dataset, opts PDFOptions) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	orientation := "P"
	if opts.Landscape {
		orientation = "L"
	}
	pdf := gofpdf.New(orientation, "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.SetAutoPageBreak(false, 15)
	pdf.AddPage()

	pageWidth, pageHeight := pdf.GetPageSize()
	left, _, right, bottom := pdf.GetMargins()
	usable := pageWidth - left - right

	if opts.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, opts.Title, "", 1, "C", false, 0, "")
	}
	if opts.Subtitle != "" {
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 6, opts.Subtitle, "", 1, "C", false, 0, "")
	}
	pdf.Ln(4)

	columns := make([]string, 0, len(data.Headers))
	for _, header := range data.Headers {
		if header != data.GroupBy || data.GroupBy == "" {
			columns = append(columns, header)
		}
	}
	colWidth := usable / float64(len(columns))

	writeHeader := func() {
		pdf.SetFont("Arial", "B", 10)
		pdf.SetFillColor(230, 230, 230)
		for _, header := range columns {
			pdf.CellFormat(colWidth, 8, header, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 9)
	}
	ensureSpace := func(height float64) bool {
		if pdf.GetY()+height <= pageHeight-bottom {
			return false
		}
		pdf.AddPage()
		return true
	}

	group := "\x00"
	if data.GroupBy == "" {
		writeHeader()
	}
	for _, row := range data.Rows {
		if data.GroupBy != "" && row[data.GroupBy] != group {
			group = row[data.GroupBy]
			ensureSpace(25)
			pdf.Ln(2)
			pdf.SetFont("Arial", "B", 12)
			pdf.CellFormat(0, 8, fmt.Sprintf("%s: %s", data.GroupBy, group), "", 1, "L", false, 0, "")
			writeHeader()
		}
		if ensureSpace(7) {
			writeHeader()
		}
		for _, header := range columns {
			pdf.CellFormat(colWidth, 7, row[header], "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
