// Package export renders event store statistics as text, XLSX or PDF.
package export

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"magicsaas-pipeline/internal/eventstore/domain"
)

// Supported formats.
const (
	FormatText = "text"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

type row struct {
	label string
	count int64
}

func typeRows(stats domain.Stats) []row {
	rows := make([]row, 0, len(stats.ByType))
	for eventType, n := range stats.ByType {
		rows = append(rows, row{label: eventType, count: n})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].label < rows[j].label })
	return rows
}

func layerRows(stats domain.Stats) []row {
	layers := make([]domain.Layer, 0, len(stats.ByLayer))
	for layer := range stats.ByLayer {
		layers = append(layers, layer)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i] < layers[j] })
	rows := make([]row, 0, len(layers))
	for _, layer := range layers {
		rows = append(rows, row{label: fmt.Sprintf("%d (%s)", int(layer), layer), count: stats.ByLayer[layer]})
	}
	return rows
}

func lastFlush(stats domain.Stats) string {
	if stats.LastFlushAt.IsZero() {
		return "never"
	}
	return stats.LastFlushAt.Format(time.RFC3339)
}

// Render writes stats to w in the given format.
func Render(w io.Writer, stats domain.Stats, format string) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case "", FormatText:
		return WriteText(w, stats)
	case FormatXLSX:
		data, err = BuildStatsXLSX(stats)
	case FormatPDF:
		data, err = BuildStatsPDF(stats)
	default:
		return fmt.Errorf("export: unsupported format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteText writes a plain table.
func WriteText(w io.Writer, stats domain.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "total\t%d\n", stats.Total)
	fmt.Fprintf(tw, "buffered\t%d\n", stats.Buffered)
	fmt.Fprintf(tw, "flushes\t%d\n", stats.Flushes)
	fmt.Fprintf(tw, "failed flushes\t%d\n", stats.FailedFlushes)
	fmt.Fprintf(tw, "last flush\t%s\n", lastFlush(stats))
	if stats.LastFlushError != "" {
		fmt.Fprintf(tw, "last flush error\t%s\n", stats.LastFlushError)
	}
	fmt.Fprintln(tw, "\nTYPE\tCOUNT")
	for _, r := range typeRows(stats) {
		fmt.Fprintf(tw, "%s\t%d\n", r.label, r.count)
	}
	fmt.Fprintln(tw, "\nLAYER\tCOUNT")
	for _, r := range layerRows(stats) {
		fmt.Fprintf(tw, "%s\t%d\n", r.label, r.count)
	}
	return tw.Flush()
}

// BuildStatsPDF renders a one-page PDF report.
func BuildStatsPDF(stats domain.Stats) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Event Store Statistics")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Persisted events: %d", stats.Total))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Buffered events: %d", stats.Buffered))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Flushes: %d (failed %d)", stats.Flushes, stats.FailedFlushes))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Last flush: %s", lastFlush(stats)))
	pdf.Ln(8)

	table := func(title string, rows []row) {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(100, 6, title, "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, "Count", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, r := range rows {
			pdf.CellFormat(100, 6, r.label, "1", 0, "L", false, 0, "")
			pdf.CellFormat(40, 6, fmt.Sprintf("%d", r.count), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
		pdf.Ln(4)
	}
	table("Event type", typeRows(stats))
	table("Layer", layerRows(stats))

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildStatsXLSX renders a workbook with summary, types and layers sheets.
func BuildStatsXLSX(stats domain.Stats) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	typesSheet := "types"
	layersSheet := "layers"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(typesSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(layersSheet); err != nil {
		return nil, err
	}

	summary := [][2]any{
		{"Event Store Statistics", ""},
		{"Persisted", stats.Total},
		{"Buffered", stats.Buffered},
		{"Flushes", stats.Flushes},
		{"Failed flushes", stats.FailedFlushes},
		{"Last flush", lastFlush(stats)},
		{"Last flush error", stats.LastFlushError},
	}
	for i, kv := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), kv[1])
	}

	writeRows := func(sheet, header string, rows []row) {
		_ = f.SetCellValue(sheet, "A1", header)
		_ = f.SetCellValue(sheet, "B1", "Count")
		for i, r := range rows {
			_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", i+2), r.label)
			_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", i+2), r.count)
		}
	}
	writeRows(typesSheet, "Event type", typeRows(stats))
	writeRows(layersSheet, "Layer", layerRows(stats))

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
