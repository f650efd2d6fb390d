// Package export renders the catalog as a spreadsheet: one header row of
// schema labels followed by one row per product in the order given.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/storefront-catalog/internal/crawler"
)

// SheetName is the worksheet that receives the catalog in xlsx exports.
const SheetName = "Catalog"

// Writer serializes records under a schema.
type Writer interface {
	Write(w io.Writer, schema crawler.Schema, records []crawler.ProductRecord) error
	ContentType() string
	Extension() string
}

// ForPath picks a writer from the file extension of path.
func ForPath(path string) (Writer, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx":
		return XLSXWriter{}, nil
	case ".csv":
		return CSVWriter{}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", ext)
	}
}

// XLSXWriter writes an Excel workbook with a single sheet.
type XLSXWriter struct{}

// ContentType implements Writer.
func (XLSXWriter) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Extension implements Writer.
func (XLSXWriter) Extension() string { return ".xlsx" }

// Write implements Writer. Null values become empty cells.
func (XLSXWriter) Write(w io.Writer, schema crawler.Schema, records []crawler.ProductRecord) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close workbook: %w", cerr)
		}
	}()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("open sheet writer: %w", err)
	}

	headers := schema.Headers()
	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	if err := sw.SetRow("A1", row); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	cols := schema.Names()
	for n, rec := range records {
		row := make([]any, len(cols))
		for i, col := range cols {
			if v := rec.Field(col); v != nil {
				row[i] = *v
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("write row %s: %w", rec.ProductID, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// CSVWriter writes RFC 4180 comma-separated values.
type CSVWriter struct{}

// ContentType implements Writer.
func (CSVWriter) ContentType() string { return "text/csv" }

// Extension implements Writer.
func (CSVWriter) Extension() string { return ".csv" }

// Write implements Writer. Null values become empty fields.
func (CSVWriter) Write(w io.Writer, schema crawler.Schema, records []crawler.ProductRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(schema.Headers()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	cols := schema.Names()
	row := make([]string, len(cols))
	for _, rec := range records {
		for i, col := range cols {
			row[i] = ""
			if v := rec.Field(col); v != nil {
				row[i] = *v
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %s: %w", rec.ProductID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
