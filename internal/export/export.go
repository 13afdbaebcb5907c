// Package export writes listings to CSV and XLSX files.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shelfie/shelfie/internal/listing"
	"github.com/xuri/excelize/v2"
)

const SheetName = "Listings"

var (
	ErrNothingToExport = errors.New("no listings to export")
	ErrInvalidFormat   = errors.New("invalid export format")
	ErrInvalidFilter   = errors.New("invalid export type")
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}

// ContentType returns the MIME type of files in format f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Filter selects which listing types are exported.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterFb      Filter = Filter(listing.TypeFacebook)
	FilterGeneral Filter = Filter(listing.TypeGeneral)
)

func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(s)) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterFb:
		return FilterFb, nil
	case FilterGeneral:
		return FilterGeneral, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFilter, s)
}

func (f Filter) match(l *listing.Listing) bool {
	return f == FilterAll || f == "" || Filter(l.Type()) == f
}

// Spreadsheet columns.
const (
	colTitle             = "Title"
	colPrice             = "Price"
	colStatus            = "Status"
	colDescription       = "Description"
	colCategory          = "Category"
	colCreated           = "Created"
	colPlatform          = "Platform"
	colCondition         = "Condition"
	colBrand             = "Brand"
	colModel             = "Model"
	colAdditionalDetails = "Additional Details"
)

// Row is one exported listing. Columns lists the cell names in order; the
// set depends on the listing type.
type Row struct {
	Columns []string
	Values  map[string]any
}

func (r Row) add(col string, v any) Row {
	r.Columns = append(r.Columns, col)
	r.Values[col] = v
	return r
}

// Rows converts the listings that pass filter into spreadsheet rows.
// Facebook rows use the platform specific title, price, category,
// description and condition when those are set.
func Rows(listings []*listing.Listing, filter Filter) ([]Row, error) {
	var rows []Row
	for _, l := range listings {
		if !filter.match(l) {
			continue
		}
		rows = append(rows, newRow(l))
	}
	if len(rows) == 0 {
		return nil, ErrNothingToExport
	}
	return rows, nil
}

func newRow(l *listing.Listing) Row {
	title, price, category, description := l.Title, l.Price, l.Category, l.Description
	fb := l.Fb()
	if fb != nil {
		title = pick(fb.Title, title)
		category = pick(fb.Category, category)
		description = pick(fb.Description, description)
		if fb.Price > 0 {
			price = fb.Price
		}
	}
	status := string(l.Status)
	if status == "" {
		status = string(listing.StatusDraft)
	}
	created := ""
	if !l.CreatedAt.IsZero() {
		created = l.CreatedAt.Format(time.DateOnly)
	}

	r := Row{Values: make(map[string]any)}
	r = r.add(colTitle, title).
		add(colPrice, price).
		add(colStatus, status).
		add(colDescription, description).
		add(colCategory, category).
		add(colCreated, created)

	if fb != nil {
		return r.add(colPlatform, "Facebook Marketplace").
			add(colCondition, pick(string(fb.Condition), l.Condition)).
			add(colBrand, l.Brand)
	}
	g := l.General()
	if g == nil {
		g = &listing.GeneralDetails{}
	}
	return r.add(colPlatform, "General Listing").
		add(colBrand, l.Brand).
		add(colModel, g.Model).
		add(colCondition, l.Condition).
		add(colAdditionalDetails, g.AdditionalDetails)
}

func pick(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// header returns every column used by rows, in order of first appearance.
func header(rows []Row) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for _, c := range r.Columns {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

var columnWidths = []float64{30, 10, 10, 50, 15, 12, 20, 15}

// WriteXLSX writes the listings that pass filter as a workbook with a single
// "Listings" sheet.
func WriteXLSX(w io.Writer, listings []*listing.Listing, filter Filter) error {
	rows, err := Rows(listings, filter)
	if err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	cols := header(rows)
	for i, c := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, c); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	for r, row := range rows {
		for i, c := range cols {
			v, ok := row.Values[c]
			if !ok {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(i+1, r+2)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return fmt.Errorf("failed to write row %d: %w", r+1, err)
			}
		}
	}
	for i, width := range columnWidths {
		if i >= len(cols) {
			break
		}
		name, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(SheetName, name, name, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

var csvHeader = []string{"Title", "Description", "Price", "Condition", "Category", "Brand"}

// WriteCSV writes a compact CSV with one line per listing. A zero price is
// left blank.
func WriteCSV(w io.Writer, listings []*listing.Listing, filter Filter) error {
	var selected []*listing.Listing
	for _, l := range listings {
		if filter.match(l) {
			selected = append(selected, l)
		}
	}
	if len(selected) == 0 {
		return ErrNothingToExport
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, l := range selected {
		price := ""
		if l.Price > 0 {
			price = strconv.FormatFloat(l.Price, 'f', -1, 64)
		}
		if err := cw.Write([]string{l.Title, l.Description, price, l.Condition, l.Category, l.Brand}); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write dispatches to WriteCSV or WriteXLSX.
func Write(w io.Writer, format Format, listings []*listing.Listing, filter Filter) error {
	if format == FormatCSV {
		return WriteCSV(w, listings, filter)
	}
	return WriteXLSX(w, listings, filter)
}

// Filename returns shelfie-listings-<filter>-<timestamp>.<format>, where the
// timestamp is the UTC time with ':' and '.' replaced by '-'.
func Filename(format Format, filter Filter, now time.Time) string {
	if filter == "" {
		filter = FilterAll
	}
	ts := now.UTC().Format("2006-01-02T15-04-05")
	return fmt.Sprintf("shelfie-listings-%s-%s.%s", filter, ts, format)
}
