package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"ledgerbridge/internal/models"

	"github.com/xuri/excelize/v2"
)

// Sheet is one table of an export: a header row and string cells.
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Workbook is the tabular form of an export before it is rendered.
type Workbook struct {
	Sheets []*Sheet
}

// Len counts data rows across every sheet.
func (w *Workbook) Len() int {
	n := 0
	for _, s := range w.Sheets {
		n += len(s.Rows)
	}
	return n
}

// sheetBuilder flattens entities of one type into a sheet. Columns are
// the union of top-level JSON fields in sorted order with id first.
type sheetBuilder struct {
	name    string
	records []map[string]string
	columns map[string]struct{}
}

func newSheetBuilder(t models.EntityType) *sheetBuilder {
	return &sheetBuilder{name: t.String(), columns: make(map[string]struct{})}
}

func (b *sheetBuilder) add(e models.Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return err
	}

	rec := make(map[string]string, len(fields))
	for k, v := range fields {
		b.columns[k] = struct{}{}
		rec[k] = cell(v)
	}
	b.records = append(b.records, rec)
	return nil
}

func cell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		raw, _ := json.Marshal(x)
		return string(raw)
	}
}

func (b *sheetBuilder) sheet() *Sheet {
	header := make([]string, 0, len(b.columns))
	for c := range b.columns {
		if c != "id" {
			header = append(header, c)
		}
	}
	sort.Strings(header)
	header = append([]string{"id"}, header...)

	s := &Sheet{Name: b.name, Header: header, Rows: make([][]string, 0, len(b.records))}
	for _, rec := range b.records {
		row := make([]string, len(header))
		for i, c := range header {
			row[i] = rec[c]
		}
		s.Rows = append(s.Rows, row)
	}
	return s
}

// RenderXLSX writes book as an xlsx workbook with one worksheet per sheet.
func RenderXLSX(book *Workbook, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	first := true
	for _, s := range book.Sheets {
		if first {
			if err := f.SetSheetName("Sheet1", s.Name); err != nil {
				return err
			}
			first = false
		} else if _, err := f.NewSheet(s.Name); err != nil {
			return err
		}

		header := make([]interface{}, len(s.Header))
		for i, h := range s.Header {
			header[i] = h
		}
		if err := f.SetSheetRow(s.Name, "A1", &header); err != nil {
			return err
		}
		if len(s.Header) > 0 {
			last, _ := excelize.CoordinatesToCellName(len(s.Header), 1)
			if err := f.SetCellStyle(s.Name, "A1", last, headerStyle); err != nil {
				return err
			}
		}

		for i, r := range s.Rows {
			row := make([]interface{}, len(r))
			for j, v := range r {
				row[j] = v
			}
			start, _ := excelize.CoordinatesToCellName(1, i+2)
			if err := f.SetSheetRow(s.Name, start, &row); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}
