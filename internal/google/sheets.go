// Package google stores tabular exports as tabs of a Google spreadsheet.
package google

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"ledgerbridge/internal/export"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var _ export.Sink = (*SheetsSink)(nil)

// SheetsSink writes each export into its own tab named after the export id.
// Entity sheets are stacked in that tab, each under a "# <type>" marker row.
type SheetsSink struct {
	service       *sheets.Service
	spreadsheetID string
	logger        *zerolog.Logger
}

func NewSheetsSink(ctx context.Context, credentialsFile, spreadsheetID string, logger *zerolog.Logger) (*SheetsSink, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newSheetsSink(srv, spreadsheetID, logger), nil
}

func newSheetsSink(srv *sheets.Service, spreadsheetID string, logger *zerolog.Logger) *SheetsSink {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "sheets_sink").Logger()
	return &SheetsSink{service: srv, spreadsheetID: spreadsheetID, logger: &l}
}

// TestConnection checks that the spreadsheet is reachable.
func (s *SheetsSink) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Get(s.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

func quote(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func values(book *export.Workbook) [][]interface{} {
	var out [][]interface{}
	for i, sh := range book.Sheets {
		if i > 0 {
			out = append(out, []interface{}{})
		}
		out = append(out, []interface{}{"# " + sh.Name})
		header := make([]interface{}, len(sh.Header))
		for j, h := range sh.Header {
			header[j] = h
		}
		out = append(out, header)
		for _, r := range sh.Rows {
			row := make([]interface{}, len(r))
			for j, v := range r {
				row[j] = v
			}
			out = append(out, row)
		}
	}
	return out
}

func (s *SheetsSink) Write(ctx context.Context, exportID string, book *export.Workbook) (string, error) {
	title := exportID
	resp, err := s.service.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: title}},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return "", classify("add export tab", err)
	}

	data := values(book)
	if len(data) > 0 {
		_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, quote(title)+"!A1", &sheets.ValueRange{Values: data}).
			ValueInputOption("RAW").
			Context(ctx).
			Do()
		if err != nil {
			return "", classify("write export tab", err)
		}
	}

	if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil {
		s.resizeColumns(ctx, resp.Replies[0].AddSheet.Properties.SheetId)
	}
	s.logger.Debug().Str("tab", title).Int("rows", book.Len()).Msg("Export written to spreadsheet")
	return title, nil
}

// resizeColumns fits column widths to content. Failures only cost looks.
func (s *SheetsSink) resizeColumns(ctx context.Context, sheetID int64) {
	_, err := s.service.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AutoResizeDimensions: &sheets.AutoResizeDimensionsRequest{
				Dimensions: &sheets.DimensionRange{SheetId: sheetID, Dimension: "COLUMNS"},
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		s.logger.Warn().Err(err).Int64("sheet_id", sheetID).Msg("Unable to adjust column widths")
	}
}

// Open returns the tab as CSV.
func (s *SheetsSink) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, quote(locator)).Context(ctx).Do()
	if err != nil {
		return nil, classify("read export tab", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range resp.Values {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = fmt.Sprint(v)
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (s *SheetsSink) Remove(ctx context.Context, locator string) error {
	id, err := s.SheetIDByName(ctx, locator)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.service.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{DeleteSheet: &sheets.DeleteSheetRequest{SheetId: id}}},
	}).Context(ctx).Do()
	if err != nil {
		return classify("delete export tab", err)
	}
	return nil
}

func (s *SheetsSink) ContentType(string) string { return "text/csv" }

// SheetIDByName returns the numeric id of the tab titled name.
func (s *SheetsSink) SheetIDByName(ctx context.Context, name string) (int64, error) {
	spreadsheet, err := s.service.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return 0, classify("get spreadsheet", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == name {
			return sheet.Properties.SheetId, nil
		}
	}
	return 0, syncerr.Newf(syncerr.ErrNotFound, "get spreadsheet", "tab %q not found", name)
}

// classify maps API failures onto sync error kinds. A range naming a tab
// that does not exist comes back as 400.
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusBadRequest:
			return syncerr.Wrap(syncerr.ErrNotFound, op, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return syncerr.Wrap(syncerr.ErrRateLimited, op, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return syncerr.Wrap(syncerr.ErrAuth, op, err)
		}
	}
	return syncerr.Wrap(syncerr.ErrTransient, op, err)
}
