package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ledgerbridge/internal/export"
	"ledgerbridge/internal/syncerr"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// fakeSpreadsheet keeps tabs in memory and answers the handful of calls
// the sink makes.
type fakeSpreadsheet struct {
	mu     sync.Mutex
	nextID int64
	ids    map[string]int64
	tabs   map[string][][]interface{}
}

func (f *fakeSpreadsheet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":batchUpdate"):
		var req sheets.BatchUpdateSpreadsheetRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := sheets.BatchUpdateSpreadsheetResponse{}
		for _, q := range req.Requests {
			switch {
			case q.AddSheet != nil:
				f.nextID++
				f.ids[q.AddSheet.Properties.Title] = f.nextID
				f.tabs[q.AddSheet.Properties.Title] = nil
				resp.Replies = append(resp.Replies, &sheets.Response{
					AddSheet: &sheets.AddSheetResponse{Properties: &sheets.SheetProperties{SheetId: f.nextID}},
				})
			case q.DeleteSheet != nil:
				for title, id := range f.ids {
					if id == q.DeleteSheet.SheetId {
						delete(f.ids, title)
						delete(f.tabs, title)
					}
				}
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	case strings.Contains(path, "/values/"):
		rng := path[strings.Index(path, "/values/")+len("/values/"):]
		title := strings.Trim(strings.SplitN(rng, "!", 2)[0], "'")
		if _, ok := f.tabs[title]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Unable to parse range"}}`)
			return
		}
		if r.Method == http.MethodPut {
			var vr sheets.ValueRange
			_ = json.NewDecoder(r.Body).Decode(&vr)
			f.tabs[title] = vr.Values
			_ = json.NewEncoder(w).Encode(sheets.UpdateValuesResponse{})
			return
		}
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: f.tabs[title]})
	case r.Method == http.MethodGet:
		ss := sheets.Spreadsheet{SpreadsheetId: "sid"}
		for title, id := range f.ids {
			ss.Sheets = append(ss.Sheets, &sheets.Sheet{Properties: &sheets.SheetProperties{Title: title, SheetId: id}})
		}
		_ = json.NewEncoder(w).Encode(ss)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func setupSink(t *testing.T) (*SheetsSink, *fakeSpreadsheet) {
	t.Helper()
	fake := &fakeSpreadsheet{ids: map[string]int64{}, tabs: map[string][][]interface{}{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	srv, err := sheets.NewService(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("sheets service: %v", err)
	}
	return newSheetsSink(srv, "sid", nil), fake
}

func TestSheetsSink_WriteAndOpenAsCSV(t *testing.T) {
	ctx := context.Background()
	s, fake := setupSink(t)

	book := &export.Workbook{Sheets: []*export.Sheet{
		{Name: "customer", Header: []string{"id", "name"}, Rows: [][]string{{"C-1", "Acme, Inc"}}},
		{Name: "vendor", Header: []string{"id", "name"}, Rows: [][]string{{"V-1", "Globex"}}},
	}}
	loc, err := s.Write(ctx, "exp-1", book)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if loc != "exp-1" {
		t.Errorf("Expected locator exp-1, got %q", loc)
	}
	if len(fake.tabs["exp-1"]) != 7 {
		t.Errorf("Expected 7 rows in tab, got %d", len(fake.tabs["exp-1"]))
	}

	rc, err := s.Open(ctx, loc)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()

	want := "# customer\nid,name\nC-1,\"Acme, Inc\"\n\n# vendor\nid,name\nV-1,Globex\n"
	if string(data) != want {
		t.Errorf("Unexpected CSV:\n%s", data)
	}
	if got := s.ContentType(loc); got != "text/csv" {
		t.Errorf("Expected text/csv, got %s", got)
	}
}

func TestSheetsSink_RemoveDeletesTab(t *testing.T) {
	ctx := context.Background()
	s, fake := setupSink(t)

	if _, err := s.Write(ctx, "exp-2", &export.Workbook{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	id, err := s.SheetIDByName(ctx, "exp-2")
	if err != nil || id == 0 {
		t.Fatalf("SheetIDByName: id=%d err=%v", id, err)
	}

	if err := s.Remove(ctx, "exp-2"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := fake.ids["exp-2"]; ok {
		t.Error("Expected tab to be deleted")
	}
	if err := s.Remove(ctx, "exp-2"); err != nil {
		t.Errorf("Removing a missing tab should succeed, got %v", err)
	}

	_, err = s.Open(ctx, "exp-2")
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSheetsSink_TestConnection(t *testing.T) {
	s, _ := setupSink(t)
	if err := s.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection failed: %v", err)
	}
}

func TestQuoteEscapesApostrophes(t *testing.T) {
	if got := quote("o'brien"); got != "'o''brien'" {
		t.Errorf("quote = %s", got)
	}
}
