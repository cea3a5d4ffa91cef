package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/export"
	"ledgerbridge/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 speaks just enough path-style S3 for put, get and delete.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = data
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Write(data)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newSink(t *testing.T) (*S3Sink, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	sink, err := NewS3Sink(context.Background(), config.S3Config{
		Bucket:          "exports",
		Region:          "eu-west-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Prefix:          "/ledger/",
		UsePathStyle:    true,
	}, nil)
	require.NoError(t, err)
	return sink, fake
}

func TestS3Sink_WriteOpenRemove(t *testing.T) {
	sink, fake := newSink(t)
	ctx := context.Background()

	book := &export.Workbook{Sheets: []*export.Sheet{{
		Name:   "customer",
		Header: []string{"id", "name"},
		Rows:   [][]string{{"C-1", "Acme"}},
	}}}
	loc, err := sink.Write(ctx, "exp-1", book)
	require.NoError(t, err)
	assert.Equal(t, "ledger/exp-1.xlsx", loc)
	assert.Equal(t, contentXLSX, fake.types["/exports/ledger/exp-1.xlsx"])
	assert.Equal(t, contentXLSX, sink.ContentType(loc))

	raw, err := sink.WriteRaw(ctx, "exp-2.native", strings.NewReader("vendor bytes"))
	require.NoError(t, err)
	rc, err := sink.Open(ctx, raw)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "vendor bytes", string(data))

	require.NoError(t, sink.Remove(ctx, raw))
	_, err = sink.Open(ctx, raw)
	assert.True(t, errors.Is(err, syncerr.ErrNotFound))
}

func TestS3Sink_PresignedURL(t *testing.T) {
	sink, _ := newSink(t)

	u, err := sink.URL(context.Background(), "ledger/exp-1.xlsx")
	require.NoError(t, err)
	assert.Contains(t, u, "/exports/ledger/exp-1.xlsx")
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Contains(t, u, "X-Amz-Expires=900")
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), config.S3Config{}, nil)
	assert.Error(t, err)
}
