package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/septivank/counter-ingest-worker/internal/config"
	"github.com/septivank/counter-ingest-worker/internal/parser"
	"go.uber.org/zap"
)

const headerPage = `<html><body>
<h1>Parc copieurs</h1>
<table>
  <tr><th>Adresse MAC</th><th>Horodatage</th><th>Total Pages</th><th>Modèle</th></tr>
  <tr><td>00:11:22:33:44:55</td><td>2024-03-15 14:25:30</td><td>1 234</td><td> MX-3071 </td></tr>
  <tr><td>AA-BB-CC-DD-EE-FF</td><td>2024-03-15 14:30:00</td><td>98</td><td></td></tr>
  <tr><td></td><td></td><td></td><td></td></tr>
</table>
<table><tr><th>ignored</th></tr></table>
</body></html>`

func doc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d
}

func TestParseTable_HeaderMapping(t *testing.T) {
	rows, err := ParseTable(doc(t, headerPage), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	mac, _ := rows[0].Fields.String(parser.FieldMAC)
	if mac != "00:11:22:33:44:55" {
		t.Errorf("mac = %q", mac)
	}
	if total := rows[0].Fields.Int(parser.FieldTotalPages); total == nil || *total != 1234 {
		t.Errorf("total pages = %v", total)
	}
	if model, _ := rows[0].Fields.String(parser.FieldModel); model != "MX-3071" {
		t.Errorf("model = %q", model)
	}
	if _, ok := rows[1].Fields.String(parser.FieldModel); ok {
		t.Error("empty cell should not be stored")
	}
	if rows[1].Index != 2 {
		t.Errorf("row index = %d, want 2", rows[1].Index)
	}
}

func TestParseTable_ColumnMapFallback(t *testing.T) {
	page := `<table>
<tr><td>c1</td><td>c2</td><td>c3</td></tr>
<tr><td>2024-03-15T14:25:30Z</td><td>001122334455</td><td>42</td></tr>
</table>`
	cm := map[string]int{"timestamp": 0, "mac": 1, "total_pages": 2}

	rows, err := ParseTable(doc(t, page), cm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// no <th>, so the first row is data too
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if ts, _ := rows[1].Fields.String(parser.FieldTimestamp); ts != "2024-03-15T14:25:30Z" {
		t.Errorf("timestamp = %q", ts)
	}
}

func TestParseTable_Errors(t *testing.T) {
	if _, err := ParseTable(doc(t, `<p>nothing</p>`), nil); !errors.Is(err, ErrNoTable) {
		t.Errorf("expected ErrNoTable, got %v", err)
	}
	page := `<table><tr><th>foo</th><th>bar</th></tr><tr><td>1</td><td>2</td></tr></table>`
	if _, err := ParseTable(doc(t, page), nil); !errors.Is(err, ErrNoMapping) {
		t.Errorf("expected ErrNoMapping, got %v", err)
	}
}

func TestHTMLSource_Fetch(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(headerPage))
	}))
	defer srv.Close()

	src := NewHTMLSource(config.HTMLConfig{URL: srv.URL, Timeout: 5 * time.Second, UserAgent: "test-agent"}, nil, zap.NewNop())
	rows, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(rows))
	}
	if gotUA != "test-agent" {
		t.Errorf("user agent = %q", gotUA)
	}
}

func TestHTMLSource_FetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewHTMLSource(config.HTMLConfig{URL: srv.URL, Timeout: time.Second}, nil, zap.NewNop())
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrFetch) {
		t.Errorf("expected ErrFetch, got %v", err)
	}
}
