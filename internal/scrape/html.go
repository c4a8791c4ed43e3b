// Package scrape reads counter rows from the legacy HTML status page.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/septivank/counter-ingest-worker/internal/config"
	"github.com/septivank/counter-ingest-worker/internal/parser"
	"go.uber.org/zap"
)

var (
	// ErrFetch is returned when the page cannot be retrieved
	ErrFetch = errors.New("html source fetch failed")
	// ErrNoTable is returned when the page has no <table>
	ErrNoTable = errors.New("html source has no table")
	// ErrNoMapping is returned when neither the header nor the column map identify mac and timestamp
	ErrNoMapping = errors.New("html table columns could not be mapped")
)

const maxPageBytes = 8 << 20

// Row is one table row with cells keyed by canonical field name
type Row struct {
	Index  int
	Fields parser.RawFields
}

// HTMLSource fetches the page and extracts the first table
type HTMLSource struct {
	url       string
	userAgent string
	columnMap map[string]int
	client    *http.Client
	logger    *zap.Logger
}

// NewHTMLSource creates a source; client defaults to one with cfg.Timeout
func NewHTMLSource(cfg config.HTMLConfig, client *http.Client, logger *zap.Logger) *HTMLSource {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTMLSource{
		url:       cfg.URL,
		userAgent: cfg.UserAgent,
		columnMap: cfg.ColumnMap,
		client:    client,
		logger:    logger,
	}
}

// Fetch performs one GET and parses the table rows
func (s *HTMLSource) Fetch(ctx context.Context) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrFetch, err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrFetch, s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: unexpected status %d", ErrFetch, s.url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %w", ErrFetch, err)
	}

	rows, err := ParseTable(doc, s.columnMap)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("html table parsed", zap.String("url", s.url), zap.Int("rows", len(rows)))
	return rows, nil
}

// ParseTable extracts rows from the first table of doc. Header cells are mapped
// to canonical fields first; columnMap is the positional fallback.
func ParseTable(doc *goquery.Document, columnMap map[string]int) ([]Row, error) {
	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, ErrNoTable
	}

	trs := table.Find("tr")
	if trs.Length() == 0 {
		return nil, nil
	}

	first := trs.First()
	hasHeader := first.Find("th").Length() > 0
	mapping := headerMapping(cellTexts(first))

	switch {
	case hasMACAndTimestamp(mapping):
		hasHeader = true
	case hasMACAndTimestamp(invert(columnMap)):
		mapping = invert(columnMap)
	default:
		return nil, ErrNoMapping
	}

	var rows []Row
	trs.Each(func(i int, tr *goquery.Selection) {
		if i == 0 && hasHeader {
			return
		}
		cells := cellTexts(tr)
		fields := parser.NewRawFields()
		for idx, field := range mapping {
			if idx < len(cells) && cells[idx] != "" {
				fields.Set(field, cells[idx])
			}
		}
		if fields.Len() == 0 {
			return
		}
		rows = append(rows, Row{Index: i, Fields: fields})
	})
	return rows, nil
}

func cellTexts(tr *goquery.Selection) []string {
	var out []string
	tr.Find("th, td").Each(func(_ int, c *goquery.Selection) {
		out = append(out, strings.Join(strings.Fields(c.Text()), " "))
	})
	return out
}

// headerMapping maps column index to canonical field for recognised headers
func headerMapping(headers []string) map[int]string {
	out := make(map[int]string)
	seen := make(map[string]bool)
	for i, h := range headers {
		field, ok := parser.CanonicalField(h)
		if !ok || seen[field] {
			continue
		}
		seen[field] = true
		out[i] = field
	}
	return out
}

func invert(columnMap map[string]int) map[int]string {
	out := make(map[int]string, len(columnMap))
	for name, idx := range columnMap {
		field, ok := parser.CanonicalField(name)
		if !ok {
			continue
		}
		out[idx] = field
	}
	return out
}

func hasMACAndTimestamp(mapping map[int]string) bool {
	var mac, ts bool
	for _, f := range mapping {
		switch f {
		case parser.FieldMAC:
			mac = true
		case parser.FieldTimestamp:
			ts = true
		}
	}
	return mac && ts
}
