package parser

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyBody is returned when the file contains no key,value line at all
	ErrEmptyBody = errors.New("csv body contains no key,value lines")
	// ErrNotText is returned when the file is not valid UTF-8
	ErrNotText = errors.New("csv body is not valid UTF-8 text")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseKeyValueCSV parses a two-column "key,value" body.
//
// Empty lines are skipped. Each remaining line is split on its first comma and both
// sides are trimmed; lines without two non-empty sides are skipped, so "Status," yields
// no entry. A later duplicate key replaces an earlier one. A first line that reads like
// a "Field,Value" header is dropped.
func ParseKeyValueCSV(data []byte) (RawFields, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return RawFields{}, ErrNotText
	}

	fields := NewRawFields()
	first := true
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ",")
		if !ok {
			first = false
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if first {
			first = false
			if isHeaderRow(key, value) {
				continue
			}
		}
		if key == "" || value == "" {
			continue
		}
		fields.Set(key, value)
	}

	if fields.Len() == 0 {
		return RawFields{}, ErrEmptyBody
	}
	return fields, nil
}

var (
	headerKeys   = map[string]bool{"field": true, "key": true, "champ": true, "cle": true, "clé": true, "parameter": true, "parametre": true, "paramètre": true}
	headerValues = map[string]bool{"value": true, "valeur": true}
)

func isHeaderRow(key, value string) bool {
	return headerKeys[strings.ToLower(key)] && headerValues[strings.ToLower(value)]
}
