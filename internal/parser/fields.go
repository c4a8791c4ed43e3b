package parser

import (
	"strconv"
	"strings"
)

// Canonical field names. Each maps to the aliases accepted in CSV keys and HTML headers.
const (
	FieldMAC          = "mac"
	FieldTimestamp    = "timestamp"
	FieldIPAddress    = "ip_address"
	FieldDisplayName  = "display_name"
	FieldModel        = "model"
	FieldSerialNumber = "serial_number"
	FieldStatus       = "status"
	FieldTonerBlack   = "toner_black"
	FieldTonerCyan    = "toner_cyan"
	FieldTonerMagenta = "toner_magenta"
	FieldTonerYellow  = "toner_yellow"
	FieldTotalPages   = "total_pages"
	FieldFaxPages     = "fax_pages"
	FieldCopiedPages  = "copied_pages"
	FieldPrintedPages = "printed_pages"
	FieldBWCopies     = "bw_copies"
	FieldColorCopies  = "color_copies"
	FieldBWPrinted    = "bw_printed"
	FieldColorPrinted = "color_printed"
	FieldTotalColor   = "total_color"
	FieldTotalBW      = "total_bw"
)

var fieldAliases = map[string][]string{
	FieldMAC:          {"macaddress", "mac", "adressemac", "macnorm"},
	FieldTimestamp:    {"timestamp", "date", "datetime", "horodatage", "dateheure", "readingtime"},
	FieldIPAddress:    {"ipaddress", "ip", "adresseip"},
	FieldDisplayName:  {"nom", "name", "displayname", "hostname"},
	FieldModel:        {"model", "modele", "modèle"},
	FieldSerialNumber: {"serialnumber", "serial", "numeroserie", "numéroserie", "sn"},
	FieldStatus:       {"status", "statut", "etat", "état"},
	FieldTonerBlack:   {"tonerblack", "tonernoir", "black", "noir"},
	FieldTonerCyan:    {"tonercyan", "cyan"},
	FieldTonerMagenta: {"tonermagenta", "magenta"},
	FieldTonerYellow:  {"toneryellow", "tonerjaune", "yellow", "jaune"},
	FieldTotalPages:   {"totalpages", "totalpage", "compteurtotal", "pagestotal"},
	FieldFaxPages:     {"faxpages", "fax"},
	FieldCopiedPages:  {"copiedpages", "copies", "pagescopiees"},
	FieldPrintedPages: {"printedpages", "prints", "pagesimprimees"},
	FieldBWCopies:     {"bwcopies", "copiesnb", "copiedbw"},
	FieldColorCopies:  {"colorcopies", "copiescouleur", "copiedcolor"},
	FieldBWPrinted:    {"bwprinted", "printedbw", "impressionsnb"},
	FieldColorPrinted: {"colorprinted", "printedcolor", "impressionscouleur"},
	FieldTotalColor:   {"totalcolor", "totalcouleur"},
	FieldTotalBW:      {"totalbw", "totalnb"},
}

var aliasIndex = func() map[string]string {
	idx := make(map[string]string)
	for field, aliases := range fieldAliases {
		idx[normalizeKey(field)] = field
		for _, a := range aliases {
			idx[normalizeKey(a)] = field
		}
	}
	return idx
}()

// CanonicalField maps a raw key (CSV key or HTML header) to a canonical field name
func CanonicalField(raw string) (string, bool) {
	f, ok := aliasIndex[normalizeKey(raw)]
	return f, ok
}

// RawFields holds parsed-but-unvalidated key/value pairs. Keys are compared
// case-insensitively, ignoring spaces, '_' and '-'.
type RawFields struct {
	values map[string]string
}

// NewRawFields returns an empty RawFields
func NewRawFields() RawFields {
	return RawFields{values: make(map[string]string)}
}

// Set stores value under key, replacing any previous value
func (f RawFields) Set(key, value string) {
	f.values[normalizeKey(key)] = value
}

// Len returns the number of stored keys
func (f RawFields) Len() int {
	return len(f.values)
}

// Raw returns the value stored under exactly this key
func (f RawFields) Raw(key string) (string, bool) {
	v, ok := f.values[normalizeKey(key)]
	return v, ok
}

// String returns the first non-empty value among the field's aliases
func (f RawFields) String(field string) (string, bool) {
	if f.values == nil {
		return "", false
	}
	if v, ok := f.values[normalizeKey(field)]; ok && v != "" {
		return v, true
	}
	for _, alias := range fieldAliases[field] {
		if v, ok := f.values[normalizeKey(alias)]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// StringPtr is String returning nil when absent
func (f RawFields) StringPtr(field string) *string {
	v, ok := f.String(field)
	if !ok {
		return nil
	}
	return &v
}

// Int returns the field as an integer, or nil when absent, empty or non-numeric.
// A trailing '%' and inner spaces (thousand separators) are tolerated.
func (f RawFields) Int(field string) *int64 {
	v, ok := f.String(field)
	if !ok {
		return nil
	}
	v = strings.TrimSuffix(strings.TrimSpace(v), "%")
	v = strings.ReplaceAll(v, " ", "")
	v = strings.ReplaceAll(v, "\u00a0", "")
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// Map returns a copy of the normalized key/value pairs
func (f RawFields) Map() map[string]string {
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer(" ", "", "_", "", "-", "", ".", "").Replace(k)
}
