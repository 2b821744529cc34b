package fetcher

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/caremap/caremap-sync/internal/model"
)

// Reject is an input row that could not be converted to a record.
type Reject struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Batch is the converted content of one source. Rows are numbered from 1
// in input order, header excluded.
type Batch struct {
	Records []model.Record `json:"records"`
	Rejects []Reject       `json:"rejects,omitempty"`
}

// Total is the number of input rows, converted or not.
func (b *Batch) Total() int { return len(b.Records) + len(b.Rejects) }

func (b *Batch) reject(row int, reason string) {
	b.Rejects = append(b.Rejects, Reject{Row: row, Reason: reason})
}

// Canonical column keys, matching the JSON wire names.
const (
	colCode     = "code"
	colName     = "name"
	colType     = "type"
	colCapacity = "capacity"
	colCurrent  = "current"
	colAddress  = "address"
	colHours    = "hours"
	colLat      = "lat"
	colLng      = "lng"
)

// columnAliases maps normalized header labels to canonical keys. Korean
// labels follow the long-term care institution exports.
var columnAliases = map[string]string{
	"code":              colCode,
	"institution_code":  colCode,
	"기관코드":              colCode,
	"기관기호":              colCode,
	"장기요양기관기호":          colCode,
	"name":              colName,
	"기관명":               colName,
	"장기요양기관명":           colName,
	"type":              colType,
	"service_type":      colType,
	"급여종류":              colType,
	"서비스종류":             colType,
	"capacity":          colCapacity,
	"정원":                colCapacity,
	"입소정원":              colCapacity,
	"current":           colCurrent,
	"current_headcount": colCurrent,
	"현원":                colCurrent,
	"address":           colAddress,
	"주소":                colAddress,
	"소재지":               colAddress,
	"hours":             colHours,
	"operating_hours":   colHours,
	"운영시간":              colHours,
	"lat":               colLat,
	"latitude":          colLat,
	"위도":                colLat,
	"lng":               colLng,
	"lon":               colLng,
	"longitude":         colLng,
	"경도":                colLng,
}

func canonicalColumn(label string) (string, bool) {
	key := strings.TrimPrefix(label, "\ufeff")
	key = strings.ToLower(strings.Join(strings.Fields(key), ""))
	c, ok := columnAliases[key]
	return c, ok
}

// columnIndex maps header positions to canonical keys. Unknown columns are
// ignored; code and name are required.
func columnIndex(header []string) (map[int]string, error) {
	idx := make(map[int]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		c, ok := canonicalColumn(h)
		if !ok || seen[c] {
			continue
		}
		idx[i] = c
		seen[c] = true
	}
	for _, required := range []string{colCode, colName} {
		if !seen[required] {
			return nil, eris.Errorf("header has no %s column (got %q)", required, header)
		}
	}
	return idx, nil
}

// fieldsFromRow keys a row by canonical column.
func fieldsFromRow(idx map[int]string, row []string) map[string]string {
	fields := make(map[string]string, len(idx))
	for i, c := range idx {
		if i < len(row) {
			fields[c] = strings.TrimSpace(row[i])
		}
	}
	return fields
}

// canonicalFields re-keys a field map whose keys are header labels.
func canonicalFields(raw map[string]string) map[string]string {
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if c, ok := canonicalColumn(k); ok {
			if _, dup := fields[c]; !dup {
				fields[c] = strings.TrimSpace(v)
			}
		}
	}
	return fields
}

// recordFromFields converts canonical fields to a record. Counts accept
// thousands separators and a trailing 명.
func recordFromFields(fields map[string]string) (model.Record, error) {
	rec := model.Record{
		Code:           fields[colCode],
		Name:           fields[colName],
		ServiceType:    fields[colType],
		Address:        fields[colAddress],
		OperatingHours: fields[colHours],
	}

	var err error
	if rec.Capacity, err = parseCount(colCapacity, fields[colCapacity]); err != nil {
		return model.Record{}, err
	}
	if rec.CurrentHeadcount, err = parseCount(colCurrent, fields[colCurrent]); err != nil {
		return model.Record{}, err
	}

	lat, lng := fields[colLat], fields[colLng]
	if lat != "" && lng != "" {
		la, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return model.Record{}, eris.Errorf("lat: not a number %q", lat)
		}
		ln, err := strconv.ParseFloat(lng, 64)
		if err != nil {
			return model.Record{}, eris.Errorf("lng: not a number %q", lng)
		}
		rec.Coordinates = &model.Coordinates{Latitude: la, Longitude: ln}
	}
	return rec, nil
}

// parseCount reads a headcount cell. An empty cell counts as 0.
func parseCount(field, s string) (int, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimSuffix(v, "명")
	v = strings.ReplaceAll(strings.TrimSpace(v), ",", "")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, eris.Errorf("%s: not a number %q", field, s)
	}
	return n, nil
}
