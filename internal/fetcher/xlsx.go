package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// maxHeaderScan is how many leading rows may hold a title banner above the
// header row, as in "장기요양기관 현황 (2025.03 기준)".
const maxHeaderScan = 10

// decodeXLSX reads institutions from the named worksheet, or from the first
// worksheet with a recognizable header when sheet is empty.
func decodeXLSX(path, sheet string) (*Batch, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	if sheet != "" {
		s, ok := f.Sheet[sheet]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found (have %s)", sheet, strings.Join(sheetNames(f), ", "))
		}
		return decodeRows(sheetRows(s))
	}

	for _, s := range f.Sheets {
		rows := sheetRows(s)
		if _, _, err := findHeader(rows); err == nil {
			return decodeRows(rows)
		}
	}
	if len(f.Sheets) == 0 {
		return &Batch{}, nil
	}
	return decodeRows(sheetRows(f.Sheets[0]))
}

func sheetNames(f *xlsx.File) []string {
	names := make([]string, len(f.Sheets))
	for i, s := range f.Sheets {
		names[i] = s.Name
	}
	return names
}

// sheetRows returns trimmed cell text per row, dropping blank rows.
func sheetRows(s *xlsx.Sheet) [][]string {
	rows := make([][]string, 0, len(s.Rows))
	for _, row := range s.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			cells[i] = strings.TrimSpace(cell.String())
		}
		if !blank(cells) {
			rows = append(rows, cells)
		}
	}
	return rows
}

// findHeader locates the header among the first rows and returns its
// position with the column index built from it.
func findHeader(rows [][]string) (int, map[int]string, error) {
	var firstErr error
	for i := 0; i < len(rows) && i < maxHeaderScan; i++ {
		idx, err := columnIndex(rows[i])
		if err == nil {
			return i, idx, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return 0, nil, firstErr
}

// decodeRows skips any title rows above the header. Row numbers count data
// rows from 1.
func decodeRows(rows [][]string) (*Batch, error) {
	batch := &Batch{}
	if len(rows) == 0 {
		return batch, nil
	}
	at, idx, err := findHeader(rows)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx")
	}
	for i, cells := range rows[at+1:] {
		batch.add(i+1, fieldsFromRow(idx, cells))
	}
	return batch, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
