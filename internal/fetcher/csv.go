package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// sniffSize is how much input is inspected to guess encoding and delimiter.
const sniffSize = 8 << 10

// Delimiters tried when none is given, in order of preference on a tie.
var sniffDelimiters = []rune{',', '\t', ';', '|'}

// CSVOptions configures CSV decoding.
type CSVOptions struct {
	// Delimiter separates fields. 0 picks the most frequent of , TAB ; | in
	// the header line.
	Delimiter rune

	// Encoding is a text encoding label. Empty means UTF-8, or CP949 when
	// the start of the input is not valid UTF-8, as in most spreadsheet
	// exports from Korean public data portals.
	Encoding string
}

// DecodeReader converts r from the named text encoding to UTF-8. A leading
// UTF-8 byte order mark is dropped.
func DecodeReader(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8":
		return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())), nil
	case "euc-kr", "euckr", "cp949", "ms949", "uhc":
		return transform.NewReader(r, korean.EUCKR.NewDecoder()), nil
	}
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: unsupported encoding %q", encoding)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// csvRows reads trimmed CSV records one at a time.
type csvRows struct {
	r *csv.Reader
}

func newCSVRows(r io.Reader, opts CSVOptions) (*csvRows, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, eris.Wrap(err, "csv: read")
	}
	if len(head) == sniffSize {
		// Do not judge a multibyte character cut at the buffer edge.
		if i := bytes.LastIndexByte(head, '\n'); i >= 0 {
			head = head[:i]
		}
	}

	encoding := opts.Encoding
	if encoding == "" && !utf8.Valid(head) {
		encoding = "cp949"
	}
	decoded, err := DecodeReader(br, encoding)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(decoded)
	cr.Comma = opts.Delimiter
	if cr.Comma == 0 {
		cr.Comma = sniffDelimiter(head)
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return &csvRows{r: cr}, nil
}

// Next returns the next record with its fields trimmed, or io.EOF.
func (c *csvRows) Next() ([]string, error) {
	record, err := c.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read row")
	}
	for i, field := range record {
		record[i] = strings.TrimSpace(field)
	}
	return record, nil
}

// sniffDelimiter counts candidate delimiters outside quotes on the first
// line. Delimiters are ASCII, so the raw bytes can be read before decoding.
func sniffDelimiter(head []byte) rune {
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	counts := make(map[rune]int, len(sniffDelimiters))
	quoted := false
	for _, b := range head {
		if b == '"' {
			quoted = !quoted
			continue
		}
		if !quoted {
			counts[rune(b)]++
		}
	}

	best := sniffDelimiters[0]
	for _, d := range sniffDelimiters[1:] {
		if counts[d] > counts[best] {
			best = d
		}
	}
	return best
}

// decodeCSV treats the first non-blank row as the header.
func decodeCSV(ctx context.Context, r io.Reader, encoding string) (*Batch, error) {
	rows, err := newCSVRows(r, CSVOptions{Encoding: encoding})
	if err != nil {
		return nil, err
	}

	batch := &Batch{}
	var idx map[int]string
	row := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "csv: cancelled")
		}
		cells, err := rows.Next()
		if err == io.EOF {
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		if blank(cells) {
			continue
		}
		if idx == nil {
			if idx, err = columnIndex(cells); err != nil {
				return nil, eris.Wrap(err, "csv")
			}
			continue
		}
		row++
		batch.add(row, fieldsFromRow(idx, cells))
	}
}
