package fetcher

import (
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultXMLElement is the element holding one institution in open-data API
// responses.
const DefaultXMLElement = "item"

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlItem struct {
	Fields []xmlField `xml:",any"`
}

// ReadXMLItems decodes every element named elementName into a map from child
// element name to trimmed text. The document charset is honored.
func ReadXMLItems(ctx context.Context, r io.Reader, elementName string) ([]map[string]string, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var items []map[string]string
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "xml: context cancelled")
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "xml: read token")
		}

		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != elementName {
			continue
		}

		var item xmlItem
		if err := decoder.DecodeElement(&item, &se); err != nil {
			return nil, eris.Wrap(err, "xml: decode element")
		}

		fields := make(map[string]string, len(item.Fields))
		for _, f := range item.Fields {
			fields[f.XMLName.Local] = strings.TrimSpace(f.Value)
		}
		items = append(items, fields)
	}
}
