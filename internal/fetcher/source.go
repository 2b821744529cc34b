package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Format is an input document format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXML  Format = "xml"
)

// SampleLocation names the built-in demonstration batch.
const SampleLocation = "sample"

var extFormats = map[string]Format{
	".json": FormatJSON,
	".yaml": FormatYAML,
	".yml":  FormatYAML,
	".csv":  FormatCSV,
	".txt":  FormatCSV,
	".xlsx": FormatXLSX,
	".xml":  FormatXML,
}

// ParseFormat validates an explicit format name. The empty string means
// "detect from the file extension".
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case "", FormatJSON, FormatYAML, FormatCSV, FormatXLSX, FormatXML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", eris.Errorf("fetcher: unknown format %q", s)
}

// Options controls how a location is decoded.
type Options struct {
	Format     Format // empty: by extension
	Encoding   string // csv text encoding, default utf-8
	XMLElement string // default DefaultXMLElement
	Sheet      string // xlsx sheet name, default first sheet
}

// Source loads batches from local paths, http(s):// and ftp:// URLs.
// A .zip location must hold exactly one data file.
type Source struct {
	http Fetcher
	ftp  Fetcher
	log  *zap.Logger
}

// NewSource creates a Source using the given remote fetchers.
func NewSource(httpFetcher, ftpFetcher Fetcher) *Source {
	return &Source{
		http: httpFetcher,
		ftp:  ftpFetcher,
		log:  zap.L().With(zap.String("component", "fetcher")),
	}
}

// Load reads and converts every row at location.
func (s *Source) Load(ctx context.Context, location string, opts Options) (*Batch, error) {
	if location == SampleLocation {
		return SampleBatch(), nil
	}

	name, remote := s.fetcherFor(location)
	ext := strings.ToLower(path.Ext(name))
	zipped := ext == ".zip"

	format := opts.Format
	if format == "" && !zipped {
		format = extFormats[ext]
		if format == "" {
			return nil, eris.Errorf("fetcher: cannot tell the format of %q; set it explicitly", location)
		}
	}

	s.log.Info("loading batch",
		zap.String("location", location),
		zap.String("format", string(format)),
		zap.Bool("zipped", zipped),
	)

	var (
		batch *Batch
		err   error
	)
	if zipped || format == FormatXLSX {
		batch, err = s.loadFile(ctx, location, name, remote, zipped, format, opts)
	} else {
		batch, err = s.loadStream(ctx, location, remote, format, opts)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("batch loaded",
		zap.String("location", location),
		zap.Int("records", len(batch.Records)),
		zap.Int("rejects", len(batch.Rejects)),
	)
	return batch, nil
}

// fetcherFor returns the path part of location and the fetcher for its
// scheme, or nil for a local path.
func (s *Source) fetcherFor(location string) (string, Fetcher) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return location, nil
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Path, s.http
	case "ftp":
		return u.Path, s.ftp
	case "file":
		return u.Path, nil
	}
	return location, nil
}

func (s *Source) loadStream(ctx context.Context, location string, remote Fetcher, format Format, opts Options) (*Batch, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	if remote != nil {
		rc, err = remote.Download(ctx, location)
	} else {
		rc, err = os.Open(localPath(location))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", location)
	}
	defer rc.Close() //nolint:errcheck

	return decodeStream(ctx, rc, format, opts)
}

// loadFile materializes location on disk, unpacking a zip, and decodes it.
func (s *Source) loadFile(ctx context.Context, location, name string, remote Fetcher, zipped bool, format Format, opts Options) (*Batch, error) {
	tmp, err := os.MkdirTemp("", "caremap-batch-")
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create temp dir")
	}
	defer os.RemoveAll(tmp) //nolint:errcheck

	local := localPath(location)
	if remote != nil {
		local = filepath.Join(tmp, "download"+path.Ext(name))
		if _, err := remote.DownloadToFile(ctx, location, local); err != nil {
			return nil, eris.Wrapf(err, "fetcher: download %s", location)
		}
	}

	if zipped {
		dir := filepath.Join(tmp, "unzipped")
		extracted, err := ExtractBatchFile(local, dir)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: unpack %s", location)
		}
		local = extracted
		if format == "" {
			format = extFormats[strings.ToLower(filepath.Ext(local))]
			if format == "" {
				return nil, eris.Errorf("fetcher: cannot tell the format of %q in %s", filepath.Base(local), location)
			}
		}
	}

	if format == FormatXLSX {
		batch, err := decodeXLSX(local, opts.Sheet)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: read %s", location)
		}
		return batch, nil
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", location)
	}
	defer f.Close() //nolint:errcheck
	return decodeStream(ctx, f, format, opts)
}

func localPath(location string) string {
	if u, err := url.Parse(location); err == nil && u.Scheme == "file" {
		return u.Path
	}
	return location
}

// ReadBatch decodes a batch from r. opts.Format must name a streamable
// format (json, yaml, csv or xml).
func ReadBatch(ctx context.Context, r io.Reader, opts Options) (*Batch, error) {
	if opts.Format == "" || opts.Format == FormatXLSX {
		return nil, eris.Errorf("fetcher: cannot stream format %q", opts.Format)
	}
	return decodeStream(ctx, r, opts.Format, opts)
}

func decodeStream(ctx context.Context, r io.Reader, format Format, opts Options) (*Batch, error) {
	switch format {
	case FormatJSON, FormatYAML:
		decoded, err := DecodeReader(r, "")
		if err != nil {
			return nil, err
		}
		if format == FormatJSON {
			return wrapDecode(decodeJSON(ctx, decoded))
		}
		return wrapDecode(decodeYAML(decoded))
	case FormatCSV:
		return wrapDecode(decodeCSV(ctx, r, opts.Encoding))
	case FormatXML:
		element := opts.XMLElement
		if element == "" {
			element = DefaultXMLElement
		}
		items, err := ReadXMLItems(ctx, r, element)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: decode")
		}
		return decodeItems(items), nil
	}
	return nil, eris.Errorf("fetcher: unsupported format %q", format)
}

func wrapDecode(b *Batch, err error) (*Batch, error) {
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: decode")
	}
	return b, nil
}

func decodeItems(items []map[string]string) *Batch {
	batch := &Batch{}
	for i, item := range items {
		batch.add(i+1, canonicalFields(item))
	}
	return batch
}

func (b *Batch) add(row int, fields map[string]string) {
	rec, err := recordFromFields(fields)
	if err != nil {
		b.reject(row, err.Error())
		return
	}
	b.Records = append(b.Records, rec)
}
