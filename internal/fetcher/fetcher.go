// Package fetcher loads institution batches from local files, HTTP and FTP
// in JSON, YAML, CSV, XLSX and XML form, optionally zipped.
package fetcher

import (
	"context"
	"io"
)

// Fetcher retrieves a remote batch file.
type Fetcher interface {
	// Download returns the body at url. The caller closes it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile saves the body at url to path and returns its size.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

var (
	_ Fetcher = (*HTTPFetcher)(nil)
	_ Fetcher = (*FTPFetcher)(nil)
)
